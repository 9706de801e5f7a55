// The main package for the venuecrawler executable.
package main

import (
	"github.com/JakeFAU/venue-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

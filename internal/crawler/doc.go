// Package crawler implements the adaptive crawl controller: it walks the
// numbered listing pages of one catalog source, renders and extracts each
// page through pluggable collaborators, deduplicates items across the run,
// delivers one batch per productive page and decides when to stop.
package crawler

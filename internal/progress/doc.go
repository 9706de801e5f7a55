// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that crawl runs use to report page decisions, deliveries and stop
// reasons. It batches events on a background goroutine and fans them out to
// pluggable sinks such as structured logs or Prometheus metrics.
package progress

// Package progress provides the event primitives, non-blocking hub, and emitter
// interface the crawl orchestrator uses to report run progress. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// Prometheus metrics or the run history repository.
package progress

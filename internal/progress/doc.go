// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that crawl executors and the analysis scheduler use to report job
// milestones. It batches events on a background goroutine and fans them out
// to pluggable sinks such as Prometheus metrics, logs, or Pub/Sub
// notifications.
package progress

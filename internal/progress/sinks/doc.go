// Package sinks implements concrete progress consumers: Prometheus collectors,
// structured logging, and job-finished notifications over a publisher. Each
// sink satisfies progress.Sink and is safe for repeated Consume/Close cycles.
package sinks

// Package notifier is the delivery pipeline between the monitor and a
// notify.Sink.
//
// It adds a token-bucket rate limit, retry with exponential backoff and
// jitter, a short dedup window keyed by tag and content, a bounded history
// for status output and an optional audit trail in storage. The Service
// implements notify.Sink itself, so callers never know whether they talk to
// the pipeline or to a bare sink.
//
// # Modes
//
// In sync mode (the default) Deliver runs the pipeline on the caller's
// goroutine and returns the final delivery error. In async mode Deliver
// enqueues onto a bounded queue drained by a worker pool and returns once the
// notification is accepted.
package notifier

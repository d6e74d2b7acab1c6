package engine

import (
	"errors"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task already queued or running")
)

// outcome is how a task error steers the retry loop.
type outcome struct {
	err   error
	final bool
	after time.Duration
}

func (o *outcome) Error() string { return o.err.Error() }
func (o *outcome) Unwrap() error { return o.err }

// NoRetry ends the task with err on this attempt.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &outcome{err: err, final: true}
}

// RetryAfter asks for the next attempt no sooner than after. The delay is
// still capped by the task's Backoff.Max and jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &outcome{err: err, after: max(after, 0)}
}

// classify unwraps a task error into the error to report, whether to stop
// retrying and an optional delay hint.
func classify(err error) (cause error, final bool, after time.Duration) {
	var o *outcome
	if errors.As(err, &o) {
		return o.err, o.final, o.after
	}
	return err, false, 0
}

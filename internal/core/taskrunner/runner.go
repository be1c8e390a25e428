// Package taskrunner provides the single logical thread the tracing service
// runs on. Every state mutation in the service happens inside a task, and
// every asynchronous callback to a producer or consumer is posted as a task,
// so callbacks are never re-entered from within a service call.
package taskrunner

import "time"

// Runner serializes tasks. Tasks posted from the same goroutine run in the
// order they were posted.
type Runner interface {
	// PostTask schedules fn to run after every task already queued
	PostTask(fn func())

	// PostDelayedTask schedules fn to run no earlier than d from Now
	PostDelayedTask(fn func(), d time.Duration)

	// Now returns the runner's clock
	Now() time.Time
}

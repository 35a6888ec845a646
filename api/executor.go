// Package api
// Author: momentics
//
// Executor contract for background (potentially blocking) task dispatch.

package api

// Executor abstracts a bounded pool of worker goroutines that runs work
// which must never execute on a reactor goroutine.
type Executor interface {
	// Submit schedules task for execution. A saturated or closed
	// executor rejects the task with an error instead of blocking.
	Submit(task func()) error

	// NumWorkers returns current number of active worker routines.
	NumWorkers() int

	// Pending returns the number of queued tasks not yet picked up.
	Pending() int
}

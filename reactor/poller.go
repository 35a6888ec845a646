// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package reactor

import "time"

const (
	pollRead  uint32 = 1 << 0
	pollWrite uint32 = 1 << 1
)

// readyEvent is one readiness report collected from the multiplexer.
type readyEvent struct {
	fd       int
	readable bool
	writable bool
}

// poller is the readiness multiplexer owned by one Core.
type poller interface {
	add(fd int, events uint32) error
	modify(fd int, events uint32) error
	remove(fd int) error
	// wait blocks up to timeout and appends readiness reports to dst.
	wait(timeout time.Duration, dst []readyEvent) ([]readyEvent, error)
	// wake interrupts a blocked wait from any goroutine.
	wake() error
	close() error
}

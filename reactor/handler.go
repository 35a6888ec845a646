// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package reactor

import "time"

// Interest names one kind of readiness a channel can wait for.
type Interest uint8

const (
	InterestRead Interest = iota
	InterestWrite
	InterestAccept
	InterestConnect

	numInterests
)

func (i Interest) String() string {
	switch i {
	case InterestRead:
		return "read"
	case InterestWrite:
		return "write"
	case InterestAccept:
		return "accept"
	case InterestConnect:
		return "connect"
	}
	return "unknown"
}

// Handler receives the terminal notifications shared by every interest.
// Implementations must be pointer types: cancellation compares handlers by
// identity.
type Handler interface {
	// Closed fires when the channel is closed or the Core stops while the
	// registration is pending.
	Closed()
	// Timeout fires when Deadline elapsed before readiness.
	Timeout()
	// Deadline returns the absolute deadline of the registration. The zero
	// time means no deadline.
	Deadline() time.Time
}

// ReadHandler waits for the channel to become readable.
type ReadHandler interface {
	Handler
	Read()
}

// WriteHandler waits for the channel to become writable.
type WriteHandler interface {
	Handler
	Write()
}

// AcceptHandler waits for a pending connection on a listening channel.
type AcceptHandler interface {
	Handler
	Accept()
}

// ConnectHandler waits for a non-blocking connect to finish.
type ConnectHandler interface {
	Handler
	Connect()
}

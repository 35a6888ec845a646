// Author: momentics <momentics@gmail.com>

package proxy

import (
	"fmt"

	"github.com/momentics/hioload-proxy/api"
)

// State is the position of a Connection in its exchange cycle.
type State uint8

const (
	StateReadingRequest State = iota
	StateFiltering
	StateAcquiringBackend
	StateSendingRequest
	StateStreamingResponse
	StateTunneling
	StateRestartKeepAlive
	StateClosing
	StateClosed
)

var stateNames = [...]string{
	StateReadingRequest:    "reading_request",
	StateFiltering:         "filtering",
	StateAcquiringBackend:  "acquiring_backend",
	StateSendingRequest:    "sending_request",
	StateStreamingResponse: "streaming_response",
	StateTunneling:         "tunneling",
	StateRestartKeepAlive:  "restart_keepalive",
	StateClosing:           "closing",
	StateClosed:            "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

func states(ss ...State) uint16 {
	var m uint16
	for _, s := range ss {
		m |= 1 << s
	}
	return m
}

// transitions lists the legal successors of every state. Closing is
// reachable from every live state.
var transitions = [...]uint16{
	StateReadingRequest:    states(StateFiltering, StateStreamingResponse),
	StateFiltering:         states(StateAcquiringBackend, StateStreamingResponse),
	StateAcquiringBackend:  states(StateSendingRequest, StateStreamingResponse, StateTunneling),
	StateSendingRequest:    states(StateStreamingResponse, StateAcquiringBackend),
	StateStreamingResponse: states(StateStreamingResponse, StateAcquiringBackend, StateTunneling, StateRestartKeepAlive),
	StateTunneling:         0,
	StateRestartKeepAlive:  states(StateReadingRequest),
	StateClosing:           states(StateClosed),
	StateClosed:            0,
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	if to == StateClosing {
		return from < StateClosing
	}
	if int(from) >= len(transitions) {
		return false
	}
	return transitions[from]&(1<<to) != 0
}

func illegalTransition(from, to State) *api.Error {
	return api.Misuse(fmt.Sprintf("proxy: illegal transition %s -> %s", from, to)).
		WithContext("from", from.String()).
		WithContext("to", to.String())
}

// keepAlive is the session keepalive flag. It starts true and can only be
// cleared.
type keepAlive struct {
	on     bool
	reason string
}

func newKeepAlive() keepAlive { return keepAlive{on: true} }

// And clears the flag unless v is true. The first clearing reason wins.
func (k *keepAlive) And(v bool, reason string) {
	if !v && k.on {
		k.on = false
		k.reason = reason
	}
}

func (k *keepAlive) On() bool { return k.on }

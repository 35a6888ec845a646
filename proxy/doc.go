// Package proxy
// Author: momentics <momentics@gmail.com>
//
// Client sessions of the forward proxy. An Acceptor turns each accepted
// socket into a Connection, which drives one request/response exchange at a
// time through an explicit state machine:
//
//	ReadingRequest -> Filtering -> AcquiringBackend -> SendingRequest
//	  -> StreamingResponse -> RestartKeepAlive -> ReadingRequest
//
// CONNECT requests and requests carrying connection-bound credentials leave
// the machine for a Tunnel. Every path ends in Closing and Closed.
//
// All callbacks of a Connection run on reactor cores and never block.
package proxy

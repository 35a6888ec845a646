// Package framing
// Author: momentics <momentics@gmail.com>
//
// HTTP/1.x message framing over reactor channels: head parsing and
// serialization, framing classification, and the non-blocking readers,
// senders and body transfers that move one message between two channels.
//
// Every asynchronous object in this package reports exactly one terminal
// event to its listener and leaves no pooled buffer behind on any exit path.
package framing

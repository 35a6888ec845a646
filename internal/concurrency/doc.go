// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Background execution primitives for hioload-proxy. The Executor runs
// work that may block (DNS resolution, upstream handshakes) away from
// the reactor goroutines, which must never block.
package concurrency

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness-based event reactor of hioload-proxy:
// non-blocking socket channels, single-goroutine Cores that turn epoll
// readiness into handler callbacks with per-registration deadlines, and the
// Scheduler that spreads channels over several Cores and runs blocking work on
// a background executor.
//
// Only the loop goroutine of a Core touches that Core's registrations. Every
// public entry point hands work to the loop through its task queue.
package reactor

//go:build linux
// +build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific debug hooks.

package control

import (
	"os"
	"runtime"
)

// RegisterPlatformHooks sets Linux-specific debug metrics.
func RegisterPlatformHooks(dp *DebugHooks) {
	dp.RegisterHook("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterHook("platform.goroutines", func() any {
		return runtime.NumGoroutine()
	})
	dp.RegisterHook("platform.open_fds", func() any {
		entries, err := os.ReadDir("/proc/self/fd")
		if err != nil {
			return -1
		}
		return len(entries)
	})
}

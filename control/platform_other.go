//go:build !linux
// +build !linux

// control/platform_other.go
// Author: momentics <momentics@gmail.com>

package control

import "runtime"

// RegisterPlatformHooks sets generic debug metrics.
func RegisterPlatformHooks(dp *DebugHooks) {
	dp.RegisterHook("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterHook("platform.goroutines", func() any {
		return runtime.NumGoroutine()
	})
}

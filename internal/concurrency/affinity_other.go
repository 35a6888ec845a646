// File: internal/concurrency/affinity_other.go
//go:build !linux

package concurrency

import "runtime"

// AllowedCPUs is unknown off Linux.
func AllowedCPUs() []int { return nil }

// PinCurrentThread only locks the OS thread off Linux.
func PinCurrentThread(cpu int) error {
	runtime.LockOSThread()
	return ErrAffinityUnsupported
}

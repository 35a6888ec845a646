// File: internal/concurrency/affinity_linux.go
//go:build linux

package concurrency

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// AllowedCPUs lists the CPUs in the affinity mask of the calling thread.
func AllowedCPUs() []int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil
	}
	out := make([]int, 0, set.Count())
	for cpu := 0; len(out) < set.Count() && cpu < 1024; cpu++ {
		if set.IsSet(cpu) {
			out = append(out, cpu)
		}
	}
	return out
}

// PinCurrentThread locks the calling goroutine to its OS thread and binds
// that thread to cpu. The goroutine must never unlock the thread; when it
// exits the runtime discards the pinned thread.
func PinCurrentThread(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin to cpu %d: %w", cpu, err)
	}
	return nil
}

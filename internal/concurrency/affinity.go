// File: internal/concurrency/affinity.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// CPU affinity for long-lived loop goroutines.

package concurrency

import "runtime"

// NumCPUs returns the number of logical CPUs.
func NumCPUs() int {
	return runtime.NumCPU()
}

// CPUForSlot picks the CPU for the n-th pinned loop, cycling through the
// CPUs the process may run on. It returns -1 when none are known.
func CPUForSlot(n int) int {
	cpus := AllowedCPUs()
	if len(cpus) == 0 || n < 0 {
		return -1
	}
	return cpus[n%len(cpus)]
}

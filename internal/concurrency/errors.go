// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for concurrency module.

package concurrency

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-proxy/api"
)

var (
	// ErrExecutorClosed indicates the executor has been shut down
	ErrExecutorClosed = errors.New("executor is closed")

	// ErrExecutorFull indicates the task queue is saturated
	ErrExecutorFull = fmt.Errorf("executor queue is full: %w", api.ErrResourceExhausted)

	// ErrAffinityUnsupported is returned where threads cannot be pinned
	ErrAffinityUnsupported = fmt.Errorf("cpu affinity: %w", api.ErrNotSupported)
)

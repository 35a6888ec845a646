//go:build !linux
// +build !linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"fmt"

	"github.com/momentics/hioload-proxy/api"
)

// newPoller returns an error for unsupported platforms.
func newPoller() (poller, error) {
	return nil, fmt.Errorf("reactor: epoll: %w", api.ErrNotSupported)
}

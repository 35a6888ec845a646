// Author: momentics <momentics@gmail.com>

package backend

import (
	"errors"

	"github.com/momentics/hioload-proxy/api"
)

var (
	// ErrUnknownHost is returned when a host name has no address.
	ErrUnknownHost = errors.New("unknown host")
	// ErrConnectTimeout is returned when a connect did not finish in time.
	ErrConnectTimeout = api.NewError(api.ErrCodeTimeout, "backend connect timed out")
	// ErrPoolClosed is returned for work submitted after Close.
	ErrPoolClosed = errors.New("backend pool is closed")
)

func unknownHost(host string, cause error) error {
	e := api.WrapError(api.ErrCodeBackendUnreachable, "resolve "+host, ErrUnknownHost)
	if cause != nil {
		e.WithContext("cause", cause.Error())
	}
	return e
}

// IsUnknownHost reports whether err stems from a failed name lookup.
func IsUnknownHost(err error) bool {
	return errors.Is(err, ErrUnknownHost)
}

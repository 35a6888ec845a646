// Author: momentics <momentics@gmail.com>

package framing

import (
	"errors"

	"github.com/momentics/hioload-proxy/api"
)

var (
	// ErrHeadTooLarge is returned when a head does not fit MaxHeadSize.
	ErrHeadTooLarge = api.NewError(api.ErrCodeProtocol, "message head too large")
	// ErrRequestLineTooLong is returned for request lines above MaxLineSize.
	ErrRequestLineTooLong = api.NewError(api.ErrCodeProtocol, "request line too long")
	// ErrMalformedHead is returned for unparsable heads.
	ErrMalformedHead = api.NewError(api.ErrCodeProtocol, "malformed message head")
	// ErrMalformedChunk is returned for broken chunk framing.
	ErrMalformedChunk = api.NewError(api.ErrCodeProtocol, "malformed chunked encoding")
	// ErrPartialContent is returned when a body ended before its declared length.
	ErrPartialContent = errors.New("body shorter than declared length")
)

func malformed(detail string) error {
	return api.WrapError(api.ErrCodeProtocol, detail, ErrMalformedHead)
}

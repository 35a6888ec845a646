// Author: momentics <momentics@gmail.com>

package framing

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/reactor"
)

// Reactor is the part of reactor.Scheduler the framing objects wait on.
type Reactor interface {
	WaitForRead(ch *reactor.Channel, h reactor.ReadHandler)
	WaitForWrite(ch *reactor.Channel, h reactor.WriteHandler)
	DefaultTimeout() time.Time
}

var _ Reactor = (*reactor.Scheduler)(nil)

func timeoutError(what string, ch *reactor.Channel) error {
	return api.WrapError(api.ErrCodeTransient, fmt.Sprintf("%s on %s", what, ch), api.ErrOperationTimeout)
}

func closedError(ch *reactor.Channel) error {
	return fmt.Errorf("%s: %w", ch, reactor.ErrClosed)
}

package delivery

import (
	"context"

	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

// Handler processes one inbound message. Non-nil reply data is returned to
// the sender as a Response result instead of a plain acknowledgment. A
// non-nil error suppresses the acknowledgment so the sender retries.
type Handler interface {
	HandleMessage(ctx context.Context, env wire.Envelope) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, env wire.Envelope) ([]byte, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, env wire.Envelope) ([]byte, error) {
	return f(ctx, env)
}

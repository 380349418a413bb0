package gossip

import (
	"context"

	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

// Network is the part of *delivery.Manager heartbeats travel over.
type Network interface {
	Send(ctx context.Context, target string, t wire.MessageType, payload []byte, opts delivery.Options) (<-chan delivery.Result, error)
	Register(t wire.MessageType, h delivery.Handler) error
}

var _ Network = (*delivery.Manager)(nil)

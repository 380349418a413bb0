// Package transport is the topic-based publish/subscribe substrate the mesh
// runs on. Implementations give no ordering, deduplication or delivery
// guarantee; reliability is layered on top by package delivery.
//
// Two implementations are provided: an in-process Hub used by tests and
// single-process deployments, and EtcdTransport which carries messages as
// short-lived leased keys watched by prefix.
package transport

import (
	"context"
	"fmt"
)

// Handler is invoked once per inbound message on any subscribed topic.
// Implementations may call it from several goroutines at once.
type Handler func(topic string, payload []byte)

type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) error
	SetHandler(h Handler)
	Close() error
}

type TransportError struct {
	Op    string // "publish" | "subscribe"
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %q: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

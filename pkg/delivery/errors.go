package delivery

import (
	"errors"
	"fmt"

	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

var (
	ErrNotActive       = errors.New("delivery manager is not active")
	ErrMessageTooLarge = errors.New("message too large")
	ErrBroadcastAck    = errors.New("broadcasts are fire-and-forget; acknowledgment cannot be required")
	ErrTooManyInflight = errors.New("too many messages awaiting acknowledgment")
	ErrReservedType    = errors.New("message type is reserved for the delivery protocol")
	ErrStopped         = errors.New("delivery manager stopped")
)

// NetworkError reports a failed publish to the caller of Send. It is never
// retried at the transport layer.
type NetworkError struct {
	Topic string
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error publishing to %s: %v", e.Topic, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// HandlerError wraps a failure (or panic) inside a registered handler. It is
// logged on the receiving node and never reaches the sender.
type HandlerError struct {
	MessageType wire.MessageType
	MessageID   string
	Cause       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s for message %s: %v", e.MessageType, e.MessageID, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

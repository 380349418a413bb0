package delivery

import (
	"time"

	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

// Options controls how a single message is delivered.
type Options struct {
	RequireAck bool
	MaxRetries int
	Timeout    time.Duration
	Priority   wire.Priority
	// Context scopes the envelope; empty leaves it unscoped.
	Context string
}

func DefaultOptions() Options {
	return Options{
		RequireAck: true,
		MaxRetries: 3,
		Timeout:    30 * time.Second,
		Priority:   wire.PriorityNormal,
	}
}

// FireAndForget returns options for an untracked send.
func FireAndForget(p wire.Priority) Options {
	return Options{Priority: p}
}

type Status uint8

const (
	StatusDelivered Status = iota + 1
	StatusFailed
	StatusTimedOut
	StatusResponse
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	case StatusResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Result is the single terminal outcome of an acknowledged send.
type Result struct {
	MessageID string
	Status    Status
	Reason    string // set for StatusFailed
	Data      []byte // set for StatusResponse
}

// OK reports whether the receiver processed the message.
func (r Result) OK() bool {
	return r.Status == StatusDelivered || r.Status == StatusResponse
}

const reasonMaxRetries = "max retries exceeded"

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Broadcast is the target sentinel for messages addressed to every node.
const Broadcast = "*"

type MessageType string

const (
	MsgResourceUpdate MessageType = "resource_update"
	MsgSyncRequest    MessageType = "sync_request"
	MsgConflictNotice MessageType = "conflict_notice"
	MsgControl        MessageType = "control"
	MsgHeartbeat      MessageType = "heartbeat"
	MsgDiscovery      MessageType = "discovery"
	MsgCustom         MessageType = "custom"
)

// MessageTypes lists the closed set of kinds a handler may be registered for.
func MessageTypes() []MessageType {
	return []MessageType{
		MsgResourceUpdate, MsgSyncRequest, MsgConflictNotice,
		MsgControl, MsgHeartbeat, MsgDiscovery, MsgCustom,
	}
}

func (t MessageType) IsValid() bool {
	switch t {
	case MsgResourceUpdate, MsgSyncRequest, MsgConflictNotice,
		MsgControl, MsgHeartbeat, MsgDiscovery, MsgCustom:
		return true
	}
	return false
}

type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

var (
	ErrMissingID   = errors.New("wire: envelope has no message id")
	ErrUnknownType = errors.New("wire: unknown message type")
)

// Envelope is serialized for every message published on the mesh.
type Envelope struct {
	FromNode    string      `json:"from_node"`
	ToNode      *string     `json:"to_node"`
	MessageType MessageType `json:"message_type"`
	Payload     []byte      `json:"payload"`
	Timestamp   time.Time   `json:"timestamp"`
	MessageID   string      `json:"message_id"`
	Context     *string     `json:"context"`
}

// NewEnvelope builds an envelope with a fresh message id. A target of
// Broadcast (or "") leaves to_node null.
func NewEnvelope(from, to string, t MessageType, payload []byte) Envelope {
	env := Envelope{
		FromNode:    from,
		MessageType: t,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
		MessageID:   uuid.NewString(),
	}
	if to != "" && to != Broadcast {
		env.ToNode = &to
	}
	return env
}

// WithContext scopes the envelope to a logical namespace.
func (e Envelope) WithContext(ctx string) Envelope {
	if ctx != "" {
		e.Context = &ctx
	}
	return e
}

func (e Envelope) IsBroadcast() bool { return e.ToNode == nil }

// Target returns the addressed node or Broadcast.
func (e Envelope) Target() string {
	if e.ToNode == nil {
		return Broadcast
	}
	return *e.ToNode
}

// ContextName returns the context or "" when unscoped.
func (e Envelope) ContextName() string {
	if e.Context == nil {
		return ""
	}
	return *e.Context
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if e.MessageID == "" {
		return Envelope{}, ErrMissingID
	}
	if !e.MessageType.IsValid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, e.MessageType)
	}
	return e, nil
}

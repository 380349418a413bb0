package gossip

import (
	"encoding/json"
	"fmt"
)

type State uint8

const (
	StateAlive State = iota
	StateSuspect
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Heartbeat is the payload of a wire.MsgHeartbeat message. Incarnation grows
// each time a node restarts so stale beats can be told apart.
type Heartbeat struct {
	NodeID      string `json:"node_id"`
	Addr        string `json:"addr,omitempty"`
	Incarnation uint64 `json:"incarnation"`
	Seq         uint64 `json:"seq"`
}

func (h Heartbeat) encode() ([]byte, error) { return json.Marshal(h) }

func decodeHeartbeat(b []byte) (Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(b, &h); err != nil {
		return h, fmt.Errorf("decode heartbeat: %w", err)
	}
	if h.NodeID == "" {
		return h, fmt.Errorf("decode heartbeat: missing node id")
	}
	return h, nil
}

package replication

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/ryandielhenn/zephyrmesh/pkg/resource"
)

// Hash is the content digest every node computes independently.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Update carries new content for a resource from the node that produced it.
// Force marks the result of a conflict resolution, which peers adopt even
// when they hold other local changes.
type Update struct {
	ResourceID string                `json:"resource_id"`
	Path       string                `json:"path"`
	Type       resource.ResourceType `json:"resource_type"`
	Origin     string                `json:"origin"`
	Content    []byte                `json:"content"`
	Hash       string                `json:"content_hash"`
	BaseHash   string                `json:"base_hash"`
	Version    uint64                `json:"version"`
	Summary    string                `json:"summary,omitempty"`
	Grants     []resource.Grant      `json:"grants,omitempty"`
	Force      bool                  `json:"force,omitempty"`
}

type ReplyStatus string

const (
	StatusOK        ReplyStatus = "ok"
	StatusApplied   ReplyStatus = "applied"
	StatusUnchanged ReplyStatus = "unchanged"
	StatusConflict  ReplyStatus = "conflict"
	StatusDenied    ReplyStatus = "denied"
	StatusBlocked   ReplyStatus = "blocked"
	StatusMissing   ReplyStatus = "missing"
)

// Reply is what a peer reports after handling an Update or a SyncRequest.
// Hash is the peer's own digest of what it now holds.
type Reply struct {
	Status   ReplyStatus `json:"status"`
	Hash     string      `json:"content_hash,omitempty"`
	BaseHash string      `json:"base_hash,omitempty"`
	Version  uint64      `json:"version,omitempty"`
	Content  []byte      `json:"content,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

type SyncRequest struct {
	ResourceID string `json:"resource_id"`
	Path       string `json:"path"`
	// Hash asks for a specific content version; empty means current.
	Hash string `json:"content_hash,omitempty"`
}

// ConflictNotice is published on mesh/contexts/{context}/conflicts.
type ConflictNotice struct {
	ResourceID string                `json:"resource_id"`
	Path       string                `json:"path"`
	ConflictID string                `json:"conflict_id"`
	Type       resource.ConflictType `json:"conflict_type"`
	Severity   resource.Severity     `json:"severity"`
	Nodes      []string              `json:"nodes"`
	Reporter   string                `json:"reporter"`
}

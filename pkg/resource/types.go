package resource

import (
	"fmt"
	"time"
)

type ResourceKind string

const (
	KindCommunication        ResourceKind = "communication"
	KindKnowledge            ResourceKind = "knowledge"
	KindPattern              ResourceKind = "pattern"
	KindCollaborativeSession ResourceKind = "collaborative_session"
	KindFileSystem           ResourceKind = "file_system"
	KindConfiguration        ResourceKind = "configuration"
	KindCustom               ResourceKind = "custom"
)

// ResourceType is a tagged variant; Name is only set for KindCustom.
type ResourceType struct {
	Kind ResourceKind `json:"kind"`
	Name string       `json:"name,omitempty"`
}

func TypeOf(k ResourceKind) ResourceType { return ResourceType{Kind: k} }

func CustomType(name string) ResourceType { return ResourceType{Kind: KindCustom, Name: name} }

func (t ResourceType) String() string {
	if t.Kind == KindCustom && t.Name != "" {
		return "custom:" + t.Name
	}
	return string(t.Kind)
}

type StateKind string

const (
	StateAvailable   StateKind = "available"
	StateSyncing     StateKind = "syncing"
	StateConflicted  StateKind = "conflicted"
	StateUnavailable StateKind = "unavailable"
	StateMigrating   StateKind = "migrating"
	StateArchived    StateKind = "archived"
	StateEvolving    StateKind = "evolving"
)

// ResourceState is the resource lifecycle. Only the fields of the current
// Kind are meaningful.
type ResourceState struct {
	Kind StateKind `json:"kind"`

	Conflicts []string `json:"conflicts,omitempty"` // Conflicted

	Reason     string    `json:"reason,omitempty"`      // Unavailable
	RetryAfter time.Time `json:"retry_after,omitempty"` // Unavailable

	FromNode string `json:"from_node,omitempty"` // Migrating
	ToNode   string `json:"to_node,omitempty"`   // Migrating

	Participants []string `json:"participants,omitempty"` // Evolving
	Progress     float64  `json:"progress,omitempty"`     // Migrating, Evolving
}

func Available() ResourceState { return ResourceState{Kind: StateAvailable} }
func Syncing() ResourceState   { return ResourceState{Kind: StateSyncing} }
func Archived() ResourceState  { return ResourceState{Kind: StateArchived} }

func Conflicted(ids []string) ResourceState {
	return ResourceState{Kind: StateConflicted, Conflicts: ids}
}

func Unavailable(reason string, retryAfter time.Time) ResourceState {
	return ResourceState{Kind: StateUnavailable, Reason: reason, RetryAfter: retryAfter}
}

func Migrating(from, to string, progress float64) ResourceState {
	return ResourceState{Kind: StateMigrating, FromNode: from, ToNode: to, Progress: progress}
}

func Evolving(participants []string, progress float64) ResourceState {
	return ResourceState{Kind: StateEvolving, Participants: participants, Progress: progress}
}

type InstanceStateKind string

const (
	InstanceSynchronized InstanceStateKind = "synchronized"
	InstanceOutOfSync    InstanceStateKind = "out_of_sync"
	InstanceModified     InstanceStateKind = "modified"
	InstanceUpdating     InstanceStateKind = "updating"
	InstanceError        InstanceStateKind = "error"
	InstanceAdapting     InstanceStateKind = "adapting"
)

// ModificationInfo describes one local edit of an instance.
type ModificationInfo struct {
	NodeID      string    `json:"node_id"`
	At          time.Time `json:"at"`
	Summary     string    `json:"summary,omitempty"`
	ContentHash string    `json:"content_hash"`
	Version     uint64    `json:"version"`
}

// InstanceState is the per-instance sync state. Only the fields of the
// current Kind are meaningful.
type InstanceState struct {
	Kind InstanceStateKind `json:"kind"`

	BehindBy      int    `json:"behind_by,omitempty"`       // OutOfSync
	LastKnownHash string `json:"last_known_hash,omitempty"` // OutOfSync

	Modifications []ModificationInfo `json:"modifications,omitempty"` // Modified

	Progress float64       `json:"progress,omitempty"` // Updating, Adapting
	ETA      time.Duration `json:"eta,omitempty"`      // Updating

	Message     string `json:"message,omitempty"` // Error
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	TargetContext string `json:"target_context,omitempty"` // Adapting
}

func Synchronized() InstanceState { return InstanceState{Kind: InstanceSynchronized} }

func OutOfSync(behindBy int, lastKnownHash string) InstanceState {
	return InstanceState{Kind: InstanceOutOfSync, BehindBy: behindBy, LastKnownHash: lastKnownHash}
}

func Modified(mods ...ModificationInfo) InstanceState {
	return InstanceState{Kind: InstanceModified, Modifications: mods}
}

func Updating(progress float64, eta time.Duration) InstanceState {
	return InstanceState{Kind: InstanceUpdating, Progress: progress, ETA: eta}
}

func InstanceFailed(message, code string, recoverable bool) InstanceState {
	return InstanceState{Kind: InstanceError, Message: message, Code: code, Recoverable: recoverable}
}

func Adapting(targetContext string, progress float64) InstanceState {
	return InstanceState{Kind: InstanceAdapting, TargetContext: targetContext, Progress: progress}
}

type SyncState string

const (
	SyncSynchronized SyncState = "synchronized"
	SyncSyncing      SyncState = "syncing"
	SyncOutOfSync    SyncState = "out_of_sync"
	SyncConflicted   SyncState = "conflicted"
)

// SyncStatus summarizes synchronization across all instances.
type SyncStatus struct {
	State     SyncState      `json:"state"`
	LastSync  time.Time      `json:"last_sync"`
	Conflicts []SyncConflict `json:"conflicts"`
	Progress  float64        `json:"progress"`
}

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*s = SeverityLow
	case "medium":
		*s = SeverityMedium
	case "high":
		*s = SeverityHigh
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", b)
	}
	return nil
}

package resource

import "time"

type Permission string

const (
	PermRead        Permission = "read"
	PermWrite       Permission = "write"
	PermSyncFrom    Permission = "sync_from"
	PermSyncTo      Permission = "sync_to"
	PermDelete      Permission = "delete"
	PermAdapt       Permission = "adapt"
	PermCollaborate Permission = "collaborate"
)

// Permissions are the per-instance capability flags.
type Permissions struct {
	Read        bool `json:"read"`
	Write       bool `json:"write"`
	SyncFrom    bool `json:"sync_from"`
	SyncTo      bool `json:"sync_to"`
	Delete      bool `json:"delete"`
	Adapt       bool `json:"adapt"`
	Collaborate bool `json:"collaborate"`
}

// DefaultPermissions is read-only.
func DefaultPermissions() Permissions { return Permissions{Read: true} }

// FullPermissions is what an owner's own instance gets.
func FullPermissions() Permissions {
	return Permissions{Read: true, Write: true, SyncFrom: true, SyncTo: true, Delete: true, Adapt: true, Collaborate: true}
}

func (p Permissions) Allows(perm Permission) bool {
	switch perm {
	case PermRead:
		return p.Read
	case PermWrite:
		return p.Write
	case PermSyncFrom:
		return p.SyncFrom
	case PermSyncTo:
		return p.SyncTo
	case PermDelete:
		return p.Delete
	case PermAdapt:
		return p.Adapt
	case PermCollaborate:
		return p.Collaborate
	}
	return false
}

// ResourceInstance is a node-local copy of a resource. ContentHash is the
// only input to divergence detection; BaseHash is the hash the instance last
// synchronized from.
type ResourceInstance struct {
	NodeID      string        `json:"node_id"`
	LocalPath   string        `json:"local_path"`
	State       InstanceState `json:"state"`
	LastSync    time.Time     `json:"last_sync"`
	ContentHash string        `json:"content_hash"`
	BaseHash    string        `json:"base_hash,omitempty"`
	Version     uint64        `json:"version"`
	ModifiedAt  time.Time     `json:"modified_at"`
	Permissions Permissions   `json:"permissions"`
}

// NewInstance returns a read-only synchronized instance.
func NewInstance(nodeID, localPath string) ResourceInstance {
	return ResourceInstance{
		NodeID:      nodeID,
		LocalPath:   localPath,
		State:       Synchronized(),
		Permissions: DefaultPermissions(),
	}
}

func (i ResourceInstance) IsSynchronized() bool {
	return i.State.Kind == InstanceSynchronized
}

// consistentWith reports whether two instances hold the same logical content.
func (i ResourceInstance) consistentWith(o ResourceInstance) bool {
	return i.ContentHash == o.ContentHash && i.Version == o.Version
}

func (i ResourceInstance) clone() ResourceInstance {
	if len(i.State.Modifications) > 0 {
		mods := make([]ModificationInfo, len(i.State.Modifications))
		copy(mods, i.State.Modifications)
		i.State.Modifications = mods
	}
	return i
}

package resource

import (
	"cmp"
	"maps"
	"slices"
	"time"
)

// MeshResource is the replicated entity. Instances holds at most one entry
// per node.
type MeshResource struct {
	ID            string             `json:"id"`
	Path          Path               `json:"path"`
	Type          ResourceType       `json:"resource_type"`
	State         ResourceState      `json:"state"`
	Instances     []ResourceInstance `json:"instances"`
	SyncStatus    SyncStatus         `json:"sync_status"`
	AccessControl AccessControl      `json:"access_control"`
	CreatedAt     time.Time          `json:"created_at"`
	ModifiedAt    time.Time          `json:"modified_at"`
}

// AddInstance inserts inst, replacing any instance already held for the
// same node.
func (r *MeshResource) AddInstance(inst ResourceInstance) {
	r.addInstance(inst, time.Now())
}

func (r *MeshResource) addInstance(inst ResourceInstance, now time.Time) {
	r.ModifiedAt = now
	for i := range r.Instances {
		if r.Instances[i].NodeID == inst.NodeID {
			r.Instances[i] = inst
			return
		}
	}
	r.Instances = append(r.Instances, inst)
}

// RemoveInstance drops the instance for nodeID and reports whether one existed.
func (r *MeshResource) RemoveInstance(nodeID string) bool {
	i := r.indexOf(nodeID)
	if i < 0 {
		return false
	}
	r.Instances = slices.Delete(r.Instances, i, i+1)
	return true
}

func (r *MeshResource) Instance(nodeID string) (ResourceInstance, bool) {
	i := r.indexOf(nodeID)
	if i < 0 {
		return ResourceInstance{}, false
	}
	return r.Instances[i], true
}

func (r *MeshResource) indexOf(nodeID string) int {
	return slices.IndexFunc(r.Instances, func(i ResourceInstance) bool { return i.NodeID == nodeID })
}

func (r *MeshResource) instanceRef(nodeID string) *ResourceInstance {
	i := r.indexOf(nodeID)
	if i < 0 {
		return nil
	}
	return &r.Instances[i]
}

// CanonicalInstance returns the Synchronized instance with the latest
// LastSync. Equal timestamps go to the lexicographically smallest node id.
// ok is false iff no instance is Synchronized.
func (r *MeshResource) CanonicalInstance() (inst ResourceInstance, ok bool) {
	for _, cand := range r.Instances {
		if !cand.IsSynchronized() {
			continue
		}
		if !ok || newerSync(cand, inst) {
			inst, ok = cand, true
		}
	}
	return inst, ok
}

func newerSync(a, b ResourceInstance) bool {
	if !a.LastSync.Equal(b.LastSync) {
		return a.LastSync.After(b.LastSync)
	}
	return a.NodeID < b.NodeID
}

// Conflicts returns the unresolved conflicts.
func (r *MeshResource) Conflicts() []SyncConflict {
	return r.SyncStatus.Conflicts
}

func (r *MeshResource) conflict(id string) (int, bool) {
	i := slices.IndexFunc(r.SyncStatus.Conflicts, func(c SyncConflict) bool { return c.ID == id })
	return i, i >= 0
}

func (r *MeshResource) criticalConflict() (SyncConflict, bool) {
	for _, c := range r.SyncStatus.Conflicts {
		if c.Details.Severity == SeverityCritical {
			return c, true
		}
	}
	return SyncConflict{}, false
}

// IsSynchronized holds when every instance is Synchronized and no conflict
// is outstanding.
func (r *MeshResource) IsSynchronized() bool {
	return r.SyncStatus.State == SyncSynchronized
}

// refreshSync recomputes the sync summary from the instances.
func (r *MeshResource) refreshSync() {
	st := &r.SyncStatus
	var synced, busy int
	st.LastSync = time.Time{}
	for _, inst := range r.Instances {
		switch inst.State.Kind {
		case InstanceSynchronized:
			synced++
		case InstanceModified, InstanceUpdating, InstanceAdapting:
			busy++
		}
		if inst.LastSync.After(st.LastSync) {
			st.LastSync = inst.LastSync
		}
	}
	st.Progress = 1
	if n := len(r.Instances); n > 0 {
		st.Progress = float64(synced) / float64(n)
	}
	switch {
	case len(st.Conflicts) > 0:
		st.State = SyncConflicted
	case synced == len(r.Instances):
		st.State = SyncSynchronized
	case busy > 0:
		st.State = SyncSyncing
	default:
		st.State = SyncOutOfSync
	}
}

// settleState derives the lifecycle state after a mutation. Side states are
// left alone and exited explicitly, except that a detected conflict takes
// precedence over Unavailable.
func (r *MeshResource) settleState() {
	switch r.State.Kind {
	case StateArchived, StateMigrating, StateEvolving:
		return
	case StateUnavailable:
		if r.SyncStatus.State != SyncConflicted {
			return
		}
	}
	switch r.SyncStatus.State {
	case SyncConflicted:
		ids := make([]string, len(r.SyncStatus.Conflicts))
		for i, c := range r.SyncStatus.Conflicts {
			ids[i] = c.ID
		}
		r.State = Conflicted(ids)
	case SyncSyncing:
		r.State = Syncing()
	default:
		r.State = Available()
	}
}

// Clone returns a deep copy.
func (r *MeshResource) Clone() MeshResource {
	out := *r
	out.State.Conflicts = slices.Clone(r.State.Conflicts)
	out.State.Participants = slices.Clone(r.State.Participants)
	out.Instances = make([]ResourceInstance, len(r.Instances))
	for i, inst := range r.Instances {
		out.Instances[i] = inst.clone()
	}
	out.SyncStatus.Conflicts = make([]SyncConflict, len(r.SyncStatus.Conflicts))
	for i, c := range r.SyncStatus.Conflicts {
		out.SyncStatus.Conflicts[i] = c.clone()
	}
	out.AccessControl = r.AccessControl.clone()
	return out
}

func (c SyncConflict) clone() SyncConflict {
	c.Nodes = slices.Clone(c.Nodes)
	c.Details.Hashes = maps.Clone(c.Details.Hashes)
	if c.SuggestedResolution != nil {
		s := *c.SuggestedResolution
		c.SuggestedResolution = &s
	}
	return c
}

func sortByPath(rs []MeshResource) {
	slices.SortFunc(rs, func(a, b MeshResource) int {
		return cmp.Compare(a.Path.String(), b.Path.String())
	})
}

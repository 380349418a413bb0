package resource

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MergeFunc produces the content hash of a merge of the conflicting
// instances. The resource passed in is a copy.
type MergeFunc func(r MeshResource, c SyncConflict) (string, error)

// AttributionFunc scores a node's contribution to a resource.
type AttributionFunc func(r MeshResource, nodeID string) float64

// Outcome describes what a resolution did.
type Outcome struct {
	ConflictID string        `json:"conflict_id"`
	Strategy   Strategy      `json:"strategy"`
	Winner     string        `json:"winner,omitempty"`
	Hash       string        `json:"content_hash,omitempty"`
	Branch     *MeshResource `json:"branch,omitempty"`
}

// ConflictEngine classifies divergence between instances and applies
// resolutions. It holds no state beyond its hooks.
type ConflictEngine struct {
	Merge       MergeFunc
	Attribution AttributionFunc
}

// eligible instances take part in detection. Stale, failed, in-flight and
// adapting instances are excluded.
func eligible(i ResourceInstance) bool {
	if i.ContentHash == "" {
		return false
	}
	return i.State.Kind == InstanceSynchronized || i.State.Kind == InstanceModified
}

// derived reports whether one instance descends directly from the other.
func derived(a, b ResourceInstance) bool {
	return a.ContentHash == b.BaseHash || b.ContentHash == a.BaseHash
}

// Detect returns the conflicts present in r. Nothing is detected while the
// resource is Evolving.
func (e *ConflictEngine) Detect(r *MeshResource, now time.Time) []SyncConflict {
	if r.State.Kind == StateEvolving {
		return nil
	}
	var cands []ResourceInstance
	for _, inst := range r.Instances {
		if eligible(inst) {
			cands = append(cands, inst)
		}
	}

	content := map[string]ResourceInstance{}
	version := map[string]ResourceInstance{}
	for i := 0; i < len(cands); i++ {
		for j := i + 1; j < len(cands); j++ {
			a, b := cands[i], cands[j]
			switch {
			case a.ContentHash != b.ContentHash && !derived(a, b):
				content[a.NodeID], content[b.NodeID] = a, b
			case a.ContentHash == b.ContentHash && a.Version != b.Version &&
				a.IsSynchronized() && b.IsSynchronized():
				version[a.NodeID], version[b.NodeID] = a, b
			}
		}
	}

	var out []SyncConflict
	if len(content) > 0 {
		out = append(out, e.contentConflict(r, content, now))
	}
	for n := range content {
		delete(version, n)
	}
	if len(version) > 1 {
		out = append(out, newConflict(VersionConflict, version, ConflictDetails{
			Severity:    SeverityLow,
			Description: "instances agree on content but disagree on version",
			DetectedAt:  now,
		}))
	}
	return out
}

func (e *ConflictEngine) contentConflict(r *MeshResource, insts map[string]ResourceInstance, now time.Time) SyncConflict {
	distinct := map[string]struct{}{}
	bases := map[string]struct{}{}
	for _, i := range insts {
		distinct[i.ContentHash] = struct{}{}
		bases[i.BaseHash] = struct{}{}
	}
	d := ConflictDetails{
		Severity:    SeverityMedium,
		Description: fmt.Sprintf("%d instances diverged into %d versions", len(insts), len(distinct)),
		DetectedAt:  now,
	}
	if len(distinct) >= 3 {
		d.Severity = SeverityHigh
	}
	if r.Type.Kind == KindConfiguration {
		d.Severity = SeverityCritical
	}
	if len(bases) == 1 {
		for b := range bases {
			d.BaseHash = b
		}
	}
	return newConflict(ContentConflict, insts, d)
}

func newConflict(t ConflictType, insts map[string]ResourceInstance, d ConflictDetails) SyncConflict {
	d.Hashes = make(map[string]string, len(insts))
	nodes := make([]string, 0, len(insts))
	for n, i := range insts {
		nodes = append(nodes, n)
		d.Hashes[n] = i.ContentHash
	}
	sort.Strings(nodes)
	c := SyncConflict{
		ID:      ulid.Make().String(),
		Nodes:   nodes,
		Type:    t,
		Details: d,
	}
	s := Suggest(d.Severity)
	c.SuggestedResolution = &s
	return c
}

// Suggest returns the proposed resolution for a severity. Only Low severity
// conflicts are applied without being asked.
func Suggest(s Severity) ConflictResolution {
	if s <= SeverityMedium {
		return UseMostRecent()
	}
	return ConflictResolution{Strategy: StrategyManual}
}

// Apply resolves c on r in place. r must hold c; the caller removes it.
func (e *ConflictEngine) Apply(r *MeshResource, c SyncConflict, res ConflictResolution, now time.Time) (Outcome, error) {
	if err := res.Validate(); err != nil {
		return Outcome{}, err
	}
	out := Outcome{ConflictID: c.ID, Strategy: res.Strategy}
	involved := make([]ResourceInstance, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		if inst, ok := r.Instance(n); ok {
			involved = append(involved, inst)
		}
	}
	if len(involved) == 0 {
		return out, nil
	}

	switch res.Strategy {
	case StrategyUseInstance:
		w, ok := r.Instance(res.Node)
		if !ok || !c.involves(res.Node) {
			return out, fmt.Errorf("%w: %s is not part of conflict %s", ErrInstanceNotFound, res.Node, c.ID)
		}
		out.Winner, out.Hash = w.NodeID, w.ContentHash
		converge(r, c.Nodes, w.ContentHash, w.BaseHash, w.Version, now)

	case StrategyUseMostRecent:
		w := mostRecent(involved)
		out.Winner, out.Hash = w.NodeID, w.ContentHash
		converge(r, c.Nodes, w.ContentHash, w.BaseHash, w.Version, now)

	case StrategyUseHighestAttribution:
		if e.Attribution == nil {
			return out, ErrNoAttributionHook
		}
		snapshot := r.Clone()
		w := involved[0]
		best := e.Attribution(snapshot, w.NodeID)
		for _, inst := range involved[1:] {
			s := e.Attribution(snapshot, inst.NodeID)
			if s > best || (s == best && inst.NodeID < w.NodeID) {
				w, best = inst, s
			}
		}
		out.Winner, out.Hash = w.NodeID, w.ContentHash
		converge(r, c.Nodes, w.ContentHash, w.BaseHash, w.Version, now)

	case StrategyAutoMerge:
		if e.Merge == nil {
			return out, ErrNoMergeHook
		}
		h, err := e.Merge(r.Clone(), c.clone())
		if err != nil {
			return out, fmt.Errorf("merge %s: %w", c.ID, err)
		}
		out.Hash = h
		converge(r, c.Nodes, h, c.Details.BaseHash, maxVersion(involved)+1, now)

	case StrategyManual:
		out.Hash = res.Hash
		converge(r, c.Nodes, res.Hash, c.Details.BaseHash, maxVersion(involved)+1, now)

	case StrategyCollaborativeResolution:
		r.State = Evolving(slices.Clone(c.Nodes), 0)

	case StrategyContextAdaptation:
		w := mostRecent(involved)
		out.Winner = w.NodeID
		for _, inst := range involved {
			if inst.NodeID != w.NodeID {
				r.instanceRef(inst.NodeID).State = Adapting(res.Context, 0)
			}
		}

	case StrategyCreateBranch:
		w := mostRecent(involved)
		out.Winner, out.Hash = w.NodeID, w.ContentHash
		out.Branch = branch(r, res.Branch, w.NodeID, involved, now)
	}
	r.ModifiedAt = now
	return out, nil
}

// branch moves every losing instance into a new resource named name.
func branch(r *MeshResource, name, winner string, involved []ResourceInstance, now time.Time) *MeshResource {
	p := r.Path
	p.Name = name
	b := &MeshResource{
		ID:            uuid.NewString(),
		Path:          p,
		Type:          r.Type,
		State:         Available(),
		AccessControl: r.AccessControl.clone(),
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	for _, inst := range involved {
		if inst.NodeID == winner {
			continue
		}
		r.RemoveInstance(inst.NodeID)
		inst = inst.clone()
		inst.State = Synchronized()
		inst.BaseHash = inst.ContentHash
		inst.LastSync = now
		b.addInstance(inst, now)
	}
	b.refreshSync()
	return b
}

// converge sets every listed instance to hash. Instances outside the
// conflict holding other content are marked stale.
func converge(r *MeshResource, nodes []string, hash, base string, version uint64, now time.Time) {
	if base == "" {
		base = hash
	}
	for i := range r.Instances {
		inst := &r.Instances[i]
		if !slices.Contains(nodes, inst.NodeID) {
			if eligible(*inst) && inst.ContentHash != hash {
				inst.State = OutOfSync(1, inst.ContentHash)
			}
			continue
		}
		inst.ContentHash = hash
		inst.BaseHash = base
		inst.Version = version
		inst.State = Synchronized()
		inst.LastSync = now
	}
}

// mostRecent picks the latest modification, then the latest sync, then the
// smallest node id.
func mostRecent(insts []ResourceInstance) ResourceInstance {
	w := insts[0]
	for _, i := range insts[1:] {
		switch {
		case i.ModifiedAt.After(w.ModifiedAt):
			w = i
		case i.ModifiedAt.Equal(w.ModifiedAt) && newerSync(i, w):
			w = i
		}
	}
	return w
}

func maxVersion(insts []ResourceInstance) uint64 {
	var v uint64
	for _, i := range insts {
		v = max(v, i.Version)
	}
	return v
}

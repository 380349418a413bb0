package resource

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type StoreConfig struct {
	Engine *ConflictEngine
	Logger *zap.Logger
	// AutoResolveLow applies UseMostRecent to Low severity conflicts as soon
	// as they are detected.
	AutoResolveLow bool
	Now            func() time.Time
}

// Event reports a resource state transition to watchers.
type Event struct {
	ResourceID string
	Path       string
	From       StateKind
	To         StateKind
	Conflicts  int
	Deleted    bool
}

// NewResource describes a resource to create. ID is generated when empty.
type NewResource struct {
	ID        string
	Path      Path
	Type      ResourceType
	Grants    []Grant
	Instances []ResourceInstance
}

// Store owns the resource table. Every instance mutation, local or remote,
// and every resolution goes through mutate.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*MeshResource
	byPath   map[string]string
	engine   *ConflictEngine
	logger   *zap.Logger
	autoLow  bool
	now      func() time.Time
	watchMu  sync.RWMutex
	watchers []func(Event)
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.Engine == nil {
		cfg.Engine = &ConflictEngine{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		byID:    make(map[string]*MeshResource),
		byPath:  make(map[string]string),
		engine:  cfg.Engine,
		logger:  cfg.Logger.Named("resource"),
		autoLow: cfg.AutoResolveLow,
		now:     cfg.Now,
	}
}

func (s *Store) Engine() *ConflictEngine { return s.engine }

// Watch registers fn for state transitions. fn runs outside the store lock.
func (s *Store) Watch(fn func(Event)) {
	s.watchMu.Lock()
	s.watchers = append(s.watchers, fn)
	s.watchMu.Unlock()
}

func (s *Store) emit(evs []Event) {
	if len(evs) == 0 {
		return
	}
	s.watchMu.RLock()
	ws := slices.Clone(s.watchers)
	s.watchMu.RUnlock()
	for _, ev := range evs {
		for _, fn := range ws {
			fn(ev)
		}
	}
}

func (s *Store) Create(nr NewResource) (MeshResource, error) {
	if err := nr.Path.Validate(); err != nil {
		return MeshResource{}, err
	}
	if nr.Type.Kind == "" {
		nr.Type = TypeOf(KindCustom)
	}
	if nr.ID == "" {
		nr.ID = uuid.NewString()
	}
	now := s.now()
	r := &MeshResource{
		ID:            nr.ID,
		Path:          nr.Path,
		Type:          nr.Type,
		State:         Available(),
		AccessControl: AccessControl{Owner: nr.Path.Owner, Grants: slices.Clone(nr.Grants)},
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	for _, inst := range nr.Instances {
		r.addInstance(inst.clone(), now)
	}

	s.mu.Lock()
	if _, ok := s.byID[r.ID]; ok {
		s.mu.Unlock()
		return MeshResource{}, fmt.Errorf("%w: id %s", ErrResourceExists, r.ID)
	}
	if _, ok := s.byPath[r.Path.String()]; ok {
		s.mu.Unlock()
		return MeshResource{}, fmt.Errorf("%w: %s", ErrResourceExists, r.Path)
	}
	s.reconcile(r)
	s.byID[r.ID] = r
	s.byPath[r.Path.String()] = r.ID
	out := r.Clone()
	s.mu.Unlock()

	s.logger.Info("resource created", zap.String("id", out.ID), zap.Stringer("path", out.Path))
	s.emit([]Event{{ResourceID: out.ID, Path: out.Path.String(), To: out.State.Kind, Conflicts: len(out.Conflicts())}})
	return out, nil
}

func (s *Store) Get(id string) (MeshResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return MeshResource{}, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
	}
	return r.Clone(), nil
}

func (s *Store) GetByPath(path string) (MeshResource, error) {
	p, err := ParsePath(path)
	if err != nil {
		return MeshResource{}, err
	}
	s.mu.RLock()
	id, ok := s.byPath[p.String()]
	s.mu.RUnlock()
	if !ok {
		return MeshResource{}, fmt.Errorf("%w: %s", ErrResourceNotFound, path)
	}
	return s.Get(id)
}

// List returns copies of every resource ordered by path.
func (s *Store) List() []MeshResource {
	s.mu.RLock()
	out := make([]MeshResource, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	sortByPath(out)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Delete removes a resource. A Critical conflict blocks deletion.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	r, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrResourceNotFound, id)
	}
	if c, ok := r.criticalConflict(); ok {
		s.mu.Unlock()
		return &ConflictPendingError{ResourceID: id, ConflictID: c.ID}
	}
	delete(s.byID, id)
	delete(s.byPath, r.Path.String())
	ev := Event{ResourceID: id, Path: r.Path.String(), From: r.State.Kind, Deleted: true}
	s.mu.Unlock()
	s.emit([]Event{ev})
	return nil
}

// mutate runs fn on resource id under the write lock, then reconciles
// conflicts and state. Writes are refused on archived resources and on
// resources holding a Critical conflict.
func (s *Store) mutate(id string, write bool, fn func(r *MeshResource, now time.Time) error) (MeshResource, error) {
	s.mu.Lock()
	r, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return MeshResource{}, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
	}
	if r.State.Kind == StateArchived {
		s.mu.Unlock()
		return MeshResource{}, fmt.Errorf("%w: %s", ErrArchived, id)
	}
	if write {
		if c, ok := r.criticalConflict(); ok {
			s.mu.Unlock()
			return MeshResource{}, &ConflictPendingError{ResourceID: id, ConflictID: c.ID}
		}
	}
	from := r.State.Kind
	now := s.now()
	if err := fn(r, now); err != nil {
		s.mu.Unlock()
		return MeshResource{}, err
	}
	s.reconcile(r)
	out := r.Clone()
	s.mu.Unlock()

	if out.State.Kind != from {
		s.logger.Debug("resource state changed",
			zap.String("id", id), zap.String("from", string(from)), zap.String("to", string(out.State.Kind)))
		s.emit([]Event{{ResourceID: id, Path: out.Path.String(), From: from, To: out.State.Kind, Conflicts: len(out.Conflicts())}})
	}
	return out, nil
}

// reconcile folds newly detected conflicts into r, auto-resolves Low ones
// when enabled and settles the state. Caller holds s.mu.
func (s *Store) reconcile(r *MeshResource) {
	now := s.now()
	for _, found := range s.engine.Detect(r, now) {
		s.record(r, found)
	}
	if s.autoLow {
		for _, c := range slices.Clone(r.SyncStatus.Conflicts) {
			if c.Details.Severity != SeverityLow {
				continue
			}
			if _, err := s.engine.Apply(r, c, UseMostRecent(), now); err != nil {
				s.logger.Warn("auto resolve failed", zap.String("id", r.ID), zap.String("conflict", c.ID), zap.Error(err))
				continue
			}
			s.drop(r, c.ID)
			s.logger.Debug("conflict auto-resolved", zap.String("id", r.ID), zap.String("conflict", c.ID))
		}
	}
	r.refreshSync()
	r.settleState()
}

// record adds c unless a conflict of the same type already covers one of
// its nodes, in which case that conflict is widened in place.
func (s *Store) record(r *MeshResource, c SyncConflict) {
	for i := range r.SyncStatus.Conflicts {
		ex := &r.SyncStatus.Conflicts[i]
		if ex.Type != c.Type || !slices.ContainsFunc(c.Nodes, ex.involves) {
			continue
		}
		if ex.key() == c.key() && ex.Details.Severity == c.Details.Severity {
			return
		}
		ex.Nodes = c.Nodes
		ex.Details.Hashes = c.Details.Hashes
		ex.Details.BaseHash = c.Details.BaseHash
		ex.Details.Description = c.Details.Description
		ex.Details.Severity = max(ex.Details.Severity, c.Details.Severity)
		ex.SuggestedResolution = c.SuggestedResolution
		return
	}
	r.SyncStatus.Conflicts = append(r.SyncStatus.Conflicts, c)
	s.logger.Info("conflict detected",
		zap.String("id", r.ID),
		zap.String("conflict", c.ID),
		zap.String("type", string(c.Type)),
		zap.Stringer("severity", c.Details.Severity),
		zap.Strings("nodes", c.Nodes))
}

func (s *Store) drop(r *MeshResource, conflictID string) {
	if i, ok := r.conflict(conflictID); ok {
		r.SyncStatus.Conflicts = slices.Delete(r.SyncStatus.Conflicts, i, i+1)
	}
}

// AddInstance upserts inst by node id.
func (s *Store) AddInstance(id string, inst ResourceInstance) (MeshResource, error) {
	return s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		r.addInstance(inst.clone(), now)
		return nil
	})
}

// RemoveInstance is a no-op when the node holds no instance. Conflicts left
// with fewer than two nodes are dropped.
func (s *Store) RemoveInstance(id, nodeID string) (MeshResource, error) {
	return s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		if !r.RemoveInstance(nodeID) {
			return nil
		}
		r.ModifiedAt = now
		kept := r.SyncStatus.Conflicts[:0]
		for _, c := range r.SyncStatus.Conflicts {
			c.Nodes = slices.DeleteFunc(c.Nodes, func(n string) bool { return n == nodeID })
			delete(c.Details.Hashes, nodeID)
			if len(c.Nodes) >= 2 {
				kept = append(kept, c)
			}
		}
		r.SyncStatus.Conflicts = kept
		return nil
	})
}

func (s *Store) Canonical(id string) (ResourceInstance, bool, error) {
	r, err := s.Get(id)
	if err != nil {
		return ResourceInstance{}, false, err
	}
	inst, ok := r.CanonicalInstance()
	return inst, ok, nil
}

// ApplyModification records a local edit producing hash on nodeID's
// instance. Consecutive edits before propagation keep the original base.
func (s *Store) ApplyModification(id, nodeID, hash, summary string) (ModificationInfo, error) {
	var mod ModificationInfo
	_, err := s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		inst := r.instanceRef(nodeID)
		if inst == nil {
			return fmt.Errorf("%w: %s on %s", ErrInstanceNotFound, nodeID, id)
		}
		if inst.State.Kind != InstanceModified {
			inst.BaseHash = inst.ContentHash
			inst.State = Modified()
		}
		inst.ContentHash = hash
		inst.Version++
		inst.ModifiedAt = now
		mod = ModificationInfo{NodeID: nodeID, At: now, Summary: summary, ContentHash: hash, Version: inst.Version}
		inst.State.Modifications = append(inst.State.Modifications, mod)
		r.ModifiedAt = now
		return nil
	})
	return mod, err
}

// BeginPropagation moves the origin instance to Updating and the named peer
// instances out of detection until they confirm.
func (s *Store) BeginPropagation(id, origin string, peers []string, eta time.Duration) (MeshResource, error) {
	return s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		inst := r.instanceRef(origin)
		if inst == nil {
			return fmt.Errorf("%w: %s on %s", ErrInstanceNotFound, origin, id)
		}
		inst.State = Updating(0, eta)
		for _, p := range peers {
			if pi := r.instanceRef(p); pi != nil && pi.State.Kind == InstanceSynchronized {
				pi.State = OutOfSync(1, pi.ContentHash)
			}
		}
		return nil
	})
}

// RecordSync marks nodeID's instance Synchronized on hash at version. A
// change of hash makes the previous hash the instance's base.
func (s *Store) RecordSync(id, nodeID, hash string, version uint64) (MeshResource, error) {
	return s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		inst := r.instanceRef(nodeID)
		if inst == nil {
			return fmt.Errorf("%w: %s on %s", ErrInstanceNotFound, nodeID, id)
		}
		if inst.ContentHash != hash {
			inst.BaseHash = inst.ContentHash
			inst.ContentHash = hash
		}
		inst.Version = version
		inst.State = Synchronized()
		inst.LastSync = now
		return nil
	})
}

// RecordDivergence records that nodeID holds hash derived from base. The
// instance claims to be synchronized, so detection sees it.
func (s *Store) RecordDivergence(id, nodeID, hash, base string, version uint64) (MeshResource, error) {
	return s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		inst := r.instanceRef(nodeID)
		if inst == nil {
			return fmt.Errorf("%w: %s on %s", ErrInstanceNotFound, nodeID, id)
		}
		inst.ContentHash = hash
		inst.BaseHash = base
		inst.Version = version
		inst.ModifiedAt = now
		inst.State = Synchronized()
		inst.LastSync = now
		return nil
	})
}

func (s *Store) MarkOutOfSync(id, nodeID string, behindBy int) (MeshResource, error) {
	return s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		inst := r.instanceRef(nodeID)
		if inst == nil {
			return fmt.Errorf("%w: %s on %s", ErrInstanceNotFound, nodeID, id)
		}
		inst.State = OutOfSync(behindBy, inst.ContentHash)
		return nil
	})
}

func (s *Store) MarkInstanceError(id, nodeID, message, code string, recoverable bool) (MeshResource, error) {
	return s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		inst := r.instanceRef(nodeID)
		if inst == nil {
			return fmt.Errorf("%w: %s on %s", ErrInstanceNotFound, nodeID, id)
		}
		inst.State = InstanceFailed(message, code, recoverable)
		return nil
	})
}

// MarkUnavailable records a transport or remote failure.
func (s *Store) MarkUnavailable(id, reason string, retryAfter time.Duration) (MeshResource, error) {
	return s.mutate(id, false, func(r *MeshResource, now time.Time) error {
		r.State = Unavailable(reason, now.Add(retryAfter))
		return nil
	})
}

// Restore leaves Unavailable.
func (s *Store) Restore(id string) (MeshResource, error) {
	return s.mutate(id, false, func(r *MeshResource, now time.Time) error {
		if r.State.Kind != StateUnavailable {
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, r.State.Kind)
		}
		r.State = Available()
		return nil
	})
}

// Archive makes the resource read-only for good.
func (s *Store) Archive(id string) (MeshResource, error) {
	return s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		r.State = Archived()
		r.ModifiedAt = now
		return nil
	})
}

func (s *Store) BeginMigration(id, from, to string) (MeshResource, error) {
	return s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		if r.State.Kind != StateAvailable {
			return fmt.Errorf("%w: cannot migrate %s while %s", ErrInvalidState, id, r.State.Kind)
		}
		if r.instanceRef(from) == nil {
			return fmt.Errorf("%w: %s on %s", ErrInstanceNotFound, from, id)
		}
		r.State = Migrating(from, to, 0)
		return nil
	})
}

func (s *Store) UpdateMigration(id string, progress float64) (MeshResource, error) {
	return s.mutate(id, false, func(r *MeshResource, now time.Time) error {
		if r.State.Kind != StateMigrating {
			return fmt.Errorf("%w: %s is not migrating", ErrInvalidState, id)
		}
		r.State.Progress = min(max(progress, 0), 1)
		return nil
	})
}

// CompleteMigration hands the source instance's content to the target node
// and drops the source instance.
func (s *Store) CompleteMigration(id string) (MeshResource, error) {
	return s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		if r.State.Kind != StateMigrating {
			return fmt.Errorf("%w: %s is not migrating", ErrInvalidState, id)
		}
		from, to := r.State.FromNode, r.State.ToNode
		src, ok := r.Instance(from)
		if !ok {
			return fmt.Errorf("%w: %s on %s", ErrInstanceNotFound, from, id)
		}
		dst := src.clone()
		if cur, ok := r.Instance(to); ok {
			dst.LocalPath = cur.LocalPath
		}
		dst.NodeID = to
		dst.State = Synchronized()
		dst.LastSync = now
		r.RemoveInstance(from)
		r.addInstance(dst, now)
		r.State = Available()
		return nil
	})
}

// BeginEvolution opens a collaborative session. Divergence between
// participants is expected and not detected until EndEvolution.
func (s *Store) BeginEvolution(id string, participants []string) (MeshResource, error) {
	return s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		switch r.State.Kind {
		case StateAvailable, StateSyncing, StateConflicted:
		default:
			return fmt.Errorf("%w: cannot evolve %s while %s", ErrInvalidState, id, r.State.Kind)
		}
		r.State = Evolving(slices.Clone(participants), 0)
		return nil
	})
}

func (s *Store) UpdateEvolution(id string, progress float64) (MeshResource, error) {
	return s.mutate(id, false, func(r *MeshResource, now time.Time) error {
		if r.State.Kind != StateEvolving {
			return fmt.Errorf("%w: %s is not evolving", ErrInvalidState, id)
		}
		r.State.Progress = min(max(progress, 0), 1)
		return nil
	})
}

// EndEvolution closes the session; detection resumes on the next reconcile.
func (s *Store) EndEvolution(id string) (MeshResource, error) {
	return s.mutate(id, false, func(r *MeshResource, now time.Time) error {
		if r.State.Kind != StateEvolving {
			return fmt.Errorf("%w: %s is not evolving", ErrInvalidState, id)
		}
		r.State = Available()
		return nil
	})
}

func (s *Store) Conflicts(id string) ([]SyncConflict, error) {
	r, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return r.Conflicts(), nil
}

// Resolve applies res to one conflict and removes it. The resource returns
// to Available once its last conflict is gone. A CreateBranch resolution
// also inserts the branch resource.
func (s *Store) Resolve(id, conflictID string, res ConflictResolution) (Outcome, error) {
	var out Outcome
	var branch *MeshResource
	_, err := s.mutate(id, false, func(r *MeshResource, now time.Time) error {
		i, ok := r.conflict(conflictID)
		if !ok {
			return fmt.Errorf("%w: %s on %s", ErrConflictNotFound, conflictID, id)
		}
		c := r.SyncStatus.Conflicts[i]
		if res.Strategy == StrategyCreateBranch {
			p := r.Path
			p.Name = res.Branch
			if _, taken := s.byPath[p.String()]; taken {
				return fmt.Errorf("%w: %s", ErrResourceExists, p)
			}
		}
		var err error
		if out, err = s.engine.Apply(r, c, res, now); err != nil {
			return err
		}
		s.drop(r, conflictID)
		if out.Branch != nil {
			branch = out.Branch
			s.byID[branch.ID] = branch
			s.byPath[branch.Path.String()] = branch.ID
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if branch != nil {
		b, _ := s.Get(branch.ID)
		out.Branch = &b
		s.emit([]Event{{ResourceID: b.ID, Path: b.Path.String(), To: b.State.Kind}})
	}
	s.logger.Info("conflict resolved",
		zap.String("id", id), zap.String("conflict", conflictID), zap.String("strategy", string(res.Strategy)))
	return out, nil
}

// Authorize checks user's permission on a resource. An empty ctx means the
// resource's own context.
func (s *Store) Authorize(id, user string, perm Permission, ctx string) error {
	r, err := s.Get(id)
	if err != nil {
		return err
	}
	if ctx == "" {
		ctx = r.Path.Context
	}
	if !r.AccessControl.HasPermission(user, perm, ctx, s.now()) {
		return &PermissionError{User: user, Permission: perm, ResourceID: id}
	}
	return nil
}

func (s *Store) GrantAccess(id string, g Grant) (MeshResource, error) {
	return s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		r.AccessControl.Grants = append(r.AccessControl.Grants, g)
		return nil
	})
}

// RevokeAccess removes every grant of perm to principal.
func (s *Store) RevokeAccess(id, principal string, perm Permission) (MeshResource, error) {
	return s.mutate(id, true, func(r *MeshResource, now time.Time) error {
		r.AccessControl.Grants = slices.DeleteFunc(r.AccessControl.Grants, func(g Grant) bool {
			return g.Principal == principal && g.Permission == perm
		})
		return nil
	})
}

// Export returns a copy of the table for snapshotting.
func (s *Store) Export() []MeshResource { return s.List() }

// Import replaces the table.
func (s *Store) Import(rs []MeshResource) error {
	byID := make(map[string]*MeshResource, len(rs))
	byPath := make(map[string]string, len(rs))
	for _, r := range rs {
		if _, dup := byID[r.ID]; dup {
			return fmt.Errorf("%w: id %s", ErrResourceExists, r.ID)
		}
		if _, dup := byPath[r.Path.String()]; dup {
			return fmt.Errorf("%w: %s", ErrResourceExists, r.Path)
		}
		c := r.Clone()
		byID[c.ID] = &c
		byPath[c.Path.String()] = c.ID
	}
	s.mu.Lock()
	s.byID, s.byPath = byID, byPath
	s.mu.Unlock()
	s.logger.Info("resources imported", zap.Int("count", len(rs)))
	return nil
}

// Converge sets the listed instances to hash and drops every conflict whose
// instances now agree. It is how a resolution decided on another node is
// applied, so a Critical conflict does not block it.
func (s *Store) Converge(id, hash string, version uint64, nodes ...string) (MeshResource, error) {
	return s.mutate(id, false, func(r *MeshResource, now time.Time) error {
		for _, n := range nodes {
			if r.instanceRef(n) == nil {
				return fmt.Errorf("%w: %s on %s", ErrInstanceNotFound, n, id)
			}
		}
		converge(r, nodes, hash, "", version, now)
		r.SyncStatus.Conflicts = slices.DeleteFunc(r.SyncStatus.Conflicts, func(c SyncConflict) bool {
			return agree(r, c.Nodes)
		})
		r.ModifiedAt = now
		return nil
	})
}

// agree reports whether the remaining instances among nodes hold one hash.
func agree(r *MeshResource, nodes []string) bool {
	hash := ""
	for _, n := range nodes {
		inst, ok := r.Instance(n)
		if !ok {
			continue
		}
		if hash == "" {
			hash = inst.ContentHash
		} else if inst.ContentHash != hash {
			return false
		}
	}
	return true
}

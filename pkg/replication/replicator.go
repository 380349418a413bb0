// Package replication carries resource changes between nodes. A local edit
// is hashed, stored, recorded on the local instance and pushed to every peer
// instance with acknowledged sends; peers apply it, hash what they hold and
// answer with that hash. Divergent answers become conflicts in the Store.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
	"github.com/ryandielhenn/zephyrmesh/pkg/resource"
	"github.com/ryandielhenn/zephyrmesh/pkg/ring"
	"github.com/ryandielhenn/zephyrmesh/pkg/trust"
	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

const conflictsSubtopic = "conflicts"

var (
	ErrLocalChanges = errors.New("local instance has unpropagated changes")
	ErrNoContent    = errors.New("content not available")
	ErrRejected     = errors.New("peer rejected request")
)

type Config struct {
	NodeID   string
	Store    *resource.Store
	Delivery *delivery.Manager
	// Content holds resource bytes keyed by resource id and by hash.
	Content *kv.Store
	// Ring and Factor place new replicas; a nil ring only syncs existing
	// instances.
	Ring   *ring.HashRing
	Factor int
	Trust  trust.Authorizer
	Logger *zap.Logger

	SendOptions delivery.Options
	// RetryAfter is advertised when every peer of an update fails.
	RetryAfter time.Duration
	// LocalRoot prefixes local instance paths.
	LocalRoot string
	// OnConflict observes conflict notices from other nodes.
	OnConflict func(ConflictNotice)
}

type Replicator struct {
	cfg    Config
	self   string
	store  *resource.Store
	dm     *delivery.Manager
	data   *kv.Store
	logger *zap.Logger
}

func New(cfg Config) (*Replicator, error) {
	if cfg.Store == nil || cfg.Delivery == nil {
		return nil, fmt.Errorf("replication: store and delivery manager are required")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = cfg.Delivery.NodeID()
	}
	if cfg.Content == nil {
		cfg.Content = kv.NewStore(0)
	}
	if cfg.Trust == nil {
		cfg.Trust = trust.AllowAll
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SendOptions == (delivery.Options{}) {
		cfg.SendOptions = delivery.DefaultOptions()
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	if cfg.LocalRoot == "" {
		cfg.LocalRoot = "/var/lib/zephyrmesh"
	}
	return &Replicator{
		cfg:    cfg,
		self:   cfg.NodeID,
		store:  cfg.Store,
		dm:     cfg.Delivery,
		data:   cfg.Content,
		logger: cfg.Logger.Named("replication").With(zap.String("node_id", cfg.NodeID)),
	}, nil
}

// Register installs the replication handlers on the delivery manager.
func (r *Replicator) Register() error {
	for t, h := range map[wire.MessageType]delivery.HandlerFunc{
		wire.MsgResourceUpdate: r.handleUpdate,
		wire.MsgSyncRequest:    r.handleSyncRequest,
		wire.MsgConflictNotice: r.handleConflictNotice,
	} {
		if err := r.dm.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}

// Join subscribes to the conflict topic of a context.
func (r *Replicator) Join(ctx context.Context, scope string) error {
	return r.dm.JoinContext(ctx, scope, conflictsSubtopic)
}

// Report summarizes one propagation round.
type Report struct {
	ResourceID string            `json:"resource_id"`
	Hash       string            `json:"content_hash"`
	Version    uint64            `json:"version"`
	Synced     []string          `json:"synced"`
	Failed     map[string]string `json:"failed,omitempty"`
	Conflicts  []string          `json:"conflicts,omitempty"`
}

// Content returns the local bytes of a resource.
func (r *Replicator) Content(id string) ([]byte, bool) {
	return r.data.Get(contentKey(id))
}

func contentKey(id string) string       { return "content/" + id }
func versionKey(id, hash string) string { return "version/" + id + "/" + hash }

func (r *Replicator) localPath(p resource.Path) string {
	return r.cfg.LocalRoot + "/" + p.String()
}

func (r *Replicator) keep(id string, content []byte) string {
	h := Hash(content)
	r.data.Put(contentKey(id), content, 0)
	r.data.Put(versionKey(id, h), content, 0)
	return h
}

// Publish creates a resource owned by this node with content and pushes it
// to its ring placement.
func (r *Replicator) Publish(ctx context.Context, nr resource.NewResource, content []byte) (resource.MeshResource, Report, error) {
	if nr.Path.Owner == "" {
		nr.Path.Owner = r.self
	}
	local := resource.NewInstance(r.self, r.localPath(nr.Path))
	local.Permissions = resource.FullPermissions()
	nr.Instances = append(nr.Instances, local)
	res, err := r.store.Create(nr)
	if err != nil {
		return resource.MeshResource{}, Report{}, err
	}
	if err := r.Join(ctx, res.Path.Context); err != nil {
		r.logger.Warn("join context failed", zap.String("context", res.Path.Context), zap.Error(err))
	}
	rep, err := r.UpdateLocal(ctx, res.ID, content, "created")
	if err != nil {
		return res, rep, err
	}
	res, err = r.store.Get(res.ID)
	return res, rep, err
}

// UpdateLocal applies content to this node's instance and propagates it.
func (r *Replicator) UpdateLocal(ctx context.Context, id string, content []byte, summary string) (Report, error) {
	res, err := r.store.Get(id)
	if err != nil {
		return Report{}, err
	}
	inst, ok := res.Instance(r.self)
	if !ok {
		return Report{}, fmt.Errorf("%w: %s on %s", resource.ErrInstanceNotFound, r.self, id)
	}
	if !inst.Permissions.Allows(resource.PermWrite) {
		return Report{}, &resource.PermissionError{User: r.self, Permission: resource.PermWrite, ResourceID: id}
	}

	hash := Hash(content)
	if hash == inst.ContentHash && inst.IsSynchronized() {
		// nothing new; only peers left behind by an earlier round need it
		stale := stalePeers(res, r.self)
		if len(stale) == 0 {
			return Report{ResourceID: id, Hash: hash, Version: inst.Version}, nil
		}
		return r.push(ctx, res, stale, Update{
			ResourceID: id,
			Path:       res.Path.String(),
			Type:       res.Type,
			Origin:     r.self,
			Content:    content,
			Hash:       hash,
			BaseHash:   inst.BaseHash,
			Version:    inst.Version,
			Summary:    summary,
			Grants:     res.AccessControl.Grants,
		})
	}
	mod, err := r.store.ApplyModification(id, r.self, hash, summary)
	if err != nil {
		return Report{}, err
	}
	r.keep(id, content)

	res, err = r.ensurePlacement(res.ID)
	if err != nil {
		return Report{}, err
	}
	inst, _ = res.Instance(r.self)
	return r.push(ctx, res, peersOf(res, r.self), Update{
		ResourceID: id,
		Path:       res.Path.String(),
		Type:       res.Type,
		Origin:     r.self,
		Content:    content,
		Hash:       hash,
		BaseHash:   inst.BaseHash,
		Version:    mod.Version,
		Summary:    summary,
		Grants:     res.AccessControl.Grants,
	})
}

// ensurePlacement adds instances for ring-placed replicas the resource does
// not track yet.
func (r *Replicator) ensurePlacement(id string) (resource.MeshResource, error) {
	res, err := r.store.Get(id)
	if err != nil || r.cfg.Ring == nil || r.cfg.Factor <= 0 {
		return res, err
	}
	for _, n := range r.cfg.Ring.Placement(res.Path.String(), r.self, r.cfg.Factor) {
		if _, ok := res.Instance(n); ok {
			continue
		}
		inst := resource.NewInstance(n, r.localPath(res.Path))
		inst.State = resource.OutOfSync(1, "")
		if res, err = r.store.AddInstance(id, inst); err != nil {
			return res, err
		}
	}
	return res, nil
}

func peersOf(res resource.MeshResource, self string) []string {
	var out []string
	for _, inst := range res.Instances {
		if inst.NodeID != self {
			out = append(out, inst.NodeID)
		}
	}
	return out
}

// stalePeers lists the peer instances known to be behind.
func stalePeers(res resource.MeshResource, self string) []string {
	var out []string
	for _, inst := range res.Instances {
		if inst.NodeID != self && inst.State.Kind == resource.InstanceOutOfSync {
			out = append(out, inst.NodeID)
		}
	}
	return out
}

// push sends u to peers and folds the answers into the store.
func (r *Replicator) push(ctx context.Context, res resource.MeshResource, peers []string, u Update) (Report, error) {
	rep := Report{ResourceID: u.ResourceID, Hash: u.Hash, Version: u.Version, Failed: map[string]string{}}
	payload, err := json.Marshal(u)
	if err != nil {
		return rep, err
	}
	if _, err := r.store.BeginPropagation(u.ResourceID, r.self, peers, r.cfg.SendOptions.Timeout); err != nil {
		return rep, err
	}

	opts := r.cfg.SendOptions
	opts.Context = res.Path.Context
	if u.Force {
		opts.Priority = max(opts.Priority, wire.PriorityHigh)
	}
	results := r.dm.Multicast(ctx, peers, wire.MsgResourceUpdate, payload, opts)

	if _, err := r.store.RecordSync(u.ResourceID, r.self, u.Hash, u.Version); err != nil {
		return rep, err
	}
	rep.Synced = append(rep.Synced, r.self)

	var diverged []Reply
	var divergedFrom []string
	for _, peer := range peers {
		reply, rerr := decodeReply(results[peer])
		switch {
		case rerr != nil:
			rep.Failed[peer] = rerr.Error()
		case reply.Status == StatusApplied || reply.Status == StatusUnchanged:
			if reply.Hash == u.Hash {
				if _, err := r.store.RecordSync(u.ResourceID, peer, u.Hash, u.Version); err != nil {
					r.logger.Warn("record sync", zap.String("peer", peer), zap.Error(err))
				}
				rep.Synced = append(rep.Synced, peer)
				continue
			}
			diverged, divergedFrom = append(diverged, reply), append(divergedFrom, peer)
		case reply.Status == StatusConflict:
			diverged, divergedFrom = append(diverged, reply), append(divergedFrom, peer)
		default:
			rep.Failed[peer] = fmt.Sprintf("%s: %s", reply.Status, reply.Reason)
		}
	}

	for i, peer := range divergedFrom {
		reply := diverged[i]
		base := reply.BaseHash
		if reply.Status != StatusConflict {
			base = u.BaseHash
		}
		if _, err := r.store.RecordDivergence(u.ResourceID, peer, reply.Hash, base, reply.Version); err != nil {
			r.logger.Warn("record divergence", zap.String("peer", peer), zap.Error(err))
		}
		r.logger.Info("peer diverged",
			zap.String("resource", u.ResourceID), zap.String("peer", peer),
			zap.String("sent", u.Hash), zap.String("peer_hash", reply.Hash))
	}

	for peer, reason := range rep.Failed {
		if _, err := r.store.MarkOutOfSync(u.ResourceID, peer, 1); err != nil {
			r.logger.Debug("mark out of sync", zap.String("peer", peer), zap.Error(err))
		}
		r.logger.Info("propagation failed", zap.String("resource", u.ResourceID), zap.String("peer", peer), zap.String("reason", reason))
	}
	if len(peers) > 0 && len(rep.Failed) == len(peers) {
		if _, err := r.store.MarkUnavailable(u.ResourceID, "no peer reachable", r.cfg.RetryAfter); err != nil {
			r.logger.Debug("mark unavailable", zap.Error(err))
		}
	} else {
		r.restore(u.ResourceID)
	}

	after, err := r.store.Get(u.ResourceID)
	if err != nil {
		return rep, err
	}
	for _, c := range after.Conflicts() {
		rep.Conflicts = append(rep.Conflicts, c.ID)
	}
	if len(diverged) > 0 {
		r.announce(ctx, after)
	}
	return rep, nil
}

// restore takes a resource out of Unavailable once a peer has answered.
func (r *Replicator) restore(id string) {
	res, err := r.store.Get(id)
	if err != nil || res.State.Kind != resource.StateUnavailable {
		return
	}
	if _, err := r.store.Restore(id); err != nil && !errors.Is(err, resource.ErrInvalidState) {
		r.logger.Debug("restore", zap.String("resource", id), zap.Error(err))
	}
}

func decodeReply(res delivery.Result) (Reply, error) {
	switch res.Status {
	case delivery.StatusResponse:
		var reply Reply
		if err := json.Unmarshal(res.Data, &reply); err != nil {
			return Reply{}, fmt.Errorf("bad reply: %w", err)
		}
		return reply, nil
	case delivery.StatusDelivered:
		return Reply{}, fmt.Errorf("%w: no reply", ErrRejected)
	case delivery.StatusTimedOut:
		return Reply{}, errors.New("timed out")
	default:
		if res.Reason == "" {
			return Reply{}, errors.New("no result")
		}
		return Reply{}, errors.New(res.Reason)
	}
}

// announce publishes a notice for every conflict of res on its context.
func (r *Replicator) announce(ctx context.Context, res resource.MeshResource) {
	for _, c := range res.Conflicts() {
		n := ConflictNotice{
			ResourceID: res.ID,
			Path:       res.Path.String(),
			ConflictID: c.ID,
			Type:       c.Type,
			Severity:   c.Details.Severity,
			Nodes:      c.Nodes,
			Reporter:   r.self,
		}
		b, err := json.Marshal(n)
		if err != nil {
			continue
		}
		if err := r.dm.PublishContext(ctx, res.Path.Context, conflictsSubtopic, wire.MsgConflictNotice, b); err != nil {
			r.logger.Warn("conflict notice not published", zap.String("resource", res.ID), zap.Error(err))
		}
	}
}

// Pull fetches the current content of a resource from node and adopts it
// locally. It refuses to overwrite unpropagated local edits.
func (r *Replicator) Pull(ctx context.Context, id, from string) ([]byte, error) {
	res, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	if inst, ok := res.Instance(r.self); ok && inst.State.Kind == resource.InstanceModified {
		return nil, ErrLocalChanges
	}
	reply, err := r.fetch(ctx, res, from, "")
	if err != nil {
		return nil, err
	}
	if err := r.adopt(res, reply.Content, reply.Version); err != nil {
		return nil, err
	}
	if _, err := r.store.RecordSync(id, from, reply.Hash, reply.Version); err != nil {
		r.logger.Debug("record sync", zap.String("peer", from), zap.Error(err))
	}
	r.restore(id)
	return reply.Content, nil
}

func (r *Replicator) fetch(ctx context.Context, res resource.MeshResource, from, hash string) (Reply, error) {
	b, err := json.Marshal(SyncRequest{ResourceID: res.ID, Path: res.Path.String(), Hash: hash})
	if err != nil {
		return Reply{}, err
	}
	opts := r.cfg.SendOptions
	opts.Context = res.Path.Context
	result, err := r.dm.SendAndWait(ctx, from, wire.MsgSyncRequest, b, opts)
	if err != nil {
		return Reply{}, err
	}
	reply, err := decodeReply(result)
	if err != nil {
		return Reply{}, err
	}
	if reply.Status != StatusOK {
		return Reply{}, fmt.Errorf("%w: %s %s", ErrRejected, reply.Status, reply.Reason)
	}
	if got := Hash(reply.Content); got != reply.Hash {
		return Reply{}, fmt.Errorf("content from %s hashes to %s, advertised %s", from, got, reply.Hash)
	}
	return reply, nil
}

// adopt stores content as this node's current copy.
func (r *Replicator) adopt(res resource.MeshResource, content []byte, version uint64) error {
	if _, ok := res.Instance(r.self); !ok {
		inst := resource.NewInstance(r.self, r.localPath(res.Path))
		inst.Permissions.SyncFrom, inst.Permissions.SyncTo = true, true
		inst.Permissions.Write = res.AccessControl.HasPermission(r.self, resource.PermWrite, res.Path.Context, time.Now())
		if _, err := r.store.AddInstance(res.ID, inst); err != nil {
			return err
		}
	}
	h := r.keep(res.ID, content)
	_, err := r.store.RecordSync(res.ID, r.self, h, version)
	return err
}

// Resolve settles a conflict and pushes the winning content to the other
// instances.
func (r *Replicator) Resolve(ctx context.Context, id, conflictID string, res resource.ConflictResolution) (resource.Outcome, error) {
	before, err := r.store.Get(id)
	if err != nil {
		return resource.Outcome{}, err
	}
	out, err := r.store.Resolve(id, conflictID, res)
	if err != nil || out.Hash == "" {
		return out, err
	}
	content, ok := r.data.Get(versionKey(id, out.Hash))
	if !ok && out.Winner != "" && out.Winner != r.self {
		reply, ferr := r.fetch(ctx, before, out.Winner, out.Hash)
		if ferr != nil {
			r.logger.Warn("winning content unavailable", zap.String("resource", id), zap.String("winner", out.Winner), zap.Error(ferr))
			return out, nil
		}
		content, ok = reply.Content, true
	}
	if !ok {
		return out, nil
	}
	r.keep(id, content)

	after, err := r.store.Get(id)
	if err != nil {
		return out, err
	}
	inst, _ := after.Instance(r.self)
	_, err = r.push(ctx, after, peersOf(after, r.self), Update{
		ResourceID: id,
		Path:       after.Path.String(),
		Type:       after.Type,
		Origin:     r.self,
		Content:    content,
		Hash:       out.Hash,
		BaseHash:   inst.BaseHash,
		Version:    inst.Version,
		Summary:    "resolved " + conflictID,
		Grants:     after.AccessControl.Grants,
		Force:      true,
	})
	return out, err
}

// Peers returns the nodes holding instances of a resource other than self.
func (r *Replicator) Peers(id string) ([]string, error) {
	res, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	p := peersOf(res, r.self)
	slices.Sort(p)
	return p, nil
}

package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/resource"
	"github.com/ryandielhenn/zephyrmesh/pkg/trust"
	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

func reply(rep Reply) ([]byte, error) { return json.Marshal(rep) }

func refuse(status ReplyStatus, err error) ([]byte, error) {
	return reply(Reply{Status: status, Reason: err.Error()})
}

// handleUpdate applies an Update from a peer. The answer always carries the
// hash this node holds afterwards so the sender can spot divergence.
func (r *Replicator) handleUpdate(ctx context.Context, env wire.Envelope) ([]byte, error) {
	var u Update
	if err := json.Unmarshal(env.Payload, &u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	if r.cfg.Trust.CheckAuthorization(env.FromNode, u.Path, trust.ActionSync) == trust.Deny {
		r.logger.Warn("update from untrusted node", zap.String("from", env.FromNode), zap.String("path", u.Path))
		return refuse(StatusDenied, fmt.Errorf("%s may not sync %s", env.FromNode, u.Path))
	}

	res, err := r.track(ctx, u)
	if err != nil {
		return refuse(StatusBlocked, err)
	}
	local, hasLocal := res.Instance(r.self)

	switch {
	case hasLocal && local.ContentHash == u.Hash && !u.Force:
		if _, err := r.store.RecordSync(u.ResourceID, u.Origin, u.Hash, u.Version); err != nil {
			return refuse(StatusBlocked, err)
		}
		return reply(Reply{Status: StatusUnchanged, Hash: local.ContentHash, BaseHash: local.BaseHash, Version: local.Version})

	case u.Force:
		h := r.keep(u.ResourceID, u.Content)
		if !hasLocal {
			if err := r.adopt(res, u.Content, u.Version); err != nil {
				return refuse(StatusBlocked, err)
			}
		}
		if _, err := r.store.Converge(u.ResourceID, h, u.Version, r.self, u.Origin); err != nil {
			return refuse(StatusBlocked, err)
		}
		return reply(Reply{Status: StatusApplied, Hash: h, Version: u.Version})

	case !hasLocal || local.ContentHash == "" || local.ContentHash == u.BaseHash || behind(res, local, u.Origin):
		if err := r.adopt(res, u.Content, u.Version); err != nil {
			return refuse(StatusBlocked, err)
		}
		if _, err := r.store.RecordSync(u.ResourceID, u.Origin, u.Hash, u.Version); err != nil {
			return refuse(StatusBlocked, err)
		}
		h := Hash(u.Content)
		r.logger.Debug("update applied", zap.String("resource", u.ResourceID), zap.String("from", env.FromNode), zap.Uint64("version", u.Version))
		return reply(Reply{Status: StatusApplied, Hash: h, BaseHash: u.BaseHash, Version: u.Version})

	default:
		// this node holds an edit the origin never saw
		r.data.Put(versionKey(u.ResourceID, u.Hash), u.Content, 0)
		after, err := r.store.RecordDivergence(u.ResourceID, u.Origin, u.Hash, u.BaseHash, u.Version)
		if err != nil {
			return refuse(StatusBlocked, err)
		}
		r.logger.Info("concurrent modification",
			zap.String("resource", u.ResourceID), zap.String("from", env.FromNode),
			zap.String("local_hash", local.ContentHash), zap.String("remote_hash", u.Hash))
		r.announce(ctx, after)
		return reply(Reply{Status: StatusConflict, Hash: local.ContentHash, BaseHash: local.BaseHash, Version: local.Version})
	}
}

// behind reports whether local merely missed updates from origin: it has no
// edit in flight and still holds what this node last knew origin to have.
func behind(res resource.MeshResource, local resource.ResourceInstance, origin string) bool {
	switch local.State.Kind {
	case resource.InstanceModified, resource.InstanceUpdating:
		return false
	}
	known, ok := res.Instance(origin)
	return ok && known.ContentHash != "" && known.ContentHash == local.ContentHash
}

// track makes sure the resource and the origin's instance exist locally.
func (r *Replicator) track(ctx context.Context, u Update) (resource.MeshResource, error) {
	res, err := r.store.Get(u.ResourceID)
	if errors.Is(err, resource.ErrResourceNotFound) {
		p, perr := resource.ParsePath(u.Path)
		if perr != nil {
			return res, perr
		}
		res, err = r.store.Create(resource.NewResource{ID: u.ResourceID, Path: p, Type: u.Type, Grants: u.Grants})
		if err == nil {
			if jerr := r.Join(ctx, p.Context); jerr != nil {
				r.logger.Warn("join context failed", zap.String("context", p.Context), zap.Error(jerr))
			}
		}
	}
	if err != nil {
		return res, err
	}
	if _, ok := res.Instance(u.Origin); !ok {
		return r.store.AddInstance(u.ResourceID, resource.NewInstance(u.Origin, r.localPath(res.Path)))
	}
	return res, nil
}

func (r *Replicator) handleSyncRequest(_ context.Context, env wire.Envelope) ([]byte, error) {
	var req SyncRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode sync request: %w", err)
	}
	if r.cfg.Trust.CheckAuthorization(env.FromNode, req.Path, trust.ActionRead) == trust.Deny {
		return refuse(StatusDenied, fmt.Errorf("%s may not read %s", env.FromNode, req.Path))
	}
	res, err := r.store.Get(req.ResourceID)
	if err != nil {
		return refuse(StatusMissing, err)
	}
	inst, ok := res.Instance(r.self)
	if !ok {
		return refuse(StatusMissing, resource.ErrInstanceNotFound)
	}
	key, version := contentKey(req.ResourceID), inst.Version
	if req.Hash != "" && req.Hash != inst.ContentHash {
		key = versionKey(req.ResourceID, req.Hash)
	}
	content, ok := r.data.Get(key)
	if !ok {
		return refuse(StatusMissing, ErrNoContent)
	}
	return reply(Reply{Status: StatusOK, Hash: Hash(content), Version: version, Content: content})
}

func (r *Replicator) handleConflictNotice(_ context.Context, env wire.Envelope) ([]byte, error) {
	var n ConflictNotice
	if err := json.Unmarshal(env.Payload, &n); err != nil {
		return nil, fmt.Errorf("decode conflict notice: %w", err)
	}
	r.logger.Info("conflict reported",
		zap.String("from", env.FromNode),
		zap.String("resource", n.ResourceID),
		zap.String("conflict", n.ConflictID),
		zap.Stringer("severity", n.Severity),
		zap.Strings("nodes", n.Nodes))
	if r.cfg.OnConflict != nil {
		r.cfg.OnConflict(n)
	}
	return nil, nil
}

// Package registry keeps the node directory in etcd. Each node writes
// {prefix}{id} = addr under a lease it keeps alive; peers read and watch the
// prefix to learn who is in the mesh.
package registry

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/zephyrmesh/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

type Registry struct {
	cli    *clientv3.Client
	prefix string
	logger *zap.Logger
}

func New(cli *clientv3.Client, prefix string, logger *zap.Logger) *Registry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{cli: cli, prefix: prefix, logger: logger.Named("registry")}
}

// Register puts this node under a lease of ttl seconds and keeps it alive
// until the returned cancel is called. Cancel also revokes the lease so the
// entry disappears immediately.
func (r *Registry) Register(ctx context.Context, id, addr string, ttl int64) (clientv3.LeaseID, func(), error) {
	lease, err := r.cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := r.cli.Put(ctx, r.prefix+id, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", id, err)
	}

	kctx, stop := context.WithCancel(context.Background())
	ch, err := r.cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		stop()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Info("lease keepalive ended", zap.String("node_id", id))
	}()

	cancel := func() {
		stop()
		rctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if _, err := r.cli.Revoke(rctx, lease.ID); err != nil {
			r.logger.Warn("revoke lease", zap.String("node_id", id), zap.Error(err))
		}
	}
	return lease.ID, cancel, nil
}

// Peers returns every registered node keyed by id.
func (r *Registry) Peers(ctx context.Context) (map[string]string, int64, error) {
	resp, err := r.cli.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("list peers: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id, ok := r.nodeID(string(kv.Key)); ok {
			peers[id] = string(kv.Value)
		}
	}
	return peers, resp.Header.Revision, nil
}

func (r *Registry) nodeID(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, r.prefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Watch calls fn with the full directory once, then again after every
// change, until ctx is done.
func (r *Registry) Watch(ctx context.Context, fn func(peers map[string]string)) error {
	peers, rev, err := r.Peers(ctx)
	if err != nil {
		return err
	}
	fn(maps.Clone(peers))

	wch := r.cli.Watch(ctx, r.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			r.logger.Warn("peer watch", zap.Error(err))
			continue
		}
		changed := false
		for _, ev := range resp.Events {
			changed = r.apply(peers, ev) || changed
		}
		if changed {
			fn(maps.Clone(peers))
		}
	}
	return ctx.Err()
}

// apply folds one watch event into peers and reports whether it changed.
func (r *Registry) apply(peers map[string]string, ev *clientv3.Event) bool {
	id, ok := r.nodeID(string(ev.Kv.Key))
	if !ok {
		return false
	}
	switch ev.Type {
	case clientv3.EventTypePut:
		addr := string(ev.Kv.Value)
		if cur, ok := peers[id]; ok && cur == addr {
			return false
		}
		peers[id] = addr
	case clientv3.EventTypeDelete:
		if _, ok := peers[id]; !ok {
			return false
		}
		delete(peers, id)
	}
	return true
}

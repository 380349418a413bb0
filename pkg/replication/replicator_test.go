package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/resource"
	"github.com/ryandielhenn/zephyrmesh/pkg/ring"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
	"github.com/ryandielhenn/zephyrmesh/pkg/trust"
	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

type testNode struct {
	id    string
	dm    *delivery.Manager
	store *resource.Store
	rep   *Replicator

	mu      sync.Mutex
	notices []ConflictNotice
}

func (n *testNode) seen() []ConflictNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ConflictNotice(nil), n.notices...)
}

type meshOption func(id string, cfg *Config)

func withTrust(id string, a trust.Authorizer) meshOption {
	return func(node string, cfg *Config) {
		if node == id {
			cfg.Trust = a
		}
	}
}

func newMesh(t *testing.T, ids []string, opts ...meshOption) (*transport.Hub, map[string]*testNode) {
	t.Helper()
	hub := transport.NewHub()
	rg := ring.New(32, nil)
	for _, id := range ids {
		rg.Add(id, "")
	}
	nodes := make(map[string]*testNode, len(ids))
	for _, id := range ids {
		dm, err := delivery.New(delivery.Config{
			NodeID:          id,
			Transport:       transport.NewMemoryTransport(hub, id),
			ResendAfter:     20 * time.Millisecond,
			RetryInterval:   5 * time.Millisecond,
			TimeoutInterval: 5 * time.Millisecond,
		})
		require.NoError(t, err)

		n := &testNode{id: id, dm: dm, store: resource.NewStore(resource.StoreConfig{})}
		cfg := Config{
			Store:    n.store,
			Delivery: dm,
			Ring:     rg,
			Factor:   len(ids) - 1,
			SendOptions: delivery.Options{
				RequireAck: true,
				MaxRetries: 2,
				Timeout:    2 * time.Second,
				Priority:   wire.PriorityNormal,
			},
			OnConflict: func(c ConflictNotice) {
				n.mu.Lock()
				n.notices = append(n.notices, c)
				n.mu.Unlock()
			},
		}
		for _, o := range opts {
			o(id, &cfg)
		}
		n.rep, err = New(cfg)
		require.NoError(t, err)
		require.NoError(t, n.rep.Register())
		require.NoError(t, dm.Start(context.Background()))
		t.Cleanup(dm.Stop)
		nodes[id] = n
	}
	return hub, nodes
}

func publish(t *testing.T, n *testNode, path string, content string, grants ...resource.Grant) (resource.MeshResource, Report) {
	t.Helper()
	res, rep, err := n.rep.Publish(context.Background(), resource.NewResource{
		Path:   resource.MustParsePath(path),
		Type:   resource.TypeOf(resource.KindKnowledge),
		Grants: grants,
	}, []byte(content))
	require.NoError(t, err)
	return res, rep
}

func TestPublishReplicatesToPlacement(t *testing.T) {
	_, nodes := newMesh(t, []string{"a", "b", "c"})
	a := nodes["a"]

	res, rep := publish(t, a, "docs/readme@a/main/", "v1")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, rep.Synced)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, Hash([]byte("v1")), rep.Hash)
	assert.Equal(t, resource.StateAvailable, res.State.Kind)
	assert.True(t, res.IsSynchronized())
	require.Len(t, res.Instances, 3)

	for _, id := range []string{"b", "c"} {
		peer := nodes[id]
		got, err := peer.store.Get(res.ID)
		require.NoError(t, err, id)
		inst, ok := got.Instance(id)
		require.True(t, ok, id)
		assert.Equal(t, rep.Hash, inst.ContentHash, id)
		content, ok := peer.rep.Content(res.ID)
		require.True(t, ok, id)
		assert.Equal(t, "v1", string(content), id)
	}
}

func TestUpdatePropagatesVersion(t *testing.T) {
	_, nodes := newMesh(t, []string{"a", "b"})
	a, b := nodes["a"], nodes["b"]
	res, _ := publish(t, a, "docs/readme@a/main/", "v1")

	rep, err := a.rep.UpdateLocal(context.Background(), res.ID, []byte("v2"), "second draft")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rep.Version)
	assert.ElementsMatch(t, []string{"a", "b"}, rep.Synced)

	got, err := b.store.Get(res.ID)
	require.NoError(t, err)
	inst, _ := got.Instance("b")
	assert.Equal(t, Hash([]byte("v2")), inst.ContentHash)
	assert.Equal(t, uint64(2), inst.Version)
	assert.Empty(t, got.Conflicts())

	again, err := a.rep.UpdateLocal(context.Background(), res.ID, []byte("v2"), "no-op")
	require.NoError(t, err)
	assert.Empty(t, again.Synced, "unchanged content is not propagated")
}

func TestConcurrentEditsConflictAndResolve(t *testing.T) {
	hub, nodes := newMesh(t, []string{"a", "b"})
	a, b := nodes["a"], nodes["b"]
	ctx := context.Background()
	res, _ := publish(t, a, "docs/readme@a/main/", "v1", resource.Grant{Principal: "b", Permission: resource.PermWrite})

	hub.Partition("b", true)
	rep, err := b.rep.UpdateLocal(ctx, res.ID, []byte("edit on b"), "")
	require.NoError(t, err)
	require.Contains(t, rep.Failed, "a")
	onB, err := b.store.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, resource.StateUnavailable, onB.State.Kind)
	hub.Partition("b", false)

	rep, err = a.rep.UpdateLocal(ctx, res.ID, []byte("edit on a"), "")
	require.NoError(t, err)
	require.Len(t, rep.Conflicts, 1)
	onB, err = b.store.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, resource.StateConflicted, onB.State.Kind, "the conflict supersedes Unavailable")

	onA, err := a.store.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, resource.StateConflicted, onA.State.Kind)
	c := onA.Conflicts()[0]
	assert.Equal(t, resource.ContentConflict, c.Type)
	assert.Equal(t, resource.SeverityMedium, c.Details.Severity)
	assert.Equal(t, []string{"a", "b"}, c.Nodes)

	require.Eventually(t, func() bool { return len(a.seen()) > 0 }, 2*time.Second, 10*time.Millisecond,
		"b announces the conflict on the context topic")
	assert.Equal(t, res.ID, a.seen()[0].ResourceID)

	out, err := a.rep.Resolve(ctx, res.ID, c.ID, resource.UseInstance("a"))
	require.NoError(t, err)
	assert.Equal(t, Hash([]byte("edit on a")), out.Hash)

	onA, err = a.store.Get(res.ID)
	require.NoError(t, err)
	assert.Empty(t, onA.Conflicts())
	assert.Equal(t, resource.StateAvailable, onA.State.Kind)

	onB, err = b.store.Get(res.ID)
	require.NoError(t, err)
	assert.Empty(t, onB.Conflicts())
	assert.Equal(t, resource.StateAvailable, onB.State.Kind)
	content, _ := b.rep.Content(res.ID)
	assert.Equal(t, "edit on a", string(content))
}

func requireConverged(t *testing.T, res resource.MeshResource, want string, nodes ...*testNode) {
	t.Helper()
	for _, n := range nodes {
		got, err := n.store.Get(res.ID)
		require.NoError(t, err, n.id)
		assert.Equal(t, resource.StateAvailable, got.State.Kind, n.id)
		assert.Empty(t, got.Conflicts(), n.id)
		content, ok := n.rep.Content(res.ID)
		require.True(t, ok, n.id)
		assert.Equal(t, want, string(content), n.id)
	}
}

func TestStalePeerCatchesUpWithoutConflict(t *testing.T) {
	hub, nodes := newMesh(t, []string{"a", "b"})
	a, b := nodes["a"], nodes["b"]
	ctx := context.Background()
	res, _ := publish(t, a, "docs/readme@a/main/", "v1")

	hub.Partition("b", true)
	rep, err := a.rep.UpdateLocal(ctx, res.ID, []byte("v2"), "")
	require.NoError(t, err)
	require.Contains(t, rep.Failed, "b")
	hub.Partition("b", false)

	onB, err := b.store.Get(res.ID)
	require.NoError(t, err)
	inst, _ := onB.Instance("b")
	require.True(t, inst.IsSynchronized(), "b has no edit of its own")

	rep, err = a.rep.UpdateLocal(ctx, res.ID, []byte("v3"), "")
	require.NoError(t, err)
	assert.Empty(t, rep.Failed)
	assert.Empty(t, rep.Conflicts)
	assert.ElementsMatch(t, []string{"a", "b"}, rep.Synced)
	requireConverged(t, res, "v3", a, b)
	assert.Empty(t, a.seen())
}

func TestAnsweredRoundLeavesUnavailable(t *testing.T) {
	hub, nodes := newMesh(t, []string{"a", "b"})
	a, b := nodes["a"], nodes["b"]
	ctx := context.Background()
	res, _ := publish(t, a, "docs/readme@a/main/", "v1")

	hub.Partition("b", true)
	rep, err := a.rep.UpdateLocal(ctx, res.ID, []byte("v2"), "")
	require.NoError(t, err)
	require.Contains(t, rep.Failed, "b")
	onA, err := a.store.Get(res.ID)
	require.NoError(t, err)
	require.Equal(t, resource.StateUnavailable, onA.State.Kind)
	hub.Partition("b", false)

	// same content again: only the peer left behind is sent the update
	rep, err = a.rep.UpdateLocal(ctx, res.ID, []byte("v2"), "retry")
	require.NoError(t, err)
	assert.Empty(t, rep.Failed)
	assert.Contains(t, rep.Synced, "b")
	requireConverged(t, res, "v2", a, b)
}

func TestUntrustedPeerRefusesUpdate(t *testing.T) {
	_, nodes := newMesh(t, []string{"a", "b"}, withTrust("b", trust.NewTable(nil)))
	a, b := nodes["a"], nodes["b"]

	res, rep := publish(t, a, "docs/readme@a/main/", "v1")
	require.Contains(t, rep.Failed, "b")
	assert.Contains(t, rep.Failed["b"], string(StatusDenied))
	assert.Equal(t, resource.StateUnavailable, res.State.Kind)

	_, err := b.store.Get(res.ID)
	assert.ErrorIs(t, err, resource.ErrResourceNotFound)
}

func TestPullCatchesUp(t *testing.T) {
	hub, nodes := newMesh(t, []string{"a", "b"})
	a, b := nodes["a"], nodes["b"]
	ctx := context.Background()
	res, _ := publish(t, a, "docs/readme@a/main/", "v1")

	hub.Partition("b", true)
	rep, err := a.rep.UpdateLocal(ctx, res.ID, []byte("v2"), "")
	require.NoError(t, err)
	require.Contains(t, rep.Failed, "b")
	onA, _ := a.store.Get(res.ID)
	stale, _ := onA.Instance("b")
	assert.Equal(t, resource.InstanceOutOfSync, stale.State.Kind)
	hub.Partition("b", false)

	content, err := b.rep.Pull(ctx, res.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))

	onB, err := b.store.Get(res.ID)
	require.NoError(t, err)
	inst, _ := onB.Instance("b")
	assert.Equal(t, Hash([]byte("v2")), inst.ContentHash)
	assert.True(t, inst.IsSynchronized())
}

func TestPullRefusesLocalChanges(t *testing.T) {
	_, nodes := newMesh(t, []string{"a", "b"})
	a, b := nodes["a"], nodes["b"]
	res, _ := publish(t, a, "docs/readme@a/main/", "v1")

	_, err := b.store.ApplyModification(res.ID, "b", "dirty", "")
	require.NoError(t, err)
	_, err = b.rep.Pull(context.Background(), res.ID, "a")
	assert.ErrorIs(t, err, ErrLocalChanges)
}

func TestUpdateRequiresWritePermission(t *testing.T) {
	_, nodes := newMesh(t, []string{"a", "b"})
	a, b := nodes["a"], nodes["b"]
	res, _ := publish(t, a, "docs/readme@a/main/", "v1")

	_, err := b.rep.UpdateLocal(context.Background(), res.ID, []byte("v2"), "")
	assert.ErrorIs(t, err, resource.ErrInsufficientPermissions)
}

func TestHashIsSHA256Hex(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hash(nil))
}

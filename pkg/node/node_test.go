package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/replication"
	"github.com/ryandielhenn/zephyrmesh/pkg/resource"
	"github.com/ryandielhenn/zephyrmesh/pkg/ring"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

type testNode struct {
	*Node
	url string
}

func newCluster(t *testing.T, ids ...string) map[string]*testNode {
	t.Helper()
	hub := transport.NewHub()
	rg := ring.New(32, nil)
	out := make(map[string]*testNode, len(ids))
	for _, id := range ids {
		dm, err := delivery.New(delivery.Config{
			NodeID:          id,
			Transport:       transport.NewMemoryTransport(hub, id),
			ResendAfter:     20 * time.Millisecond,
			RetryInterval:   5 * time.Millisecond,
			TimeoutInterval: 5 * time.Millisecond,
		})
		require.NoError(t, err)
		store := resource.NewStore(resource.StoreConfig{})
		rep, err := replication.New(replication.Config{
			Store:    store,
			Delivery: dm,
			Ring:     rg,
			Factor:   len(ids) - 1,
			SendOptions: delivery.Options{
				RequireAck: true,
				MaxRetries: 2,
				Timeout:    2 * time.Second,
				Priority:   wire.PriorityNormal,
			},
		})
		require.NoError(t, err)
		require.NoError(t, rep.Register())
		require.NoError(t, dm.Start(context.Background()))
		t.Cleanup(dm.Stop)

		var h http.Handler
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { h.ServeHTTP(w, r) }))
		t.Cleanup(srv.Close)
		addr := srv.Listener.Addr().String()
		n := New(Config{ID: id, Addr: addr, Store: store, Replicator: rep, Delivery: dm, Ring: rg})
		h = n.Routes()
		rg.Add(id, addr)
		out[id] = &testNode{Node: n, url: srv.URL}
	}
	return out
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// localPath finds a path the ring homes on id.
func localPath(t *testing.T, n *testNode, id string) string {
	t.Helper()
	for i := 0; i < 1000; i++ {
		p := resource.MustParsePath(fmt.Sprintf("docs/note%d@alice/main/", i)).String()
		if home, _, _ := n.HomeFor(p); home == id {
			return p
		}
	}
	t.Fatalf("no path homed on %s", id)
	return ""
}

func create(t *testing.T, n *testNode, path, kind, content string) resource.MeshResource {
	t.Helper()
	resp := do(t, http.MethodPost, n.url+"/resources", createRequest{Path: path, Kind: resource.ResourceKind(kind), Content: content})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[createResponse](t, resp).Resource
}

func TestHealthzAndInfo(t *testing.T) {
	nodes := newCluster(t, "a")
	a := nodes["a"]

	resp := do(t, http.MethodGet, a.url+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	info := decode[infoResponse](t, do(t, http.MethodGet, a.url+"/info", nil))
	assert.Equal(t, "a", info.NodeID)
	assert.True(t, info.Running)
	assert.Contains(t, info.Peers, "a")

	resp = do(t, http.MethodGet, a.url+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResourceLifecycle(t *testing.T) {
	nodes := newCluster(t, "a")
	a := nodes["a"]

	res := create(t, a, "docs/readme@alice/main/", "knowledge", "v1")
	assert.Equal(t, resource.StateAvailable, res.State.Kind)

	got := decode[resource.MeshResource](t, do(t, http.MethodGet, a.url+"/resources/"+res.ID, nil))
	assert.Equal(t, res.ID, got.ID)
	assert.Equal(t, resource.KindKnowledge, got.Type.Kind)

	resp := do(t, http.MethodGet, a.url+"/resources/"+res.ID+"/content", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "v1", string(body))
	assert.Equal(t, `"`+replication.Hash([]byte("v1"))+`"`, resp.Header.Get("ETag"))

	rep := decode[replication.Report](t, do(t, http.MethodPut, a.url+"/resources/"+res.ID+"/content?summary=edit", []byte("v2")))
	assert.Equal(t, uint64(2), rep.Version)
	assert.Equal(t, replication.Hash([]byte("v2")), rep.Hash)

	list := decode[[]resource.MeshResource](t, do(t, http.MethodGet, a.url+"/resources?context=docs", nil))
	assert.Len(t, list, 1)
	list = decode[[]resource.MeshResource](t, do(t, http.MethodGet, a.url+"/resources?owner=bob", nil))
	assert.Empty(t, list)

	cs := decode[[]resource.SyncConflict](t, do(t, http.MethodGet, a.url+"/resources/"+res.ID+"/conflicts", nil))
	assert.Empty(t, cs)

	resp = do(t, http.MethodPost, a.url+"/resources", createRequest{Path: "docs/readme@alice/main/", Content: "dup"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodDelete, a.url+"/resources/"+res.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodGet, a.url+"/resources/"+res.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBadRequests(t *testing.T) {
	nodes := newCluster(t, "a")
	a := nodes["a"]

	resp := do(t, http.MethodPost, a.url+"/resources", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, a.url+"/resources", createRequest{Path: "no-owner-here"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, a.url+"/resources/missing/conflicts", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, decode[errorBody](t, resp).Error)

	resp = do(t, http.MethodPost, a.url+"/resources/missing/pull", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateForwardsToHome(t *testing.T) {
	nodes := newCluster(t, "a", "b")
	a, b := nodes["a"], nodes["b"]

	path := localPath(t, a, "b")
	res := create(t, a, path, "knowledge", "hello")

	onB, err := b.store.Get(res.ID)
	require.NoError(t, err)
	inst, ok := onB.Instance("b")
	require.True(t, ok)
	assert.True(t, inst.Permissions.Allows(resource.PermWrite), "home node owns the write side")

	onA, err := a.store.Get(res.ID)
	require.NoError(t, err, "the other node holds a replica")
	_, ok = onA.Instance("a")
	assert.True(t, ok)
}

func TestResolveOverHTTP(t *testing.T) {
	nodes := newCluster(t, "a", "b")
	a, b := nodes["a"], nodes["b"]

	res := create(t, a, localPath(t, a, "a"), "knowledge", "v1")
	_, err := a.store.RecordDivergence(res.ID, "b", "elsewhere", "", 2)
	require.NoError(t, err)

	cs := decode[[]resource.SyncConflict](t, do(t, http.MethodGet, a.url+"/resources/"+res.ID+"/conflicts", nil))
	require.Len(t, cs, 1)
	assert.Equal(t, resource.SeverityMedium, cs[0].Details.Severity)

	resp := do(t, http.MethodPost, a.url+"/resources/"+res.ID+"/conflicts/"+cs[0].ID+"/resolve", resource.UseInstance("a"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[resource.Outcome](t, resp)
	assert.Equal(t, "a", out.Winner)
	assert.Equal(t, replication.Hash([]byte("v1")), out.Hash)

	cs = decode[[]resource.SyncConflict](t, do(t, http.MethodGet, a.url+"/resources/"+res.ID+"/conflicts", nil))
	assert.Empty(t, cs)
	onB, err := b.store.Get(res.ID)
	require.NoError(t, err)
	inst, _ := onB.Instance("b")
	assert.Equal(t, replication.Hash([]byte("v1")), inst.ContentHash)

	resp = do(t, http.MethodPost, a.url+"/resources/"+res.ID+"/conflicts/nope/resolve", resource.UseInstance("a"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCriticalConflictLocksWrites(t *testing.T) {
	nodes := newCluster(t, "a", "b")
	a := nodes["a"]

	res := create(t, a, localPath(t, a, "a"), "configuration", "port=1")
	_, err := a.store.RecordDivergence(res.ID, "b", "port=2-hash", "", 2)
	require.NoError(t, err)

	resp := do(t, http.MethodPut, a.url+"/resources/"+res.ID+"/content", []byte("port=3"))
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
}

func TestDeliveryStats(t *testing.T) {
	nodes := newCluster(t, "a", "b")
	a := nodes["a"]
	create(t, a, localPath(t, a, "a"), "knowledge", "v1")

	stats := decode[delivery.Stats](t, do(t, http.MethodGet, a.url+"/delivery/stats", nil))
	assert.NotZero(t, stats.MessagesSent)

	resp := do(t, http.MethodDelete, a.url+"/delivery/stats", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	stats = decode[delivery.Stats](t, do(t, http.MethodGet, a.url+"/delivery/stats", nil))
	assert.Zero(t, stats.MessagesSent)
}

func TestMembersWithoutGossip(t *testing.T) {
	nodes := newCluster(t, "a")
	resp := do(t, http.MethodGet, nodes["a"].url+"/members", nil)
	assert.Equal(t, "[]\n", func() string { b, _ := io.ReadAll(resp.Body); return string(b) }())
}

func TestNormalizeHostPort(t *testing.T) {
	assert.Equal(t, "etcd:2379", NormalizeHostPort("http://etcd:2379", "8080"))
	assert.Equal(t, "node1:8080", NormalizeHostPort("https://node1", "8080"))
	assert.Equal(t, "10.0.0.1:9000", NormalizeHostPort("10.0.0.1:9000", "8080"))
}

func TestSetPeersKeepsSelf(t *testing.T) {
	nodes := newCluster(t, "a", "b")
	a := nodes["a"]
	a.SetPeers(map[string]string{"c": "http://c"})
	peers := a.ring.Nodes()
	assert.Contains(t, peers, "a")
	assert.Equal(t, "c:8080", peers["c"])
	assert.NotContains(t, peers, "b")
}

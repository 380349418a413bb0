package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/resource"
	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

func TestInstrumentCountsByStatusClass(t *testing.T) {
	m, err := NewHTTPMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	h := m.Instrument("resource_get", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.WriteHeader(http.StatusOK) // ignored by the recorder
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("resource_get", "4xx")))
	assert.Zero(t, testutil.ToFloat64(m.inflight.WithLabelValues("resource_get")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestInstrumentImplicitOK(t *testing.T) {
	m, err := NewHTTPMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	h := m.Instrument("healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("healthz", "2xx")))
}

func TestHTTPMetricsRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewHTTPMetrics(reg)
	require.NoError(t, err)
	_, err = NewHTTPMetrics(reg)
	assert.Error(t, err)
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	SetBuildInfo("v0.0.0-test", "abc123")
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `zephyrmesh_build_info{git_sha="abc123",version="v0.0.0-test"} 1`)
	assert.Contains(t, rec.Body.String(), "zephyrmesh_uptime_seconds")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestDeliveryMetricsMirrorsAndDelegates(t *testing.T) {
	reg := prometheus.NewRegistry()
	mem := delivery.NewMemoryStats()
	m, err := NewDeliveryMetrics(reg, mem)
	require.NoError(t, err)
	pending := 3
	require.NoError(t, m.TrackPending(func() int { return pending }))

	m.RecordSent(wire.MsgResourceUpdate, "team", 100)
	m.RecordSent(wire.MsgResourceUpdate, "", 50)
	m.RecordReceived(wire.MsgControl, "", 20)
	m.RecordDelivered(wire.MsgResourceUpdate, 15*time.Millisecond)
	m.RecordRetry(wire.MsgResourceUpdate)
	m.RecordTimeout(wire.MsgSyncRequest)
	m.RecordFailure(wire.MsgSyncRequest, "no handler for sync_request")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("sent", "resource_update")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.bytes.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("resource_update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timeouts.WithLabelValues("sync_request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("sync_request")))

	err = testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP zephyrmesh_delivery_pending_messages Acknowledged sends awaiting a terminal result.
# TYPE zephyrmesh_delivery_pending_messages gauge
zephyrmesh_delivery_pending_messages 3
`), "zephyrmesh_delivery_pending_messages")
	assert.NoError(t, err)

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.MessagesSent)
	assert.Equal(t, uint64(1), s.Delivered)
	assert.Equal(t, uint64(1), s.ByContext["team"].Sent)

	m.Reset()
	assert.Zero(t, m.Snapshot().MessagesSent)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("sent", "resource_update")), "prometheus counters stay monotonic")
}

func TestDeliveryMetricsRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewDeliveryMetrics(reg, nil)
	require.NoError(t, err)
	_, err = NewDeliveryMetrics(reg, nil)
	assert.Error(t, err)
}

func TestResourceMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := resource.NewStore(resource.StoreConfig{})
	m, err := NewResourceMetrics(reg, store)
	require.NoError(t, err)

	now := time.Now()
	inst := func(node, hash string) resource.ResourceInstance {
		i := resource.NewInstance(node, "/tmp/"+node)
		i.State = resource.Synchronized()
		i.ContentHash = hash
		i.Version = 1
		i.LastSync = now
		return i
	}
	_, err = store.Create(resource.NewResource{
		Path:      resource.MustParsePath("docs/a@alice/main/"),
		Instances: []resource.ResourceInstance{inst("n1", "x"), inst("n2", "x")},
	})
	require.NoError(t, err)
	r2, err := store.Create(resource.NewResource{
		Path:      resource.MustParsePath("docs/b@alice/main/"),
		Instances: []resource.ResourceInstance{inst("n1", "x"), inst("n2", "x")},
	})
	require.NoError(t, err)
	_, err = store.RecordDivergence(r2.ID, "n2", "y", "", 1)
	require.NoError(t, err)

	err = testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP zephyrmesh_resource_conflicts Open sync conflicts by type and severity.
# TYPE zephyrmesh_resource_conflicts gauge
zephyrmesh_resource_conflicts{severity="medium",type="content"} 1
`), "zephyrmesh_resource_conflicts")
	assert.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("available", "conflicted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("none", "available")))
}

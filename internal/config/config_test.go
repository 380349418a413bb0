package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "memory", cfg.Transport.Kind)
	assert.Equal(t, 2, cfg.Replication.Factor)
	assert.Equal(t, 5*time.Second, cfg.Delivery.ResendAfter)
	assert.True(t, cfg.Delivery.AckInbound)
	assert.NotEmpty(t, cfg.Node.ID)
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	p := write(t, "mesh.yaml", `
node:
  id: alpha
  http_addr: ":9090"
transport:
  kind: etcd
  etcd_endpoints: ["http://e1:2379", "http://e2:2379"]
delivery:
  resend_after: 250ms
  max_retries: 7
replication:
  factor: 3
trust:
  enforce: true
  rules:
    - node: beta
      prefix: docs/
      actions: [read, sync]
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "alpha", cfg.Node.ID)
	assert.Equal(t, ":9090", cfg.Node.HTTPAddr)
	assert.Equal(t, "etcd", cfg.Transport.Kind)
	assert.Len(t, cfg.Transport.EtcdEndpoints, 2)
	assert.Equal(t, 250*time.Millisecond, cfg.Delivery.ResendAfter)
	assert.Equal(t, 7, cfg.Delivery.MaxRetries)
	assert.Equal(t, 3, cfg.Replication.Factor)
	assert.Equal(t, time.Second, cfg.Delivery.RetryInterval, "unset keys keep defaults")
	assert.True(t, cfg.Trust.Enforce)
	require.Len(t, cfg.Trust.Rules, 1)
	assert.Equal(t, []string{"read", "sync"}, cfg.Trust.Rules[0].Actions)
}

func TestLoadTOML(t *testing.T) {
	p := write(t, "mesh.toml", `
[node]
id = "beta"

[delivery]
timeout = "45s"

[snapshot]
path = "/data/mesh.db"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "beta", cfg.Node.ID)
	assert.Equal(t, 45*time.Second, cfg.Delivery.Timeout)
	assert.Equal(t, "/data/mesh.db", cfg.Snapshot.Path)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	p := write(t, "mesh.ini", "id=x")
	_, err := Load(p)
	assert.ErrorContains(t, err, "unsupported extension")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SELF_ID", "gamma")
	t.Setenv("SELF_ADDR", "gamma:8080")
	t.Setenv("REPLICATION_FACTOR", "4")
	t.Setenv("ETCD_ENDPOINTS", "http://a:2379, http://b:2379,")
	t.Setenv("MESH_TRANSPORT", "etcd")
	t.Setenv("MESH_SNAPSHOT_PATH", "/tmp/snap.db")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "gamma", cfg.Node.ID)
	assert.Equal(t, "gamma:8080", cfg.Node.Addr)
	assert.Equal(t, 4, cfg.Replication.Factor)
	assert.Equal(t, []string{"http://a:2379", "http://b:2379"}, cfg.Transport.EtcdEndpoints)
	assert.Equal(t, "etcd", cfg.Transport.Kind)
	assert.Equal(t, "/tmp/snap.db", cfg.Snapshot.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Transport.Kind = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Transport.Kind = "etcd"
	cfg.Transport.EtcdEndpoints = nil
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Node.ID = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Trust.Rules = []TrustRule{{Prefix: "docs/"}}
	assert.Error(t, cfg.Validate())
}

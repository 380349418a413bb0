// Package config loads node configuration from a YAML or TOML file, applies
// environment overrides and fills defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Node        NodeConfig        `yaml:"node" toml:"node"`
	Transport   TransportConfig   `yaml:"transport" toml:"transport"`
	Delivery    DeliveryConfig    `yaml:"delivery" toml:"delivery"`
	Replication ReplicationConfig `yaml:"replication" toml:"replication"`
	Snapshot    SnapshotConfig    `yaml:"snapshot" toml:"snapshot"`
	Trust       TrustConfig       `yaml:"trust" toml:"trust"`
	Log         LogConfig         `yaml:"log" toml:"log"`
}

type NodeConfig struct {
	ID string `yaml:"id" toml:"id"`
	// Addr is advertised to peers and used when forwarding HTTP requests.
	Addr     string `yaml:"addr" toml:"addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// Root prefixes the local path of every instance held by this node.
	Root string `yaml:"root" toml:"root"`
}

type TransportConfig struct {
	// Kind is "memory" (single process) or "etcd".
	Kind          string   `yaml:"kind" toml:"kind"`
	EtcdEndpoints []string `yaml:"etcd_endpoints" toml:"etcd_endpoints"`
	Prefix        string   `yaml:"prefix" toml:"prefix"`
	MessageTTL    int64    `yaml:"message_ttl" toml:"message_ttl"`
	// RegistryTTL is the lease, in seconds, of this node's directory entry.
	RegistryTTL int64 `yaml:"registry_ttl" toml:"registry_ttl"`
}

type DeliveryConfig struct {
	MaxMessageSize  int           `yaml:"max_message_size" toml:"max_message_size"`
	ResendAfter     time.Duration `yaml:"resend_after" toml:"resend_after"`
	RetryInterval   time.Duration `yaml:"retry_interval" toml:"retry_interval"`
	TimeoutInterval time.Duration `yaml:"timeout_interval" toml:"timeout_interval"`
	MaxRetries      int           `yaml:"max_retries" toml:"max_retries"`
	Timeout         time.Duration `yaml:"timeout" toml:"timeout"`
	AckInbound      bool          `yaml:"ack_inbound" toml:"ack_inbound"`
	MaxInflight     int           `yaml:"max_inflight" toml:"max_inflight"`
	InboundRate     int           `yaml:"inbound_rate" toml:"inbound_rate"`
	DedupWindow     time.Duration `yaml:"dedup_window" toml:"dedup_window"`
}

type ReplicationConfig struct {
	Factor         int           `yaml:"factor" toml:"factor"`
	AutoResolveLow bool          `yaml:"auto_resolve_low" toml:"auto_resolve_low"`
	RetryAfter     time.Duration `yaml:"retry_after" toml:"retry_after"`
	// Heartbeat is the membership heartbeat period; 0 disables gossip.
	Heartbeat time.Duration `yaml:"heartbeat" toml:"heartbeat"`
}

type SnapshotConfig struct {
	// Path of the bbolt file; empty keeps state in memory only.
	Path  string        `yaml:"path" toml:"path"`
	Every time.Duration `yaml:"every" toml:"every"`
}

// TrustConfig lists which peers may read, write or sync which path
// prefixes. With Enforce off every peer is trusted.
type TrustConfig struct {
	Enforce bool        `yaml:"enforce" toml:"enforce"`
	Rules   []TrustRule `yaml:"rules" toml:"rules"`
}

type TrustRule struct {
	Node    string   `yaml:"node" toml:"node"`
	Prefix  string   `yaml:"prefix" toml:"prefix"`
	Actions []string `yaml:"actions" toml:"actions"`
}

type LogConfig struct {
	Level       string `yaml:"level" toml:"level"`
	Development bool   `yaml:"development" toml:"development"`
}

func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "node-1"
	}
	return &Config{
		Node: NodeConfig{
			ID:       host,
			Addr:     "localhost:8080",
			HTTPAddr: ":8080",
			Root:     "/var/lib/zephyrmesh",
		},
		Transport: TransportConfig{
			Kind:          "memory",
			EtcdEndpoints: []string{"http://etcd:2379"},
			Prefix:        "/zephyrmesh/",
			MessageTTL:    60,
			RegistryTTL:   10,
		},
		Delivery: DeliveryConfig{
			MaxMessageSize:  1 << 20,
			ResendAfter:     5 * time.Second,
			RetryInterval:   time.Second,
			TimeoutInterval: time.Second,
			MaxRetries:      3,
			Timeout:         30 * time.Second,
			AckInbound:      true,
			MaxInflight:     10000,
			DedupWindow:     10 * time.Minute,
		},
		Replication: ReplicationConfig{
			Factor:         2,
			AutoResolveLow: true,
			RetryAfter:     30 * time.Second,
			Heartbeat:      2 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Every: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults, picking the decoder by extension, then
// applies the environment. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 - path is provided by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case ".toml":
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("config %s: unsupported extension %q", path, ext)
		}
	}
	cfg.applyEnvironment()
	return cfg, cfg.Validate()
}

// applyEnvironment keeps the variable names the container images already set.
func (c *Config) applyEnvironment() {
	if v := os.Getenv("SELF_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("SELF_ADDR"); v != "" {
		c.Node.Addr = v
	}
	if v := os.Getenv("REPLICATION_FACTOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Replication.Factor = n
		}
	}
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		c.Transport.EtcdEndpoints = splitList(v)
	}
	if v := os.Getenv("MESH_TRANSPORT"); v != "" {
		c.Transport.Kind = v
	}
	if v := os.Getenv("MESH_SNAPSHOT_PATH"); v != "" {
		c.Snapshot.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config: node id is required")
	}
	switch c.Transport.Kind {
	case "memory":
	case "etcd":
		if len(c.Transport.EtcdEndpoints) == 0 {
			return fmt.Errorf("config: etcd transport needs at least one endpoint")
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport.Kind)
	}
	for i, r := range c.Trust.Rules {
		if r.Node == "" {
			return fmt.Errorf("config: trust rule %d has no node", i)
		}
	}
	if c.Replication.Factor < 0 {
		return fmt.Errorf("config: replication factor must not be negative")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Package trust decides whether a node may act on a resource. Trust policy
// lives outside the sync core; the core only consumes the Authorizer
// contract.
package trust

import (
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Actions checked by replication.
const (
	ActionRead  = "read"
	ActionWrite = "write"
	ActionSync  = "sync"
)

type Authorizer interface {
	CheckAuthorization(node, resource, action string) Decision
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(node, resource, action string) Decision

func (f AuthorizerFunc) CheckAuthorization(node, resource, action string) Decision {
	return f(node, resource, action)
}

// AllowAll trusts every node. Meant for single-tenant test meshes.
var AllowAll Authorizer = AuthorizerFunc(func(string, string, string) Decision { return Allow })

type relationship struct {
	prefix  string
	actions []string
}

func (r relationship) covers(resource, action string) bool {
	if !strings.HasPrefix(resource, r.prefix) {
		return false
	}
	return len(r.actions) == 0 || slices.Contains(r.actions, action)
}

// Table is an Authorizer backed by explicit trust relationships. A node
// with no relationship covering the resource and action is denied.
type Table struct {
	mu     sync.RWMutex
	rels   map[string][]relationship
	logger *zap.Logger
}

func NewTable(logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{rels: make(map[string][]relationship), logger: logger.Named("trust")}
}

// Trust lets node perform actions on every resource whose path starts with
// prefix. No actions means all actions.
func (t *Table) Trust(node, prefix string, actions ...string) {
	t.mu.Lock()
	t.rels[node] = append(t.rels[node], relationship{prefix: prefix, actions: slices.Clone(actions)})
	t.mu.Unlock()
	t.logger.Info("trust established", zap.String("node", node), zap.String("prefix", prefix), zap.Strings("actions", actions))
}

// Revoke drops every relationship with node.
func (t *Table) Revoke(node string) {
	t.mu.Lock()
	delete(t.rels, node)
	t.mu.Unlock()
	t.logger.Info("trust revoked", zap.String("node", node))
}

func (t *Table) Trusted(node string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rels[node]) > 0
}

func (t *Table) CheckAuthorization(node, resource, action string) Decision {
	t.mu.RLock()
	rels := t.rels[node]
	t.mu.RUnlock()
	for _, r := range rels {
		if r.covers(resource, action) {
			return Allow
		}
	}
	t.logger.Debug("authorization denied", zap.String("node", node), zap.String("resource", resource), zap.String("action", action))
	return Deny
}

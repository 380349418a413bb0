// Package node is the HTTP face of a mesh node. It exposes the resource
// table, content updates, conflict resolution and delivery statistics, and
// forwards resource creation to the node the ring homes a path on.
package node

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/replication"
	"github.com/ryandielhenn/zephyrmesh/pkg/resource"
	"github.com/ryandielhenn/zephyrmesh/pkg/ring"
)

const defaultPort = "8080"

type Config struct {
	ID         string
	Addr       string
	Store      *resource.Store
	Replicator *replication.Replicator
	Delivery   *delivery.Manager
	Ring       *ring.HashRing
	// Gossip is optional; without it /members is empty.
	Gossip *gossip.Gossiper
	Logger *zap.Logger
	Client *http.Client
}

type Node struct {
	id     string
	addr   string
	store  *resource.Store
	rep    *replication.Replicator
	dm     *delivery.Manager
	ring   *ring.HashRing
	gsp    *gossip.Gossiper
	logger *zap.Logger
	client *http.Client
}

func New(cfg Config) *Node {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Node{
		id:     cfg.ID,
		addr:   cfg.Addr,
		store:  cfg.Store,
		rep:    cfg.Replicator,
		dm:     cfg.Delivery,
		ring:   cfg.Ring,
		gsp:    cfg.Gossip,
		logger: cfg.Logger.Named("http").With(zap.String("node_id", cfg.ID)),
		client: cfg.Client,
	}
}

func (n *Node) AddPeer(id, hostport string) {
	n.ring.Add(id, hostport)
}

func (n *Node) RemovePeer(id string) {
	n.ring.Remove(id)
}

// SetPeers makes the ring match peers exactly. Self is always kept.
func (n *Node) SetPeers(peers map[string]string) {
	for id := range n.ring.Nodes() {
		if _, ok := peers[id]; !ok && id != n.id {
			n.ring.Remove(id)
		}
	}
	for id, addr := range peers {
		n.ring.Add(id, NormalizeHostPort(addr, defaultPort))
	}
	if _, ok := peers[n.id]; !ok {
		n.ring.Add(n.id, NormalizeHostPort(n.addr, defaultPort))
	}
}

func (n *Node) ID() string   { return n.id }
func (n *Node) Addr() string { return n.addr }

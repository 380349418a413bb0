// Package ring places resource replicas on mesh nodes with a consistent
// hash ring. Each node contributes a fixed number of virtual points; a
// resource path maps to the first points clockwise from its hash.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"sync"
)

type Hasher func([]byte) uint32

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> node id
	nodes    map[string]string // node id -> addr
}

// New builds a ring with replicas virtual points per node; defaults are
// 128 points and FNV-1a.
func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = fnv32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		nodes:    make(map[string]string),
	}
}

// Add inserts a node. Re-adding a known node only refreshes its address.
func (r *HashRing) Add(nodeID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.nodes[nodeID]
	r.nodes[nodeID] = addr
	if known {
		return
	}
	for i := range r.replicas {
		pt := r.hash(pointKey(nodeID, i))
		if _, taken := r.owners[pt]; taken {
			continue // first owner keeps a colliding point
		}
		r.owners[pt] = nodeID
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

// Remove drops a node and its points; paths it homed move to the next
// point clockwise. Unknown ids are ignored.
func (r *HashRing) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; !ok {
		return
	}
	delete(r.nodes, nodeID)
	r.points = slices.DeleteFunc(r.points, func(pt uint32) bool {
		if r.owners[pt] != nodeID {
			return false
		}
		delete(r.owners, pt)
		return true
	})
}

// Lookup returns the node owning key, or "" on an empty ring.
func (r *HashRing) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	return r.owners[r.points[r.start(key)]]
}

// LookupN returns up to n distinct nodes for key in ring order.
func (r *HashRing) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.start(key)
	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Placement returns the n replica holders of a resource path other than
// self. Self still occupies its slot in the ring order.
func (r *HashRing) Placement(path, self string, n int) []string {
	nodes := r.LookupN([]byte(path), n+1)
	out := slices.DeleteFunc(nodes, func(id string) bool { return id == self })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// start is the first point >= hash(key), wrapping. Caller holds r.mu.
func (r *HashRing) start(key []byte) int {
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func (r *HashRing) Addr(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.nodes[nodeID]
	return a, ok
}

// Nodes returns a copy of node id -> addr.
func (r *HashRing) Nodes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.nodes)
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(nodeID string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(nodeID), buf[:]...)
}

package transport

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
)

var ErrClosed = errors.New("transport closed")

// Hub is an in-process broker shared by MemoryTransports. Each publish is
// delivered on its own goroutine, so delivery order is not preserved.
type Hub struct {
	mu          sync.RWMutex
	subs        map[string]map[*MemoryTransport]struct{}
	partitioned map[string]bool
	published   map[string]int
	dropRate    float64
	duplicate   bool
	wg          sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{
		subs:        make(map[string]map[*MemoryTransport]struct{}),
		partitioned: make(map[string]bool),
		published:   make(map[string]int),
	}
}

// SetDropRate makes the hub silently discard a fraction of deliveries.
func (h *Hub) SetDropRate(rate float64) {
	h.mu.Lock()
	h.dropRate = rate
	h.mu.Unlock()
}

// SetDuplicate makes the hub deliver every message twice.
func (h *Hub) SetDuplicate(on bool) {
	h.mu.Lock()
	h.duplicate = on
	h.mu.Unlock()
}

// Partition cuts a node off: nothing it publishes or is sent reaches anyone.
func (h *Hub) Partition(name string, cut bool) {
	h.mu.Lock()
	h.partitioned[name] = cut
	h.mu.Unlock()
}

// Published reports how many publishes were made on topic.
func (h *Hub) Published(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.published[topic]
}

// Wait blocks until every in-flight delivery goroutine has returned.
func (h *Hub) Wait() { h.wg.Wait() }

func (h *Hub) publish(from *MemoryTransport, topic string, payload []byte) {
	h.mu.Lock()
	h.published[topic]++
	if h.partitioned[from.name] {
		h.mu.Unlock()
		return
	}
	targets := make([]*MemoryTransport, 0, len(h.subs[topic]))
	for t := range h.subs[topic] {
		if !h.partitioned[t.name] {
			targets = append(targets, t)
		}
	}
	drop, dup := h.dropRate, h.duplicate
	h.mu.Unlock()

	copies := 1
	if dup {
		copies = 2
	}
	for _, t := range targets {
		for range copies {
			if drop > 0 && rand.Float64() < drop {
				continue
			}
			msg := append([]byte(nil), payload...)
			h.wg.Add(1)
			go func(t *MemoryTransport) {
				defer h.wg.Done()
				t.deliver(topic, msg)
			}(t)
		}
	}
}

func (h *Hub) subscribe(t *MemoryTransport, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[topic]
	if !ok {
		set = make(map[*MemoryTransport]struct{})
		h.subs[topic] = set
	}
	set[t] = struct{}{}
}

func (h *Hub) unsubscribeAll(t *MemoryTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, set := range h.subs {
		delete(set, t)
		if len(set) == 0 {
			delete(h.subs, topic)
		}
	}
}

// MemoryTransport is one node's attachment to a Hub.
type MemoryTransport struct {
	hub  *Hub
	name string

	mu      sync.RWMutex
	handler Handler
	closed  bool
}

func NewMemoryTransport(hub *Hub, name string) *MemoryTransport {
	return &MemoryTransport{hub: hub, name: name}
}

func (t *MemoryTransport) Name() string { return t.name }

func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "publish", Topic: topic, Err: err}
	}
	if t.isClosed() {
		return &TransportError{Op: "publish", Topic: topic, Err: ErrClosed}
	}
	t.hub.publish(t, topic, payload)
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "subscribe", Topic: topic, Err: err}
	}
	if t.isClosed() {
		return &TransportError{Op: "subscribe", Topic: topic, Err: ErrClosed}
	}
	t.hub.subscribe(t, topic)
	return nil
}

func (t *MemoryTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.hub.unsubscribeAll(t)
	return nil
}

func (t *MemoryTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *MemoryTransport) deliver(topic string, payload []byte) {
	t.mu.RLock()
	h, closed := t.handler, t.closed
	t.mu.RUnlock()
	if h == nil || closed {
		return
	}
	h(topic, payload)
}

package delivery

import (
	"maps"
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

// StatsCollector receives delivery events. The manager calls it from many
// goroutines; implementations must be safe for concurrent use.
type StatsCollector interface {
	RecordSent(t wire.MessageType, context string, bytes int)
	RecordReceived(t wire.MessageType, context string, bytes int)
	RecordDelivered(t wire.MessageType, latency time.Duration)
	RecordRetry(t wire.MessageType)
	RecordTimeout(t wire.MessageType)
	RecordFailure(t wire.MessageType, reason string)
	Snapshot() Stats
	Reset()
}

type Counts struct {
	Sent          uint64 `json:"sent"`
	Received      uint64 `json:"received"`
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
}

// Stats is a point-in-time copy of the counters.
type Stats struct {
	MessagesSent     uint64                      `json:"messages_sent"`
	MessagesReceived uint64                      `json:"messages_received"`
	BytesSent        uint64                      `json:"bytes_sent"`
	BytesReceived    uint64                      `json:"bytes_received"`
	Delivered        uint64                      `json:"delivered"`
	Retries          uint64                      `json:"retries"`
	TimedOut         uint64                      `json:"timed_out"`
	Failed           uint64                      `json:"failed"`
	AvgDeliveryTime  time.Duration               `json:"avg_delivery_time"`
	ByType           map[wire.MessageType]Counts `json:"by_type"`
	ByContext        map[string]Counts           `json:"by_context"`
	Since            time.Time                   `json:"since"`
}

// MemoryStats is the default in-process StatsCollector.
type MemoryStats struct {
	mu    sync.RWMutex
	stats Stats
	total time.Duration
}

func NewMemoryStats() *MemoryStats {
	s := &MemoryStats{}
	s.reset()
	return s
}

func (s *MemoryStats) reset() {
	s.stats = Stats{
		ByType:    make(map[wire.MessageType]Counts),
		ByContext: make(map[string]Counts),
		Since:     time.Now().UTC(),
	}
	s.total = 0
}

func (s *MemoryStats) RecordSent(t wire.MessageType, context string, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.MessagesSent++
	s.stats.BytesSent += uint64(bytes)

	c := s.stats.ByType[t]
	c.Sent++
	c.BytesSent += uint64(bytes)
	s.stats.ByType[t] = c

	if context != "" {
		c := s.stats.ByContext[context]
		c.Sent++
		c.BytesSent += uint64(bytes)
		s.stats.ByContext[context] = c
	}
}

func (s *MemoryStats) RecordReceived(t wire.MessageType, context string, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.MessagesReceived++
	s.stats.BytesReceived += uint64(bytes)

	c := s.stats.ByType[t]
	c.Received++
	c.BytesReceived += uint64(bytes)
	s.stats.ByType[t] = c

	if context != "" {
		c := s.stats.ByContext[context]
		c.Received++
		c.BytesReceived += uint64(bytes)
		s.stats.ByContext[context] = c
	}
}

func (s *MemoryStats) RecordDelivered(_ wire.MessageType, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Delivered++
	s.total += latency
	s.stats.AvgDeliveryTime = s.total / time.Duration(s.stats.Delivered)
}

func (s *MemoryStats) RecordRetry(wire.MessageType) {
	s.mu.Lock()
	s.stats.Retries++
	s.mu.Unlock()
}

func (s *MemoryStats) RecordTimeout(wire.MessageType) {
	s.mu.Lock()
	s.stats.TimedOut++
	s.mu.Unlock()
}

func (s *MemoryStats) RecordFailure(wire.MessageType, string) {
	s.mu.Lock()
	s.stats.Failed++
	s.mu.Unlock()
}

func (s *MemoryStats) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.stats
	out.ByType = maps.Clone(s.stats.ByType)
	out.ByContext = maps.Clone(s.stats.ByContext)
	return out
}

func (s *MemoryStats) Reset() {
	s.mu.Lock()
	s.reset()
	s.mu.Unlock()
}

package gossip

import (
	"sync"
	"time"
)

// FailureDetector turns heartbeat arrival times into a suspicion level.
// Suspicion is measured in expected intervals: 1 means one heartbeat late.
type FailureDetector interface {
	Observe(id string, t time.Time)
	Suspicion(id string, now time.Time) float64
	Remove(id string)
}

// IntervalDetector estimates each peer's heartbeat interval with an
// exponential moving average and reports how many of those intervals have
// passed since the last beat.
type IntervalDetector struct {
	// Expected seeds the average before a peer has sent two beats.
	Expected time.Duration

	mu    sync.Mutex
	peers map[string]*arrivals
}

type arrivals struct {
	last time.Time
	mean time.Duration
}

func NewIntervalDetector(expected time.Duration) *IntervalDetector {
	return &IntervalDetector{Expected: expected, peers: make(map[string]*arrivals)}
}

func (d *IntervalDetector) Observe(id string, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.peers[id]
	if !ok {
		d.peers[id] = &arrivals{last: t, mean: d.Expected}
		return
	}
	if gap := t.Sub(a.last); gap > 0 {
		a.mean = (a.mean*7 + gap) / 8
		a.last = t
	}
}

// Suspicion is 0 for unknown peers.
func (d *IntervalDetector) Suspicion(id string, now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.peers[id]
	if !ok || a.mean <= 0 {
		return 0
	}
	late := now.Sub(a.last)
	if late <= 0 {
		return 0
	}
	return float64(late) / float64(a.mean)
}

func (d *IntervalDetector) Remove(id string) {
	d.mu.Lock()
	delete(d.peers, id)
	d.mu.Unlock()
}

package gossip

import (
	"slices"
	"strings"
	"sync"
	"time"
)

type Member struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr,omitempty"`
	Incarnation uint64    `json:"incarnation"`
	State       State     `json:"state"`
	LastUpdate  time.Time `json:"last_update"`
}

// memberList is the local view of the mesh, self excluded.
type memberList struct {
	mu      sync.RWMutex
	members map[string]*Member
}

func newMemberList() *memberList {
	return &memberList{members: make(map[string]*Member)}
}

// heard records a heartbeat. It returns the member and whether its state or
// address changed. Beats from an older incarnation are ignored.
func (l *memberList) heard(h Heartbeat, now time.Time) (Member, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.members[h.NodeID]
	if !ok {
		m = &Member{ID: h.NodeID, Addr: h.Addr, Incarnation: h.Incarnation, State: StateAlive, LastUpdate: now}
		l.members[h.NodeID] = m
		return *m, true
	}
	if h.Incarnation < m.Incarnation {
		return *m, false
	}
	changed := m.State != StateAlive || m.Addr != h.Addr || m.Incarnation != h.Incarnation
	m.Addr, m.Incarnation, m.State, m.LastUpdate = h.Addr, h.Incarnation, StateAlive, now
	return *m, changed
}

func (l *memberList) set(id string, s State, now time.Time) (Member, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.members[id]
	if !ok || m.State == s {
		return Member{}, false
	}
	m.State, m.LastUpdate = s, now
	return *m, true
}

func (l *memberList) remove(id string) {
	l.mu.Lock()
	delete(l.members, id)
	l.mu.Unlock()
}

func (l *memberList) get(id string) (Member, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

func (l *memberList) all() []Member {
	l.mu.RLock()
	out := make([]Member, 0, len(l.members))
	for _, m := range l.members {
		out = append(out, *m)
	}
	l.mu.RUnlock()
	slices.SortFunc(out, func(a, b Member) int { return strings.Compare(a.ID, b.ID) })
	return out
}

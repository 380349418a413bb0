// Package kv is a bounded in-memory byte store with optional per-key TTL and
// LRU eviction by total value size. Nodes use one instance as the local copy
// of resource content and another as the window of recently seen message ids.
package kv

import (
	"bytes"
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key      string
	value    []byte
	expireAt time.Time
}

// Store holds copies of byte values. Expired entries are dropped lazily on
// access or in bulk by Sweep.
type Store struct {
	mu   sync.Mutex
	data map[string]*list.Element
	ll   *list.List
	used int
	cap  int
	now  func() time.Time
}

// NewStore creates a store; capacityBytes <= 0 disables eviction.
func NewStore(capacityBytes int) *Store {
	return &Store{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
		now:  time.Now,
	}
}

// Put stores a copy of val. ttl <= 0 means the entry never expires.
func (s *Store) Put(key string, val []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, val, ttl)
}

// PutIfAbsent stores val only when key is missing or expired. It reports
// whether the value was stored; concurrent callers for one key see exactly
// one true.
func (s *Store) PutIfAbsent(key string, val []byte, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.lookup(key); live {
		return false
	}
	s.set(key, val, ttl)
	return true
}

// Get returns a copy of the value and marks it most recently used.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, live := s.lookup(key)
	if !live {
		return nil, false
	}
	s.ll.MoveToFront(el)
	return bytes.Clone(el.Value.(*entry).value), true
}

// Has reports presence without touching recency.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, live := s.lookup(key)
	return live
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.data[key]; ok {
		s.removeElement(el)
		return true
	}
	return false
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Keys returns the live keys, most recently used first.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for el := s.ll.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry); !s.expired(e) {
			out = append(out, e.key)
		}
	}
	return out
}

// Used returns the total bytes of stored values.
func (s *Store) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Sweep drops every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for el := s.ll.Back(); el != nil; {
		prev := el.Prev()
		if s.expired(el.Value.(*entry)) {
			s.removeElement(el)
			n++
		}
		el = prev
	}
	return n
}

// lookup finds a live entry, dropping it if it has expired. Caller holds s.mu.
func (s *Store) lookup(key string) (*list.Element, bool) {
	el, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if s.expired(el.Value.(*entry)) {
		s.removeElement(el)
		return nil, false
	}
	return el, true
}

// set writes key as the most recent entry and evicts down to capacity.
// Caller holds s.mu.
func (s *Store) set(key string, val []byte, ttl time.Duration) {
	e := &entry{key: key, value: bytes.Clone(val)}
	if e.value == nil {
		e.value = []byte{}
	}
	if ttl > 0 {
		e.expireAt = s.now().Add(ttl)
	}
	if el, ok := s.data[key]; ok {
		s.used -= len(el.Value.(*entry).value)
		el.Value = e
		s.ll.MoveToFront(el)
	} else {
		s.data[key] = s.ll.PushFront(e)
	}
	s.used += len(e.value)
	s.evictIfNeeded()
}

func (s *Store) expired(e *entry) bool {
	return !e.expireAt.IsZero() && s.now().After(e.expireAt)
}

func (s *Store) evictIfNeeded() {
	if s.cap <= 0 {
		return
	}
	for s.used > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.key)
	s.used -= len(e.value)
	s.ll.Remove(el)
}

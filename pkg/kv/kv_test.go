package kv

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"
)

func fakeClock(s *Store) *time.Time {
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	return &now
}

func TestContentRoundTrip(t *testing.T) {
	s := NewStore(0)
	s.Put("content/r1", []byte("v1"), 0)

	v, ok := s.Get("content/r1")
	if !ok || string(v) != "v1" {
		t.Fatalf("Get(content/r1) = %q,%v want v1,true", v, ok)
	}
	v[0] = 'X'
	if again, _ := s.Get("content/r1"); string(again) != "v1" {
		t.Fatalf("Get returned an alias of the stored value: %q", again)
	}

	s.Put("content/r1", []byte("version two"), 0)
	if s.Len() != 1 || s.Used() != len("version two") {
		t.Fatalf("after overwrite Len=%d Used=%d", s.Len(), s.Used())
	}

	if !s.Delete("content/r1") {
		t.Fatalf("Delete reported a missing key")
	}
	if s.Delete("content/r1") {
		t.Fatalf("second Delete should report false")
	}
	if _, ok := s.Get("content/r1"); ok || s.Used() != 0 {
		t.Fatalf("key survived delete, Used=%d", s.Used())
	}
}

func TestSeenWindowExpires(t *testing.T) {
	s := NewStore(0)
	now := fakeClock(s)

	s.Put("msg-1", nil, time.Minute)
	if !s.Has("msg-1") {
		t.Fatalf("fresh id not seen")
	}
	*now = now.Add(59 * time.Second)
	if !s.Has("msg-1") {
		t.Fatalf("id expired early")
	}
	*now = now.Add(2 * time.Second)
	if s.Has("msg-1") {
		t.Fatalf("id outlived its window")
	}
	if _, ok := s.Get("msg-1"); ok {
		t.Fatalf("Get returned an expired entry")
	}
	if s.Len() != 0 {
		t.Fatalf("expired Get should drop the entry, Len=%d", s.Len())
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	s := NewStore(6)
	s.Put("a", []byte("aa"), 0)
	s.Put("b", []byte("bb"), 0)
	s.Put("c", []byte("cc"), 0)
	s.Get("a") // a is now most recent; b is the oldest
	s.Put("d", []byte("dd"), 0)

	if s.Has("b") {
		t.Fatalf("b should have been evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if !s.Has(k) {
			t.Fatalf("%s evicted unexpectedly", k)
		}
	}
	if got := s.Keys(); len(got) != 3 || got[0] != "d" || got[1] != "a" {
		t.Fatalf("Keys = %v, want [d a c]", got)
	}
	if s.Used() > 6 {
		t.Fatalf("Used %d exceeds capacity", s.Used())
	}
}

func TestHasDoesNotTouchRecency(t *testing.T) {
	s := NewStore(4)
	s.Put("a", []byte("aa"), 0)
	s.Put("b", []byte("bb"), 0)
	s.Has("a")
	s.Put("c", []byte("cc"), 0)
	if s.Has("a") {
		t.Fatalf("Has must not refresh a")
	}
}

func TestConcurrentDedup(t *testing.T) {
	s := NewStore(0)
	const workers, ids = 16, 200
	var mu sync.Mutex
	winners := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < ids; i++ {
				id := fmt.Sprintf("msg-%d", i)
				if s.PutIfAbsent(id, nil, time.Minute) {
					mu.Lock()
					winners[id]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if len(winners) != ids {
		t.Fatalf("recorded %d ids, want %d", len(winners), ids)
	}
	for id, n := range winners {
		if n != 1 {
			t.Fatalf("%s stored %d times", id, n)
		}
	}
}

func TestPutIfAbsent(t *testing.T) {
	s := NewStore(1 << 10)
	if !s.PutIfAbsent("m1", nil, 0) {
		t.Fatalf("first PutIfAbsent should store")
	}
	if s.PutIfAbsent("m1", []byte("x"), 0) {
		t.Fatalf("second PutIfAbsent should not store")
	}
	if !s.Has("m1") {
		t.Fatalf("m1 missing")
	}
}

func TestPutIfAbsentReplacesExpired(t *testing.T) {
	s := NewStore(1 << 10)
	now := fakeClock(s)

	s.PutIfAbsent("m1", []byte("a"), time.Second)
	*now = now.Add(2 * time.Second)
	if !s.PutIfAbsent("m1", []byte("b"), time.Second) {
		t.Fatalf("expired key should be replaceable")
	}
	v, ok := s.Get("m1")
	if !ok || string(v) != "b" {
		t.Fatalf("Get(m1) = %q,%v want b,true", v, ok)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s := NewStore(0)
	now := fakeClock(s)

	s.Put("short", []byte("1"), time.Second)
	s.Put("long", []byte("2"), time.Hour)
	s.Put("forever", []byte("3"), 0)

	*now = now.Add(time.Minute)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if s.Len() != 2 || s.Used() != 2 {
		t.Fatalf("Len=%d Used=%d, want 2,2", s.Len(), s.Used())
	}
}

func TestZeroCapacityNeverEvicts(t *testing.T) {
	s := NewStore(0)
	for i := range 100 {
		s.Put(fmt.Sprintf("k%d", i), bytes.Repeat([]byte("v"), 64), 0)
	}
	if s.Len() != 100 {
		t.Fatalf("Len = %d, want 100", s.Len())
	}
}

package lifecycle

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type fakeSource struct {
	mu      sync.Mutex
	entries map[string]Entry
	evicted []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{entries: make(map[string]Entry)}
}

func (s *fakeSource) add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
}

func (s *fakeSource) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

func (s *fakeSource) Evict(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, entityID)
	s.evicted = append(s.evicted, entityID)
}

func (s *fakeSource) evictedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.evicted...)
	sort.Strings(out)
	return out
}

func TestSweepEvictsIdleEntities(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	src := newFakeSource()
	src.add(Entry{ID: "stale", LastAccess: now.Add(-31 * time.Minute)})
	src.add(Entry{ID: "fresh", LastAccess: now.Add(-29 * time.Minute)})

	s := NewSweeper(src, Config{Clock: mock})
	evicted := s.Sweep(now)

	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("evicted = %v, want [stale]", evicted)
	}
	if _, ok := src.entries["fresh"]; !ok {
		t.Fatal("entity under the idle bound was evicted")
	}
}

func TestSweepEnforcesCapLRUFirst(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	src := newFakeSource()
	// Five resident entities against a cap of three; the two with the
	// oldest access go.
	src.add(Entry{ID: "a", LastAccess: now})
	src.add(Entry{ID: "b", LastAccess: now.Add(-3 * time.Minute)})
	src.add(Entry{ID: "c", LastAccess: now.Add(-2 * time.Minute)})
	src.add(Entry{ID: "d", LastAccess: now.Add(-1 * time.Minute)})
	src.add(Entry{ID: "e", LastAccess: now})

	s := NewSweeper(src, Config{MaxEntities: 3, Clock: mock})
	s.Sweep(now)

	got := src.evictedIDs()
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("evicted = %v, want [b c]", got)
	}
}

func TestSweepCapBoundsResidentCount(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	src := newFakeSource()
	// Fifteen recently used entities against the default cap of ten: the
	// five least recently accessed must go, no matter how live they are.
	for i := 0; i < 15; i++ {
		src.add(Entry{
			ID:         fmt.Sprintf("g%02d", i),
			LastAccess: now.Add(-time.Duration(15-i) * time.Second),
		})
	}

	s := NewSweeper(src, Config{Clock: mock})
	evicted := s.Sweep(now)

	if len(evicted) != 5 {
		t.Fatalf("evicted %d entities, want 5", len(evicted))
	}
	if len(src.entries) != 10 {
		t.Fatalf("resident count = %d, want 10", len(src.entries))
	}
	want := []string{"g00", "g01", "g02", "g03", "g04"}
	got := src.evictedIDs()
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("evicted = %v, want %v", got, want)
		}
	}
}

func TestSweeperRunsOnTicker(t *testing.T) {
	mock := clock.NewMock()
	src := newFakeSource()
	src.add(Entry{ID: "stale", LastAccess: mock.Now().Add(-time.Hour)})

	s := NewSweeper(src, Config{SweepInterval: time.Minute, Clock: mock})
	s.Start()
	defer s.Stop()

	mock.Add(time.Minute)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(src.evictedIDs()) == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("ticker sweep never evicted the stale entity")
}

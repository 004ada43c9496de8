package registry

import (
	"sync"
	"time"

	"github.com/puzzleshare/gridsync/internal/cache"
	"github.com/puzzleshare/gridsync/internal/conflict"
	"github.com/puzzleshare/gridsync/internal/event"
)

// Instance is the in-memory state of one synchronized entity. All fields are
// guarded by mu; readers take a copied snapshot rather than holding the lock
// across reducer calls.
type Instance struct {
	mu sync.Mutex

	id   string
	kind string

	createEvent *event.Event
	canonical   []event.Event
	optimistic  []event.Event
	conflicts   []conflict.Conflict

	// baseStates remembers, per optimistic event id, the derived state that
	// existed before that mutation was applied. Conflicts report it so UI
	// layers can offer a three-way view.
	baseStates map[string]event.State

	ready   bool
	readyCh chan struct{}

	attached  bool
	destroyed bool

	createdAt   time.Time
	lastAccess  time.Time
	totalEvents int64
}

func newInstance(id, kind string, now time.Time) *Instance {
	return &Instance{
		id:         id,
		kind:       kind,
		baseStates: make(map[string]event.State),
		readyCh:    make(chan struct{}),
		createdAt:  now,
		lastAccess: now,
	}
}

// ID returns the entity id (the id portion of the path).
func (in *Instance) ID() string { return in.id }

// Path returns the full entity path, e.g. "/game/abc123".
func (in *Instance) Path() string { return "/" + in.kind + "/" + in.id }

// Ready reports whether a valid create event has been applied.
func (in *Instance) Ready() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ready
}

// Attached reports whether the entity is connected to the live stream.
func (in *Instance) Attached() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.attached
}

// LastAccess reports the last read or mutation time.
func (in *Instance) LastAccess() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastAccess
}

// CreatedAt reports when the instance was first referenced.
func (in *Instance) CreatedAt() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.createdAt
}

// TotalEventCount reports how many events this instance has absorbed.
func (in *Instance) TotalEventCount() int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.totalEvents
}

// Conflicts returns a copy of the pending conflicts.
func (in *Instance) Conflicts() []conflict.Conflict {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]conflict.Conflict, len(in.conflicts))
	copy(out, in.conflicts)
	return out
}

// PendingOptimistic returns a copy of the unconfirmed optimistic events.
func (in *Instance) PendingOptimistic() []event.Event {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]event.Event, len(in.optimistic))
	copy(out, in.optimistic)
	return out
}

// CanonicalCount reports the canonical log length.
func (in *Instance) CanonicalCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.canonical)
}

// view snapshots the event sets for state computation. Slices are copied so
// the cache can sort and fold without holding the instance lock.
func (in *Instance) view() cache.View {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.viewLocked()
}

func (in *Instance) viewLocked() cache.View {
	v := cache.View{
		ID:         in.id,
		Create:     in.createEvent,
		Canonical:  make([]event.Event, len(in.canonical)),
		Optimistic: make([]event.Event, len(in.optimistic)),
	}
	copy(v.Canonical, in.canonical)
	copy(v.Optimistic, in.optimistic)
	return v
}

// touch refreshes the last-access timestamp; caller must hold in.mu.
func (in *Instance) touch(now time.Time) {
	in.lastAccess = now
}

// markReady transitions not-ready -> ready; caller must hold in.mu.
func (in *Instance) markReady() {
	if !in.ready {
		in.ready = true
		close(in.readyCh)
	}
}

// resetReady re-arms the ready future after the create event was replaced by
// an invalid one; caller must hold in.mu.
func (in *Instance) resetReady() {
	if in.ready {
		in.ready = false
		in.readyCh = make(chan struct{})
	}
}

// removeOptimisticLocked drops the optimistic event with the given id;
// caller must hold in.mu. Reports whether an event was removed.
func (in *Instance) removeOptimisticLocked(eventID string) bool {
	for i, ev := range in.optimistic {
		if ev.ID == eventID {
			in.optimistic = append(in.optimistic[:i], in.optimistic[i+1:]...)
			delete(in.baseStates, eventID)
			return true
		}
	}
	return false
}

// hasCanonicalLocked reports whether an event id is already in the canonical
// log; caller must hold in.mu.
func (in *Instance) hasCanonicalLocked(eventID string) bool {
	for _, ev := range in.canonical {
		if ev.ID == eventID {
			return true
		}
	}
	return false
}

// Package cache incrementally recomputes derived state from a growing event
// log, avoiding a full O(n) reduction on every new event in the common case.
package cache

import (
	"container/list"
	"sync"

	"github.com/puzzleshare/gridsync/internal/event"
)

// Logger receives diagnostics for forced recomputes.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Defaults for the bounded entry set.
const (
	DefaultCapacity  = 50
	DefaultHighWater = 0.8
)

// View is the snapshot of an entity the cache computes against. Canonical
// events are in arrival order; optimistic events in local issue order.
type View struct {
	ID         string
	Create     *event.Event
	Canonical  []event.Event
	Optimistic []event.Event
}

type entry struct {
	id              string
	createEventID   string
	canonicalCount  int
	optimisticCount int
	optimisticIDs   []string
	maxTimestamp    event.Timestamp
	maxEventID      string // id tie-break at maxTimestamp
	state           event.State
}

// Cache holds one derived-state entry per entity, bounded by an LRU policy
// that triggers once usage crosses a high-water mark rather than on every
// insert.
type Cache struct {
	mu        sync.Mutex
	capacity  int
	highWater int // entry count at which eviction starts
	entries   map[string]*list.Element
	lru       *list.List // front = most recently used
	logger    Logger

	recomputes   int64
	incrementals int64
	hits         int64
}

// New creates a cache. capacity <= 0 selects DefaultCapacity; highWater
// outside (0,1] selects DefaultHighWater.
func New(capacity int, highWater float64, logger Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if highWater <= 0 || highWater > 1 {
		highWater = DefaultHighWater
	}
	mark := int(float64(capacity) * highWater)
	if mark < 1 {
		mark = 1
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Cache{
		capacity:  capacity,
		highWater: mark,
		entries:   make(map[string]*list.Element),
		lru:       list.New(),
		logger:    logger,
	}
}

// DerivedState returns the entity's derived state, choosing between cache
// hit, incremental apply, and full recompute.
//
// A create event that fails validation yields a nil state; that is a
// representable condition, not an error.
func (c *Cache) DerivedState(v View, reduce event.Reducer) event.State {
	if v.Create == nil || event.ValidateCreate(*v.Create) != nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(v.ID)
	if e == nil {
		e = &entry{id: v.ID}
		c.insert(e)
		c.fullRecompute(e, v, reduce)
		return e.state
	}

	switch {
	case c.isHit(e, v):
		c.hits++
		return e.state

	case c.canIncrement(e, v):
		appended := make([]event.Event, len(v.Canonical)-e.canonicalCount)
		copy(appended, v.Canonical[e.canonicalCount:])
		event.SortByTimestamp(appended)

		// A canonical event that sorts at or before the cached watermark
		// means the log was not purely appended; trusting append order here
		// would apply events out of timestamp order. Equal timestamps
		// compare by id, mirroring SortByTimestamp's tie-break.
		first := appended[0]
		if first.Timestamp < e.maxTimestamp ||
			(first.Timestamp == e.maxTimestamp && first.ID < e.maxEventID) {
			c.logger.Printf("gridsync: entity %s received canonical event before cached watermark, forcing recompute", v.ID)
			c.fullRecompute(e, v, reduce)
			return e.state
		}

		state := e.state
		for _, ev := range appended {
			state = reduce(state, ev, event.ApplyOptions{})
		}
		e.state = state
		e.canonicalCount = len(v.Canonical)
		last := appended[len(appended)-1]
		e.maxTimestamp = last.Timestamp
		e.maxEventID = last.ID
		c.incrementals++
		return e.state

	default:
		c.fullRecompute(e, v, reduce)
		return e.state
	}
}

func (c *Cache) isHit(e *entry, v View) bool {
	if e.createEventID != v.Create.ID ||
		e.canonicalCount != len(v.Canonical) ||
		e.optimisticCount != len(v.Optimistic) {
		return false
	}
	// Counts alone cannot see an optimistic event being superseded in
	// place, so the pending ids are part of the key.
	for i, ev := range v.Optimistic {
		if e.optimisticIDs[i] != ev.ID {
			return false
		}
	}
	return true
}

func (c *Cache) canIncrement(e *entry, v View) bool {
	if e.canonicalCount < 0 || e.optimisticCount < 0 {
		// Corrupted entry; the caller falls through to a full recompute.
		c.logger.Printf("gridsync: negative event count cached for %s, forcing recompute", e.id)
		return false
	}
	return e.createEventID == v.Create.ID &&
		e.optimisticCount == 0 && len(v.Optimistic) == 0 &&
		len(v.Canonical) > e.canonicalCount
}

func (c *Cache) fullRecompute(e *entry, v View, reduce event.Reducer) {
	canonical := make([]event.Event, len(v.Canonical))
	copy(canonical, v.Canonical)
	event.SortByTimestamp(canonical)

	e.state = event.Reduce(reduce, v.Create, canonical, v.Optimistic)
	e.createEventID = v.Create.ID
	e.canonicalCount = len(v.Canonical)
	e.optimisticCount = len(v.Optimistic)
	e.optimisticIDs = e.optimisticIDs[:0]
	for _, ev := range v.Optimistic {
		e.optimisticIDs = append(e.optimisticIDs, ev.ID)
	}
	e.maxTimestamp = 0
	e.maxEventID = ""
	if n := len(canonical); n > 0 {
		e.maxTimestamp = canonical[n-1].Timestamp
		e.maxEventID = canonical[n-1].ID
	}
	c.recomputes++
}

// lookup refreshes recency; caller must hold c.mu.
func (c *Cache) lookup(id string) *entry {
	el, ok := c.entries[id]
	if !ok {
		return nil
	}
	c.lru.MoveToFront(el)
	return el.Value.(*entry)
}

// insert adds a fresh entry and evicts past the high-water mark; caller must
// hold c.mu.
func (c *Cache) insert(e *entry) {
	c.entries[e.id] = c.lru.PushFront(e)
	if len(c.entries) <= c.highWater {
		return
	}
	// Evict just enough least-recently-used entries to fall back under the
	// mark.
	for len(c.entries) >= c.highWater {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*entry)
		c.lru.Remove(oldest)
		delete(c.entries, victim.id)
	}
}

// Delete releases the entity's entry immediately (called on detach).
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[id]; ok {
		c.lru.Remove(el)
		delete(c.entries, id)
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats reports how often each computation strategy ran.
func (c *Cache) Stats() (hits, incrementals, recomputes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.incrementals, c.recomputes
}

// Contains reports whether an entity currently has a cached entry, without
// refreshing recency.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Package bus implements per-entity, per-event-name publish/subscribe for
// sync core notifications (wsEvent, wsCreateEvent, wsOptimisticEvent,
// reconnect, conflict, and arbitrary domain names).
package bus

import (
	"sync"
)

// Callback receives the payload published for a subscribed event name.
type Callback func(payload any)

// Logger receives diagnostics for recovered callback panics.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

type subscriber struct {
	cb      Callback
	once    bool
	removed bool
}

type topic struct {
	subs []*subscriber
}

// Bus routes published payloads to subscribers registered under an
// (entity id, event name) pair. Emission order is insertion order. A
// panicking callback is recovered and logged without preventing remaining
// callbacks from running.
type Bus struct {
	mu     sync.Mutex
	topics map[string]map[string]*topic // entity id -> event name -> topic
	logger Logger
}

// New creates an empty bus. A nil logger disables panic diagnostics.
func New(logger Logger) *Bus {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Bus{
		topics: make(map[string]map[string]*topic),
		logger: logger,
	}
}

// Subscribe registers cb for the event name on the entity. The returned
// function deregisters it; calling it more than once is safe.
func (b *Bus) Subscribe(entityID, name string, cb Callback) func() {
	return b.add(entityID, name, cb, false)
}

// Once registers cb to fire at most one time, then deregister itself.
func (b *Bus) Once(entityID, name string, cb Callback) func() {
	return b.add(entityID, name, cb, true)
}

func (b *Bus) add(entityID, name string, cb Callback, once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	names, ok := b.topics[entityID]
	if !ok {
		names = make(map[string]*topic)
		b.topics[entityID] = names
	}
	tp, ok := names[name]
	if !ok {
		tp = &topic{}
		names[name] = tp
	}

	sub := &subscriber{cb: cb, once: once}
	tp.subs = append(tp.subs, sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		sub.removed = true
		b.compact(entityID, name)
	}
}

// Emit delivers payload to every live subscriber of (entityID, name) in
// insertion order. A subscriber removed by an earlier callback in the same
// pass is skipped; unrelated subscribers always run.
func (b *Bus) Emit(entityID, name string, payload any) {
	b.mu.Lock()
	var snapshot []*subscriber
	if names, ok := b.topics[entityID]; ok {
		if tp, ok := names[name]; ok {
			snapshot = make([]*subscriber, len(tp.subs))
			copy(snapshot, tp.subs)
		}
	}
	// One-shot subscribers are claimed under the lock so concurrent emits
	// cannot fire them twice.
	claimed := make(map[*subscriber]bool, len(snapshot))
	for _, sub := range snapshot {
		if sub.once && !sub.removed {
			sub.removed = true
			claimed[sub] = true
		}
	}
	b.compact(entityID, name)
	b.mu.Unlock()

	for _, sub := range snapshot {
		if sub.once {
			if claimed[sub] {
				b.invoke(entityID, name, sub, payload)
			}
			continue
		}
		if !b.isRemoved(sub) {
			b.invoke(entityID, name, sub, payload)
		}
	}
}

func (b *Bus) isRemoved(sub *subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sub.removed
}

func (b *Bus) invoke(entityID, name string, sub *subscriber, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("gridsync: subscriber for %s/%s panicked: %v", entityID, name, r)
		}
	}()
	sub.cb(payload)
}

// SubscriberCount reports live subscribers for an (entity, name) pair.
func (b *Bus) SubscriberCount(entityID, name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	names, ok := b.topics[entityID]
	if !ok {
		return 0
	}
	tp, ok := names[name]
	if !ok {
		return 0
	}
	n := 0
	for _, sub := range tp.subs {
		if !sub.removed {
			n++
		}
	}
	return n
}

// DropEntity releases every subscription registered for the entity.
func (b *Bus) DropEntity(entityID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics, entityID)
}

// compact removes dead subscribers; caller must hold b.mu.
func (b *Bus) compact(entityID, name string) {
	names, ok := b.topics[entityID]
	if !ok {
		return
	}
	tp, ok := names[name]
	if !ok {
		return
	}
	live := tp.subs[:0]
	for _, sub := range tp.subs {
		if !sub.removed {
			live = append(live, sub)
		}
	}
	tp.subs = live
	if len(tp.subs) == 0 {
		delete(names, name)
		if len(names) == 0 {
			delete(b.topics, entityID)
		}
	}
}

// Package optimistic tracks locally applied mutations that await server
// confirmation, rolling them back on explicit rejection or on timeout.
package optimistic

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Defaults for confirmation tracking.
const (
	DefaultConfirmTimeout = 5 * time.Second
	DefaultSweepInterval  = 5 * time.Second
	DefaultStaleAfter     = 10 * time.Second
)

// ErrConfirmTimeout reports that no server confirmation arrived for an
// optimistic mutation within the bounded window.
type ErrConfirmTimeout struct {
	EventID string
	Age     time.Duration
}

func (e ErrConfirmTimeout) Error() string {
	return fmt.Sprintf("no confirmation for optimistic event %s after %s", e.EventID, e.Age)
}

// ErrRejected reports an explicit server rejection of a mutation.
type ErrRejected struct {
	EventID string
	Reason  string
}

func (e ErrRejected) Error() string {
	return fmt.Sprintf("server rejected event %s: %s", e.EventID, e.Reason)
}

// Logger receives queue diagnostics.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Update describes one pending optimistic mutation. The caller has already
// applied the mutation; Rollback must restore the pre-mutation value.
type Update struct {
	// ID is the tracking id for this update.
	ID string
	// EventID is the id of the optimistic event, used to confirm against
	// the canonical stream.
	EventID string
	// Signature is a content-derived key (e.g. "cell-3-4"); a later update
	// with the same signature supersedes tracking of the earlier one.
	Signature string
	// Type is the event type, for diagnostics.
	Type string
	// Rollback restores the pre-mutation value. Required.
	Rollback func(err error)
	// OnSuccess fires when the update is confirmed. Optional.
	OnSuccess func()
	// OnError fires with the rejection or timeout error. Optional.
	OnError func(err error)
}

type pendingUpdate struct {
	Update
	addedAt time.Time
	timer   *clock.Timer
	settled bool
}

// Config controls queue timing. Zero values select the defaults.
type Config struct {
	ConfirmTimeout time.Duration
	SweepInterval  time.Duration
	StaleAfter     time.Duration
	Clock          clock.Clock
	Logger         Logger
}

// Queue tracks pending optimistic updates keyed by content signature. A
// periodic sweep enforces the staleness bound so the pending set never grows
// unbounded on stalled connections.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	pending  map[string]*pendingUpdate // signature -> update
	byEvent  map[string]*pendingUpdate // event id -> update
	done     chan struct{}
	stopOnce sync.Once
}

// NewQueue creates a queue. Call Start to run the staleness sweep.
func NewQueue(cfg Config) *Queue {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	return &Queue{
		cfg:     cfg,
		pending: make(map[string]*pendingUpdate),
		byEvent: make(map[string]*pendingUpdate),
		done:    make(chan struct{}),
	}
}

// Start launches the periodic staleness sweep.
func (q *Queue) Start() {
	ticker := q.cfg.Clock.Ticker(q.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.sweep(q.cfg.Clock.Now())
			case <-q.done:
				return
			}
		}
	}()
}

// Stop halts the sweep. Pending updates stay tracked.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.done) })
}

// Add tracks a new pending update and arms its confirmation timeout. An
// earlier update with the same signature is superseded: its timer stops and
// it is dropped without rollback, since the caller's newer mutation already
// replaced its effect.
func (q *Queue) Add(u Update) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if prev, ok := q.pending[u.Signature]; ok {
		prev.settled = true
		if prev.timer != nil {
			prev.timer.Stop()
		}
		delete(q.byEvent, prev.EventID)
	}

	p := &pendingUpdate{Update: u, addedAt: q.cfg.Clock.Now()}
	p.timer = q.cfg.Clock.AfterFunc(q.cfg.ConfirmTimeout, func() {
		q.expire(p)
	})
	q.pending[u.Signature] = p
	q.byEvent[u.EventID] = p
}

// Confirm marks the update carrying eventID as acknowledged and removes it.
// Returns false when no such update is pending.
func (q *Queue) Confirm(eventID string) bool {
	q.mu.Lock()
	p, ok := q.byEvent[eventID]
	if !ok || p.settled {
		q.mu.Unlock()
		return false
	}
	q.settle(p)
	q.mu.Unlock()

	if p.OnSuccess != nil {
		p.OnSuccess()
	}
	return true
}

// Reject invokes the registered rollback for the update carrying eventID and
// removes it. Returns false when no such update is pending.
func (q *Queue) Reject(eventID string, err error) bool {
	q.mu.Lock()
	p, ok := q.byEvent[eventID]
	if !ok || p.settled {
		q.mu.Unlock()
		return false
	}
	q.settle(p)
	q.mu.Unlock()

	q.fail(p, err)
	return true
}

// Forget removes the update carrying eventID without firing any callback.
// Used when an external conflict resolution already disposed of the
// optimistic mutation. Returns false when no such update is pending.
func (q *Queue) Forget(eventID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.byEvent[eventID]
	if !ok || p.settled {
		return false
	}
	q.settle(p)
	return true
}

// Pending returns the event ids of all unconfirmed updates.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.byEvent))
	for id := range q.byEvent {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the number of pending updates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// expire handles a confirmation timeout firing for one update.
func (q *Queue) expire(p *pendingUpdate) {
	q.mu.Lock()
	if p.settled {
		q.mu.Unlock()
		return
	}
	age := q.cfg.Clock.Now().Sub(p.addedAt)
	q.settle(p)
	q.mu.Unlock()

	q.fail(p, ErrConfirmTimeout{EventID: p.EventID, Age: age})
}

// sweep rolls back updates older than the staleness bound, covering updates
// whose timers were lost to a stalled connection or clock anomaly.
func (q *Queue) sweep(now time.Time) {
	q.mu.Lock()
	var stale []*pendingUpdate
	for _, p := range q.pending {
		if now.Sub(p.addedAt) > q.cfg.StaleAfter {
			stale = append(stale, p)
		}
	}
	for _, p := range stale {
		q.settle(p)
	}
	q.mu.Unlock()

	for _, p := range stale {
		q.cfg.Logger.Printf("gridsync: optimistic event %s stale after %s, rolling back", p.EventID, q.cfg.StaleAfter)
		q.fail(p, ErrConfirmTimeout{EventID: p.EventID, Age: now.Sub(p.addedAt)})
	}
}

// settle removes an update from tracking; caller must hold q.mu.
func (q *Queue) settle(p *pendingUpdate) {
	p.settled = true
	if p.timer != nil {
		p.timer.Stop()
	}
	if cur, ok := q.pending[p.Signature]; ok && cur == p {
		delete(q.pending, p.Signature)
	}
	delete(q.byEvent, p.EventID)
}

// fail runs rollback and error callbacks outside the lock.
func (q *Queue) fail(p *pendingUpdate, err error) {
	if p.Rollback != nil {
		p.Rollback(err)
	}
	if p.OnError != nil {
		p.OnError(err)
	}
}

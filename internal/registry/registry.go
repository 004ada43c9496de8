// Package registry owns the per-entity synchronization state machines: the
// canonical event log, the optimistic overlay, pending conflicts, and the
// readiness lifecycle. It is the seam between the transport layer and the
// derived-state cache.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/puzzleshare/gridsync/internal/bus"
	"github.com/puzzleshare/gridsync/internal/cache"
	"github.com/puzzleshare/gridsync/internal/conflict"
	"github.com/puzzleshare/gridsync/internal/event"
	"github.com/puzzleshare/gridsync/internal/optimistic"
	"github.com/puzzleshare/gridsync/internal/storage"
	"github.com/puzzleshare/gridsync/internal/transport"
)

// Bus topics emitted per entity.
const (
	TopicChange    = "change"
	TopicReady     = "ready"
	TopicConflict  = "conflict"
	TopicResolved  = "conflict_resolved"
	TopicRollback  = "rollback"
	TopicReconnect = "reconnect"
)

// DefaultReadyTimeout bounds how long WaitUntilReady blocks for the create
// event to arrive.
const DefaultReadyTimeout = 30 * time.Second

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Logger receives registry diagnostics.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// ArchiveFetcher retrieves cold events referenced by a sync response.
type ArchiveFetcher interface {
	Fetch(ctx context.Context, url string) ([]event.Event, error)
}

// Config wires the registry's collaborators. Kind, Reducer, Transport,
// Cache, Bus, Queue and Matchers are required; the rest are optional.
type Config struct {
	// Kind is the entity kind segment of paths, e.g. "game".
	Kind      string
	Reducer   event.Reducer
	Transport *transport.Manager
	Cache     *cache.Cache
	Bus       *bus.Bus
	Queue     *optimistic.Queue
	Matchers  *conflict.Registry
	Schemas   *event.SchemaRegistry

	// Store, when set, warm-starts entities from a persisted log and
	// persists canonical events as they arrive.
	Store storage.Store
	// Archive, when set, resolves archive references in sync responses.
	Archive ArchiveFetcher

	ReadyTimeout time.Duration
	Clock        clock.Clock
	Logger       Logger
}

// pushPayload is the wire shape of both entity event pushes and emissions.
type pushPayload struct {
	EntityID string          `json:"entityId"`
	Event    json.RawMessage `json:"event"`
}

type syncRequest struct {
	EntityID string `json:"entityId"`
}

type archiveRef struct {
	URL          string          `json:"url"`
	UnarchivedAt event.Timestamp `json:"unarchivedAt,omitempty"`
}

type syncResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	Events  []json.RawMessage `json:"events"`
	Archive *archiveRef       `json:"archive,omitempty"`
}

// Registry tracks every live entity of one kind and routes transport pushes
// to them. Safe for concurrent use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	entities map[string]*Instance

	offPush func()
}

// New creates a registry and subscribes it to the transport's push stream
// for its entity kind.
func New(cfg Config) (*Registry, error) {
	switch {
	case cfg.Kind == "":
		return nil, fmt.Errorf("registry: entity kind is required")
	case cfg.Reducer == nil:
		return nil, fmt.Errorf("registry: reducer is required")
	case cfg.Transport == nil:
		return nil, fmt.Errorf("registry: transport is required")
	case cfg.Cache == nil:
		return nil, fmt.Errorf("registry: cache is required")
	case cfg.Bus == nil:
		return nil, fmt.Errorf("registry: bus is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("registry: optimistic queue is required")
	case cfg.Matchers == nil:
		return nil, fmt.Errorf("registry: conflict matchers are required")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	r := &Registry{
		cfg:      cfg,
		entities: make(map[string]*Instance),
	}
	r.offPush = cfg.Transport.On(cfg.Kind+"_event", r.handlePush)
	cfg.Transport.OnReconnect(func() {
		go r.resyncAttached()
	})
	return r, nil
}

// Close detaches the registry from the transport push stream. Entities keep
// their in-memory state; the owning client decides what to evict.
func (r *Registry) Close() {
	if r.offPush != nil {
		r.offPush()
	}
}

// ParsePath splits a "/<kind>/<id>" path and validates both segments.
func (r *Registry) ParsePath(path string) (string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] != r.cfg.Kind || !identifierPattern.MatchString(parts[1]) {
		return "", ErrInvalidIdentifier{Input: path}
	}
	return parts[1], nil
}

// GetOrCreate returns the instance for an entity id, creating it on first
// reference. The id must match the identifier grammar.
func (r *Registry) GetOrCreate(entityID string) (*Instance, error) {
	if !identifierPattern.MatchString(entityID) {
		return nil, ErrInvalidIdentifier{Input: entityID}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.entities[entityID]; ok {
		return in, nil
	}
	in := newInstance(entityID, r.cfg.Kind, r.cfg.Clock.Now())
	r.entities[entityID] = in
	return in, nil
}

// get returns a known instance without creating one.
func (r *Registry) get(entityID string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entities[entityID]
}

// Instances snapshots every tracked instance; used by the lifecycle sweep.
func (r *Registry) Instances() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.entities))
	for _, in := range r.entities {
		out = append(out, in)
	}
	return out
}

// Len reports how many entities are tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entities)
}

// Attach joins the entity's live room, warm-starts from the persisted log
// when one exists, and replays recent (and archived) events from the server.
// Attaching an already-attached entity only refreshes its access time.
func (r *Registry) Attach(ctx context.Context, entityID string) (*Instance, error) {
	in, err := r.GetOrCreate(entityID)
	if err != nil {
		return nil, err
	}

	now := r.cfg.Clock.Now()
	in.mu.Lock()
	if in.attached {
		in.touch(now)
		in.mu.Unlock()
		return in, nil
	}
	in.mu.Unlock()

	if r.cfg.Store != nil {
		persisted, err := r.cfg.Store.ListEvents(ctx, entityID)
		if err != nil {
			r.cfg.Logger.Printf("gridsync: warm start for %s failed: %v", entityID, err)
		}
		for _, ev := range persisted {
			r.ingest(in, ev, false)
		}
	}

	if err := r.cfg.Transport.JoinRoom(ctx, r.cfg.Kind, entityID); err != nil {
		return nil, err
	}
	if err := r.syncRecent(ctx, in); err != nil {
		r.cfg.Transport.LeaveRoom(entityID)
		return nil, err
	}

	in.mu.Lock()
	in.attached = true
	in.touch(r.cfg.Clock.Now())
	in.mu.Unlock()
	return in, nil
}

// Detach leaves the entity's room, stops event intake synchronously, and
// releases the entity's cache entry and subscriptions. Idempotent; the
// in-memory log survives so a later Attach resumes cheaply.
func (r *Registry) Detach(entityID string) {
	in := r.get(entityID)
	if in == nil {
		return
	}
	in.mu.Lock()
	wasAttached := in.attached
	in.attached = false
	in.mu.Unlock()
	if wasAttached {
		r.cfg.Transport.LeaveRoom(entityID)
	}
	r.cfg.Cache.Delete(entityID)
	r.cfg.Bus.DropEntity(entityID)
}

// Remove detaches an entity and drops its instance entirely. Persisted
// events are kept.
func (r *Registry) Remove(entityID string) {
	r.Detach(entityID)
	r.mu.Lock()
	delete(r.entities, entityID)
	r.mu.Unlock()
}

// WaitUntilReady blocks until the entity's valid create event has been
// applied, the configured timeout elapses, or ctx is cancelled.
func (r *Registry) WaitUntilReady(ctx context.Context, entityID string) error {
	in, err := r.GetOrCreate(entityID)
	if err != nil {
		return err
	}
	in.mu.Lock()
	ready := in.ready
	ch := in.readyCh
	in.mu.Unlock()
	if ready {
		return nil
	}

	timer := r.cfg.Clock.Timer(r.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrReadyTimeout{EntityID: entityID}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DerivedState folds the entity's events into its current state via the
// computation cache.
func (r *Registry) DerivedState(entityID string) (event.State, error) {
	in := r.get(entityID)
	if in == nil {
		return nil, ErrNotAttached{EntityID: entityID}
	}
	now := r.cfg.Clock.Now()
	in.mu.Lock()
	in.touch(now)
	v := in.viewLocked()
	in.mu.Unlock()
	return r.cfg.Cache.DerivedState(v, r.cfg.Reducer), nil
}

// SubmitEvent applies a mutation optimistically and sends it to the server.
// The returned event carries the assigned id and timestamp. The mutation is
// visible in derived state immediately and is rolled back if the server
// rejects it or never confirms it.
func (r *Registry) SubmitEvent(ctx context.Context, entityID string, ev event.Event) (event.Event, error) {
	in := r.get(entityID)
	if in == nil {
		return event.Event{}, ErrNotAttached{EntityID: entityID}
	}
	in.mu.Lock()
	attached := in.attached
	in.mu.Unlock()
	if !attached {
		return event.Event{}, ErrNotAttached{EntityID: entityID}
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = event.Timestamp(r.cfg.Clock.Now().UnixMilli())
	}
	if err := r.validateParams(ev); err != nil {
		return event.Event{}, err
	}
	if ev.Type == event.TypeCreate {
		if err := event.ValidateCreate(ev); err != nil {
			return event.Event{}, err
		}
	}

	// The pre-mutation state backs the three-way view if this event later
	// conflicts with a server event.
	base := r.cfg.Cache.DerivedState(in.view(), r.cfg.Reducer)

	now := r.cfg.Clock.Now()
	in.mu.Lock()
	in.optimistic = append(in.optimistic, ev)
	in.baseStates[ev.ID] = base
	in.totalEvents++
	in.touch(now)
	in.mu.Unlock()

	eventID := ev.ID
	r.cfg.Queue.Add(optimistic.Update{
		ID:        uuid.New().String(),
		EventID:   eventID,
		Signature: r.signatureFor(ev),
		Type:      ev.Type,
		Rollback: func(err error) {
			r.rollbackOptimistic(in, eventID, err)
		},
	})

	r.cfg.Bus.Emit(entityID, TopicChange, ev)

	raw, err := json.Marshal(ev)
	if err != nil {
		r.cfg.Queue.Reject(eventID, err)
		return event.Event{}, err
	}
	go r.deliver(ctx, in, eventID, pushPayload{EntityID: entityID, Event: raw})
	return ev, nil
}

// deliver sends an optimistic event to the server and translates an explicit
// rejection into a rollback. Transport failures are left to the confirmation
// timeout so a quick reconnect can still land the event.
func (r *Registry) deliver(ctx context.Context, in *Instance, eventID string, p pushPayload) {
	resp, err := r.cfg.Transport.EmitAsync(ctx, r.cfg.Kind+"_event", p)
	if err != nil {
		r.cfg.Logger.Printf("gridsync: delivering event %s for %s: %v", eventID, in.id, err)
		return
	}
	var ack transport.AckResponse
	if err := json.Unmarshal(resp, &ack); err != nil {
		r.cfg.Logger.Printf("gridsync: malformed ack for event %s: %v", eventID, err)
		return
	}
	if !ack.Success {
		r.cfg.Queue.Reject(eventID, optimistic.ErrRejected{EventID: eventID, Reason: ack.Error})
	}
}

// rollbackOptimistic drops a rejected or expired optimistic event and tells
// subscribers the derived state moved backwards.
func (r *Registry) rollbackOptimistic(in *Instance, eventID string, cause error) {
	in.mu.Lock()
	removed := in.removeOptimisticLocked(eventID)
	in.mu.Unlock()
	if !removed {
		return
	}
	r.cfg.Logger.Printf("gridsync: rolled back optimistic event %s on %s: %v", eventID, in.id, cause)
	r.cfg.Bus.Emit(in.id, TopicRollback, cause)
	r.cfg.Bus.Emit(in.id, TopicChange, nil)
}

// ResolveConflict settles a recorded conflict. Local resolution promotes the
// optimistic event into the canonical log and re-sends it so other clients
// converge; server and merge resolutions discard the optimistic event, merge
// additionally recording that the server value was preferred.
func (r *Registry) ResolveConflict(ctx context.Context, entityID, conflictID string, res conflict.Resolution) error {
	in := r.get(entityID)
	if in == nil {
		return ErrNotAttached{EntityID: entityID}
	}

	in.mu.Lock()
	idx := -1
	for i, c := range in.conflicts {
		if c.ID == conflictID {
			idx = i
			break
		}
	}
	if idx < 0 {
		in.mu.Unlock()
		return ErrConflictNotFound{EntityID: entityID, ConflictID: conflictID}
	}
	c := in.conflicts[idx]
	in.conflicts = append(in.conflicts[:idx], in.conflicts[idx+1:]...)

	var promoted *event.Event
	switch res {
	case conflict.ResolutionLocal:
		// The local effect wins: the conflicting canonical event is dropped
		// and the optimistic event takes its place in the log.
		for i, ev := range in.canonical {
			if ev.ID == c.ServerEvent.ID {
				in.canonical = append(in.canonical[:i], in.canonical[i+1:]...)
				break
			}
		}
		if in.removeOptimisticLocked(c.OptimisticEvent.ID) && !in.hasCanonicalLocked(c.OptimisticEvent.ID) {
			in.canonical = append(in.canonical, c.OptimisticEvent)
			ev := c.OptimisticEvent
			promoted = &ev
		}
	case conflict.ResolutionServer:
		in.removeOptimisticLocked(c.OptimisticEvent.ID)
	case conflict.ResolutionMerge:
		in.removeOptimisticLocked(c.OptimisticEvent.ID)
		r.cfg.Logger.Printf("gridsync: merge resolution on %s kept server value for %s", entityID, c.Description)
	default:
		in.conflicts = append(in.conflicts, c)
		in.mu.Unlock()
		return fmt.Errorf("unknown conflict resolution %q", res)
	}
	in.mu.Unlock()

	r.cfg.Queue.Forget(c.OptimisticEvent.ID)

	if promoted != nil {
		r.persist(entityID, *promoted)
		if raw, err := json.Marshal(*promoted); err == nil {
			if err := r.cfg.Transport.Emit(ctx, r.cfg.Kind+"_event", pushPayload{EntityID: entityID, Event: raw}); err != nil {
				r.cfg.Logger.Printf("gridsync: re-sending locally resolved event %s: %v", promoted.ID, err)
			}
		}
	}

	r.cfg.Bus.Emit(entityID, TopicResolved, c)
	r.cfg.Bus.Emit(entityID, TopicChange, nil)
	return nil
}

// handlePush routes a live server push to its instance. Pushes for entities
// this client never referenced, or has detached, are dropped.
func (r *Registry) handlePush(payload json.RawMessage) {
	var p pushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.cfg.Logger.Printf("gridsync: malformed %s_event push: %v", r.cfg.Kind, err)
		return
	}
	in := r.get(p.EntityID)
	if in == nil {
		return
	}
	if !in.Attached() {
		r.cfg.Logger.Printf("gridsync: dropping pushed event for detached entity %s", p.EntityID)
		return
	}
	ev, err := event.DecodeWire(p.Event, r.cfg.Schemas)
	if err != nil {
		r.cfg.Logger.Printf("gridsync: rejected pushed event for %s: %v", p.EntityID, err)
		return
	}
	r.ingest(in, ev, true)
}

// ingest applies one canonical event: confirms a matching optimistic event,
// records a conflict when the server event collides with a non-matching
// pending one, and appends to the canonical log. Duplicate ids are ignored.
func (r *Registry) ingest(in *Instance, ev event.Event, persist bool) {
	now := r.cfg.Clock.Now()

	in.mu.Lock()
	if in.hasCanonicalLocked(ev.ID) {
		in.touch(now)
		in.mu.Unlock()
		return
	}
	in.touch(now)
	in.totalEvents++

	if ev.Type == event.TypeCreate {
		create := ev
		in.createEvent = &create
		valid := event.ValidateCreate(ev) == nil
		if valid {
			in.markReady()
		} else {
			in.resetReady()
		}
		in.mu.Unlock()

		// A replaced or invalid create invalidates every cached fold.
		r.cfg.Cache.Delete(in.id)
		if !valid {
			r.cfg.Logger.Printf("gridsync: entity %s received invalid create event %s", in.id, ev.ID)
		} else {
			r.cfg.Bus.Emit(in.id, TopicReady, ev)
		}
		if persist {
			r.persist(in.id, ev)
		}
		r.cfg.Bus.Emit(in.id, TopicChange, ev)
		return
	}

	var confirmedID string
	var conf *conflict.Conflict
	if idx := r.cfg.Matchers.FindMatch(in.optimistic, ev); idx >= 0 {
		confirmedID = in.optimistic[idx].ID
		in.optimistic = append(in.optimistic[:idx], in.optimistic[idx+1:]...)
		delete(in.baseStates, confirmedID)
	} else if conf = r.cfg.Matchers.Detect(in.optimistic, ev, nil, now); conf != nil {
		conf.BaseState = in.baseStates[conf.OptimisticEvent.ID]
		in.conflicts = append(in.conflicts, *conf)
	}
	in.canonical = append(in.canonical, ev)
	in.mu.Unlock()

	if confirmedID != "" {
		r.cfg.Queue.Confirm(confirmedID)
	}
	if persist {
		r.persist(in.id, ev)
	}
	if conf != nil {
		// The conflict supersedes confirmation tracking: resolution decides
		// the optimistic event's fate, not the ack timeout, which would
		// otherwise roll it back while the conflict is still pending.
		r.cfg.Queue.Forget(conf.OptimisticEvent.ID)
		r.cfg.Logger.Printf("gridsync: conflict on %s: %s", in.id, conf.Description)
		r.cfg.Bus.Emit(in.id, TopicConflict, *conf)
	}
	r.cfg.Bus.Emit(in.id, TopicChange, ev)
}

// syncRecent replays the server's recent events for one entity, chasing the
// archive reference when the response carries one.
func (r *Registry) syncRecent(ctx context.Context, in *Instance) error {
	raw, err := r.cfg.Transport.EmitAsync(ctx, "sync_recent_events", syncRequest{EntityID: in.id})
	if err != nil {
		return err
	}
	var resp syncResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode sync response for %s: %w", in.id, err)
	}
	if !resp.Success {
		return fmt.Errorf("sync for %s rejected: %s", in.id, resp.Error)
	}

	if resp.Archive != nil && resp.Archive.URL != "" && r.cfg.Archive != nil {
		archived, err := r.cfg.Archive.Fetch(ctx, resp.Archive.URL)
		if err != nil {
			r.cfg.Logger.Printf("gridsync: archive fetch for %s failed: %v", in.id, err)
		}
		for _, ev := range archived {
			r.ingest(in, ev, true)
		}
	}

	for _, rawEv := range resp.Events {
		ev, err := event.DecodeWire(rawEv, r.cfg.Schemas)
		if err != nil {
			r.cfg.Logger.Printf("gridsync: skipping malformed synced event for %s: %v", in.id, err)
			continue
		}
		r.ingest(in, ev, true)
	}
	return nil
}

// resyncAttached re-fetches recent events for every attached entity after a
// reconnect, closing the gap between the drop and the re-join. Subscribers
// hear about the reconnect once the entity's log is current again.
func (r *Registry) resyncAttached() {
	for _, in := range r.Instances() {
		if !in.Attached() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultAckTimeout)
		if err := r.syncRecent(ctx, in); err != nil {
			r.cfg.Logger.Printf("gridsync: resync for %s failed: %v", in.id, err)
		}
		cancel()
		r.cfg.Bus.Emit(in.id, TopicReconnect, nil)
	}
}

// persist appends one canonical event to the persistent log, best effort.
func (r *Registry) persist(entityID string, ev event.Event) {
	if r.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.cfg.Store.AppendEvents(ctx, entityID, []event.Event{ev}); err != nil {
		r.cfg.Logger.Printf("gridsync: persisting event %s for %s: %v", ev.ID, entityID, err)
	}
}

// signatureFor derives the supersession key for an optimistic event: two
// pending events touching the same resource track as one.
func (r *Registry) signatureFor(ev event.Event) string {
	if res, ok := r.cfg.Matchers.Resource(ev); ok {
		return res
	}
	return ev.ID
}

// validateParams checks the event's params against the registered schema.
func (r *Registry) validateParams(ev event.Event) error {
	if r.cfg.Schemas == nil || ev.Params == nil {
		return nil
	}
	raw, err := json.Marshal(ev.Params)
	if err != nil {
		return err
	}
	return r.cfg.Schemas.ValidateEvent(ev.Type, raw)
}

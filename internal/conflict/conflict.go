// Package conflict matches incoming canonical events against pending
// optimistic events and classifies collisions on the same resource.
//
// Matching strategies are pluggable per event type so new domain event types
// can add rules without touching shared logic.
package conflict

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puzzleshare/gridsync/internal/event"
)

// Type classifies how far apart the two sides of a conflict are.
type Type string

const (
	// Simple means only the value differs and all structural fields agree.
	Simple Type = "simple"
	// Complex means the events disagree structurally.
	Complex Type = "complex"
)

// Resolution selects which side of a conflict survives.
type Resolution string

const (
	// ResolutionLocal keeps the optimistic event's effect and discards the
	// conflicting canonical event.
	ResolutionLocal Resolution = "local"
	// ResolutionServer discards the optimistic event.
	ResolutionServer Resolution = "server"
	// ResolutionMerge is a policy hook; the default policy prefers the
	// server event and logs the decision.
	ResolutionMerge Resolution = "merge"
)

// Conflict is a detected collision between an optimistic event and a
// canonical event targeting the same resource. It is a first-class state
// requiring resolution, not an error.
type Conflict struct {
	ID              string
	OptimisticEvent event.Event
	ServerEvent     event.Event
	BaseState       event.State
	Type            Type
	Description     string
	Timestamp       time.Time
}

// Matcher decides whether a canonical event confirms a pending optimistic
// event of the same type, and names the logical resource an event targets.
type Matcher interface {
	// Matches reports whether canonical is the server-confirmed form of
	// optimistic, tolerant of server-side transformation of non-essential
	// fields.
	Matches(optimistic, canonical event.Event) bool

	// Resource returns a stable signature for the resource the event
	// targets (e.g. "cell-3-4"). ok is false when the event type has no
	// conflict-relevant resource.
	Resource(ev event.Event) (string, bool)
}

// Classifier optionally refines the conflict type for a matcher's event type.
type Classifier interface {
	Classify(optimistic, canonical event.Event) Type
}

// Registry holds per-event-type matchers plus the generic fallbacks: event
// id equality first, then a timestamp-proximity heuristic for types without
// a registered matcher.
type Registry struct {
	matchers    map[string]Matcher
	matchWindow time.Duration
}

// DefaultMatchWindow bounds the timestamp-proximity fallback; it absorbs
// minor clock skew between producer and server.
const DefaultMatchWindow = 2 * time.Second

// NewRegistry creates a registry with the built-in cell matcher installed.
func NewRegistry() *Registry {
	r := &Registry{
		matchers:    make(map[string]Matcher),
		matchWindow: DefaultMatchWindow,
	}
	r.Register(event.TypeUpdateCell, CellMatcher{})
	r.Register(event.TypeUpdateCursor, CursorMatcher{})
	return r
}

// Register installs a matcher for an event type, replacing any previous one.
func (r *Registry) Register(eventType string, m Matcher) {
	r.matchers[eventType] = m
}

// SetMatchWindow overrides the proximity fallback window.
func (r *Registry) SetMatchWindow(d time.Duration) {
	r.matchWindow = d
}

// Resource names the logical resource targeted by an event, consulting the
// type's matcher first.
func (r *Registry) Resource(ev event.Event) (string, bool) {
	if m, ok := r.matchers[ev.Type]; ok {
		return m.Resource(ev)
	}
	return genericResource(ev)
}

// Match reports whether canonical confirms optimistic. Strategies are tried
// in order: identical event id, type-specific content equality, and the
// timestamp-proximity fallback.
func (r *Registry) Match(optimistic, canonical event.Event) bool {
	if optimistic.ID != "" && optimistic.ID == canonical.ID {
		return true
	}
	if m, ok := r.matchers[canonical.Type]; ok {
		return m.Matches(optimistic, canonical)
	}
	return r.proximityMatch(optimistic, canonical)
}

// proximityMatch absorbs minor clock skew for types without a matcher: same
// type, same user, same resource, timestamps within the window.
func (r *Registry) proximityMatch(optimistic, canonical event.Event) bool {
	if optimistic.Type != canonical.Type || optimistic.User != canonical.User {
		return false
	}
	or, ok := genericResource(optimistic)
	if !ok {
		return false
	}
	cr, ok := genericResource(canonical)
	if !ok || or != cr {
		return false
	}
	delta := int64(canonical.Timestamp) - int64(optimistic.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Millisecond <= r.matchWindow
}

// FindMatch returns the index of the pending optimistic event confirmed by
// canonical, or -1 when none matches.
func (r *Registry) FindMatch(pending []event.Event, canonical event.Event) int {
	for i, opt := range pending {
		if r.Match(opt, canonical) {
			return i
		}
	}
	return -1
}

// Detect raises a conflict when canonical targets the same resource and type
// as an unmatched pending optimistic event. base is the state that existed
// before the optimistic mutation was applied.
func (r *Registry) Detect(pending []event.Event, canonical event.Event, base event.State, now time.Time) *Conflict {
	resource, ok := r.Resource(canonical)
	if !ok {
		return nil
	}
	for _, opt := range pending {
		if opt.Type != canonical.Type {
			continue
		}
		optRes, ok := r.Resource(opt)
		if !ok || optRes != resource {
			continue
		}
		kind := r.classify(opt, canonical)
		return &Conflict{
			ID:              uuid.New().String(),
			OptimisticEvent: opt,
			ServerEvent:     canonical,
			BaseState:       base,
			Type:            kind,
			Description:     describe(resource, opt, canonical),
			Timestamp:       now,
		}
	}
	return nil
}

func (r *Registry) classify(optimistic, canonical event.Event) Type {
	if m, ok := r.matchers[canonical.Type]; ok {
		if c, ok := m.(Classifier); ok {
			return c.Classify(optimistic, canonical)
		}
	}
	return Complex
}

func describe(resource string, optimistic, canonical event.Event) string {
	if o, ok := optimistic.Params.(event.CellParams); ok {
		if c, ok := canonical.Params.(event.CellParams); ok {
			return fmt.Sprintf("%s edited concurrently: local %q by %s vs server %q by %s",
				resource, o.Value, optimistic.User, c.Value, canonical.User)
		}
	}
	return fmt.Sprintf("%s: concurrent %s events from %s and %s",
		resource, canonical.Type, optimistic.User, canonical.User)
}

// genericResource extracts a resource signature from the typed params the
// core knows about.
func genericResource(ev event.Event) (string, bool) {
	switch p := ev.Params.(type) {
	case event.CellParams:
		return p.Cell.String(), true
	case event.CursorParams:
		return "cursor-" + ev.User, true
	default:
		return "", false
	}
}

// CellMatcher implements content matching for updateCell events: same
// coordinates, same value, same originating user. Color and pencil flags are
// non-essential and may be rewritten by the server.
type CellMatcher struct{}

// Matches implements Matcher.
func (CellMatcher) Matches(optimistic, canonical event.Event) bool {
	o, ok := optimistic.Params.(event.CellParams)
	if !ok {
		return false
	}
	c, ok := canonical.Params.(event.CellParams)
	if !ok {
		return false
	}
	return o.Cell == c.Cell && o.Value == c.Value && optimistic.User == canonical.User
}

// Resource implements Matcher.
func (CellMatcher) Resource(ev event.Event) (string, bool) {
	p, ok := ev.Params.(event.CellParams)
	if !ok {
		return "", false
	}
	return p.Cell.String(), true
}

// Classify implements Classifier: a cell collision is simple when only the
// value differs.
func (CellMatcher) Classify(optimistic, canonical event.Event) Type {
	o, ok := optimistic.Params.(event.CellParams)
	if !ok {
		return Complex
	}
	c, ok := canonical.Params.(event.CellParams)
	if !ok {
		return Complex
	}
	if o.Cell == c.Cell && o.Pencil == c.Pencil {
		return Simple
	}
	return Complex
}

// CursorMatcher matches cursor moves by owner; a user's own cursor never
// conflicts with another user's.
type CursorMatcher struct{}

// Matches implements Matcher.
func (CursorMatcher) Matches(optimistic, canonical event.Event) bool {
	o, ok := optimistic.Params.(event.CursorParams)
	if !ok {
		return false
	}
	c, ok := canonical.Params.(event.CursorParams)
	if !ok {
		return false
	}
	return o.Cell == c.Cell && optimistic.User == canonical.User
}

// Resource implements Matcher. Cursor position is per-user state, so the
// resource is scoped to the owner.
func (CursorMatcher) Resource(ev event.Event) (string, bool) {
	if _, ok := ev.Params.(event.CursorParams); !ok {
		return "", false
	}
	return "cursor-" + ev.User, true
}

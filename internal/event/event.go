// Package event defines the shared vocabulary of the sync core: the Event
// envelope exchanged with the server, the wire timestamp format, and the
// reducer contract used to fold an event log into derived state.
//
// The core treats event types as opaque state transitions. The single
// exception is the create event, which carries an entity's initial state and
// must validate before the entity is usable.
package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Well-known event types. Only TypeCreate has meaning to the core; the rest
// exist so their params decode into typed records at the transport boundary.
const (
	TypeCreate       = "create"
	TypeUpdateCell   = "updateCell"
	TypeUpdateCursor = "updateCursor"
	TypeCheck        = "check"
	TypeReveal       = "reveal"
	TypeReset        = "reset"
	TypeStartClock   = "startClock"
	TypePauseClock   = "pauseClock"
	TypeChat         = "chat"
)

// State is the derived application state produced by a Reducer. Its shape is
// owned entirely by the embedding application.
type State = any

// ApplyOptions is passed to the reducer on every application.
type ApplyOptions struct {
	// Optimistic is true when the event is a locally issued, not yet
	// confirmed mutation.
	Optimistic bool
}

// Reducer is the externally supplied pure function mapping
// (priorState, event) to nextState. It must not retain or mutate its inputs.
type Reducer func(prior State, ev Event, opt ApplyOptions) State

// Timestamp is a millisecond wall-clock timestamp. Servers have historically
// sent it as either a JSON number or a numeric string, so both forms decode.
type Timestamp int64

// MarshalJSON encodes the timestamp as a JSON number.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(t), 10)), nil
}

// UnmarshalJSON accepts both 1706707200000 and "1706707200000".
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	// Tolerate fractional milliseconds from float producers.
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", string(data), err)
	}
	*t = Timestamp(n)
	return nil
}

// Event is a single mutation in an entity's log.
// ID is globally unique and assigned by the producer before transmission.
// Canonical events are totally ordered by Timestamp (ID breaks ties).
type Event struct {
	ID        string
	Type      string
	Timestamp Timestamp
	User      string
	Params    Params
}

// wireEvent is the JSON envelope; params stay raw until decoded by type.
type wireEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp Timestamp       `json:"timestamp"`
	User      *string         `json:"user"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// MarshalJSON encodes the event with its params in wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if e.Params != nil {
		b, err := json.Marshal(e.Params)
		if err != nil {
			return nil, fmt.Errorf("encode params for %s: %w", e.Type, err)
		}
		raw = b
	}
	var user *string
	if e.User != "" {
		user = &e.User
	}
	return json.Marshal(wireEvent{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		User:      user,
		Params:    raw,
	})
}

// UnmarshalJSON decodes the envelope and resolves params into the tagged
// union keyed by the event type. Unknown types keep their raw params.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	params, err := decodeParams(w.Type, w.Params)
	if err != nil {
		return err
	}
	e.ID = w.ID
	e.Type = w.Type
	e.Timestamp = w.Timestamp
	if w.User != nil {
		e.User = *w.User
	} else {
		e.User = ""
	}
	e.Params = params
	return nil
}

// SortByTimestamp orders events by timestamp ascending, using the event id
// as a deterministic tie-breaker. The sort is stable with respect to input
// order for fully identical keys.
func SortByTimestamp(evs []Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].Timestamp != evs[j].Timestamp {
			return evs[i].Timestamp < evs[j].Timestamp
		}
		return evs[i].ID < evs[j].ID
	})
}

// Reduce folds the reducer over a create event followed by the given events.
// Canonical events must already be in the desired order; optimistic events
// are applied afterwards with ApplyOptions.Optimistic set.
func Reduce(r Reducer, create *Event, canonical, optimistic []Event) State {
	var state State
	if create != nil {
		state = r(state, *create, ApplyOptions{})
	}
	for _, ev := range canonical {
		state = r(state, ev, ApplyOptions{})
	}
	for _, ev := range optimistic {
		state = r(state, ev, ApplyOptions{Optimistic: true})
	}
	return state
}

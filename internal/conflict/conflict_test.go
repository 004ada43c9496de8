package conflict

import (
	"testing"
	"time"

	"github.com/puzzleshare/gridsync/internal/event"
)

func cellEvent(id, user, value string, row, col int, ts event.Timestamp) event.Event {
	return event.Event{
		ID:        id,
		Type:      event.TypeUpdateCell,
		Timestamp: ts,
		User:      user,
		Params:    event.CellParams{Cell: event.Coord{Row: row, Col: col}, Value: value},
	}
}

func TestMatchByID(t *testing.T) {
	r := NewRegistry()

	opt := cellEvent("ev-1", "alice", "A", 3, 4, 100)
	canon := cellEvent("ev-1", "alice", "B", 9, 9, 999) // id wins over content

	if !r.Match(opt, canon) {
		t.Error("identical event ids must match")
	}
}

func TestMatchByCellContent(t *testing.T) {
	r := NewRegistry()

	opt := cellEvent("local-1", "alice", "A", 3, 4, 100)
	canon := cellEvent("server-7", "alice", "A", 3, 4, 230)
	canon.Params = event.CellParams{
		Cell:  event.Coord{Row: 3, Col: 4},
		Value: "A",
		Color: "#fe5", // server-assigned, non-essential
	}

	if !r.Match(opt, canon) {
		t.Error("same cell, value and user must match despite transformed fields")
	}
}

func TestMatchRejectsDifferentValue(t *testing.T) {
	r := NewRegistry()

	opt := cellEvent("local-1", "alice", "A", 3, 4, 100)
	canon := cellEvent("server-7", "bob", "B", 3, 4, 100)

	if r.Match(opt, canon) {
		t.Error("different value and user must not match")
	}
}

func TestProximityFallback(t *testing.T) {
	r := NewRegistry()

	opt := event.Event{
		ID: "local-1", Type: "powerup", User: "alice", Timestamp: 1000,
		Params: event.RawParams(`{"kind":"freeze"}`),
	}
	canon := opt
	canon.ID = "server-9"
	canon.Timestamp = 2500

	// Unknown types have no resource signature, so proximity cannot apply.
	if r.Match(opt, canon) {
		t.Error("resource-less types must not proximity-match")
	}
}

func TestProximityMatchCursor(t *testing.T) {
	r := NewRegistry()
	r.matchers = map[string]Matcher{} // force fallback path

	opt := event.Event{
		ID: "local-1", Type: event.TypeUpdateCursor, User: "alice", Timestamp: 1000,
		Params: event.CursorParams{Cell: event.Coord{Row: 1, Col: 1}},
	}
	canon := opt
	canon.ID = "server-2"
	canon.Timestamp = 1900 // within the 2s window

	if !r.Match(opt, canon) {
		t.Error("same type/user/resource within window must match")
	}

	canon.Timestamp = 4000
	if r.Match(opt, canon) {
		t.Error("events outside the window must not match")
	}
}

func TestDetectSimpleConflict(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1706707200, 0)

	pending := []event.Event{cellEvent("local-1", "alice", "A", 3, 4, 100)}
	canon := cellEvent("server-7", "bob", "B", 3, 4, 150)

	c := r.Detect(pending, canon, "base-state", now)
	if c == nil {
		t.Fatal("expected a conflict")
	}
	if c.Type != Simple {
		t.Errorf("type = %s, want simple", c.Type)
	}
	if c.OptimisticEvent.ID != "local-1" || c.ServerEvent.ID != "server-7" {
		t.Error("conflict must reference both events")
	}
	if c.BaseState != "base-state" {
		t.Errorf("base state = %v", c.BaseState)
	}
	if c.Description == "" {
		t.Error("conflict needs a human-readable description")
	}
	if !c.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", c.Timestamp, now)
	}
}

func TestDetectComplexConflict(t *testing.T) {
	r := NewRegistry()

	opt := cellEvent("local-1", "alice", "A", 3, 4, 100)
	opt.Params = event.CellParams{Cell: event.Coord{Row: 3, Col: 4}, Value: "A", Pencil: true}
	canon := cellEvent("server-7", "bob", "B", 3, 4, 150)

	c := r.Detect([]event.Event{opt}, canon, nil, time.Now())
	if c == nil {
		t.Fatal("expected a conflict")
	}
	if c.Type != Complex {
		t.Errorf("type = %s, want complex for structural disagreement", c.Type)
	}
}

func TestNoConflictForDifferentCell(t *testing.T) {
	r := NewRegistry()

	pending := []event.Event{cellEvent("local-1", "alice", "A", 3, 4, 100)}
	canon := cellEvent("server-7", "bob", "B", 5, 6, 150)

	if c := r.Detect(pending, canon, nil, time.Now()); c != nil {
		t.Errorf("different cells must not conflict: %+v", c)
	}
}

func TestNoFalseConflictOnIdenticalValues(t *testing.T) {
	r := NewRegistry()

	// Identical values from different users: the canonical event should be
	// treated as a match by the detector's caller, but even straight
	// detection shows the two agree structurally. The registry-level
	// contract is exercised end to end in the registry package; here we
	// check Match absorbs it before Detect would run.
	opt := cellEvent("local-1", "alice", "A", 3, 4, 100)
	canon := cellEvent("server-7", "alice", "A", 3, 4, 160)

	if !r.Match(opt, canon) {
		t.Error("identical content from same user must match, not conflict")
	}
}

func TestFindMatch(t *testing.T) {
	r := NewRegistry()

	pending := []event.Event{
		cellEvent("local-1", "alice", "A", 1, 1, 100),
		cellEvent("local-2", "alice", "B", 2, 2, 110),
	}
	canon := cellEvent("server-1", "alice", "B", 2, 2, 140)

	if i := r.FindMatch(pending, canon); i != 1 {
		t.Errorf("FindMatch = %d, want 1", i)
	}

	other := cellEvent("server-2", "bob", "Z", 9, 9, 140)
	if i := r.FindMatch(pending, other); i != -1 {
		t.Errorf("FindMatch = %d, want -1", i)
	}
}

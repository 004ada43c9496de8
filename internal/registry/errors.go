package registry

import "fmt"

// ErrInvalidIdentifier is returned for malformed entity paths or ids,
// rejected before any I/O.
type ErrInvalidIdentifier struct {
	Input string
}

func (e ErrInvalidIdentifier) Error() string {
	return fmt.Sprintf("invalid entity identifier: %q", e.Input)
}

// ErrReadyTimeout is returned when an entity does not become ready within
// the wait window.
type ErrReadyTimeout struct {
	EntityID string
}

func (e ErrReadyTimeout) Error() string {
	return "timed out waiting for entity to become ready: " + e.EntityID
}

// ErrNotAttached is returned when an operation requires an attached entity.
type ErrNotAttached struct {
	EntityID string
}

func (e ErrNotAttached) Error() string {
	return "entity not attached: " + e.EntityID
}

// ErrConflictNotFound is returned when resolving an unknown conflict id.
type ErrConflictNotFound struct {
	EntityID   string
	ConflictID string
}

func (e ErrConflictNotFound) Error() string {
	return fmt.Sprintf("no pending conflict %s on entity %s", e.ConflictID, e.EntityID)
}

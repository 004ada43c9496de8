// Package storage defines the persistent event log used to warm-start
// entities across process restarts.
package storage

import (
	"context"
	"fmt"

	"github.com/puzzleshare/gridsync/internal/event"
)

// ErrEntityNotFound indicates no persisted log exists for an entity.
type ErrEntityNotFound struct {
	EntityID string
}

func (e ErrEntityNotFound) Error() string {
	return fmt.Sprintf("no persisted events for entity %s", e.EntityID)
}

// Store is an append-only per-entity event log. Implementations must be safe
// for concurrent use.
type Store interface {
	// AppendEvents persists canonical events for an entity. Duplicate event
	// ids are ignored rather than rejected.
	AppendEvents(ctx context.Context, entityID string, events []event.Event) error

	// ListEvents returns every persisted event for an entity in timestamp
	// order. A missing entity yields an empty slice, not an error.
	ListEvents(ctx context.Context, entityID string) ([]event.Event, error)

	// DeleteEntity removes an entity's log entirely.
	DeleteEntity(ctx context.Context, entityID string) error

	// Close releases underlying resources.
	Close() error
}

// Package gridsync is the client-side synchronization core for collaborative
// puzzle solving.
//
// This is the only package embedding applications should import. Entity
// state is an event-sourced fold: the relay's canonical event log plus a
// local optimistic overlay, reduced by an application-supplied Reducer.
//
// Example usage:
//
//	c, err := gridsync.New(gridsync.Config{
//	    ServerURL: "wss://relay.puzzleshare.app/socket",
//	    Reducer:   myReducer,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	if err := c.Attach(ctx, "abc123"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.WaitUntilReady(ctx, "abc123"); err != nil {
//	    log.Fatal(err)
//	}
//	state, _ := c.State("abc123")
package gridsync

import (
	"context"
	"time"
)

// DefaultShareBaseURL is where join links point unless overridden.
const DefaultShareBaseURL = "https://puzzleshare.app"

// Logger receives client diagnostics; log.Printf satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Config contains configuration options for the client.
type Config struct {
	// ServerURL is the websocket URL of the relay. Required.
	ServerURL string

	// Reducer folds events into application state. Required.
	Reducer Reducer

	// Kind is the entity kind segment of paths and room names.
	// Defaults to "game".
	Kind string

	// DataDir enables the local event-log store and chat search index.
	// If empty and InMemory is false, both are disabled.
	DataDir string

	// InMemory uses an in-memory store and index. DataDir is ignored.
	InMemory bool

	// ShareBaseURL is the base for join links.
	// Defaults to DefaultShareBaseURL.
	ShareBaseURL string

	// Matchers adds or overrides conflict matchers per event type, on top
	// of the built-in cell and cursor matchers.
	Matchers map[string]Matcher

	// Logger receives diagnostics. Defaults to a no-op.
	Logger Logger
}

// Client is the main interface for gridsync.
type Client interface {
	// Attach joins an entity's live stream and replays its history.
	Attach(ctx context.Context, entityID string) error

	// Detach leaves the live stream; in-memory state is kept for cheap
	// re-attach until the lifecycle sweep evicts it.
	Detach(entityID string)

	// WaitUntilReady blocks until the entity's create event has arrived.
	WaitUntilReady(ctx context.Context, entityID string) error

	// State computes the entity's current derived state.
	State(entityID string) (State, error)

	// Submit applies a mutation optimistically and sends it to the relay.
	// The returned event carries the assigned id and timestamp.
	Submit(ctx context.Context, entityID string, ev Event) (Event, error)

	// Subscribe registers a callback for one entity topic (TopicChange,
	// TopicConflict, ...). The returned function unsubscribes.
	Subscribe(entityID, topic string, fn func(payload any)) func()

	// Conflicts lists the entity's unresolved conflicts.
	Conflicts(entityID string) ([]Conflict, error)

	// Resolve settles one conflict.
	Resolve(ctx context.Context, entityID, conflictID string, res Resolution) error

	// SearchChat queries the chat history index. Empty entityID searches
	// across entities.
	SearchChat(query, entityID string, limit int) ([]ChatHit, error)

	// JoinLink builds a shareable link to the entity.
	JoinLink(entityID string) (Link, error)

	// JoinLinkQR renders the entity's join link as a PNG QR code.
	JoinLinkQR(entityID string, size int) ([]byte, error)

	// Latency reports the last heartbeat round-trip time.
	Latency() time.Duration

	// Connected reports whether the relay connection is up.
	Connected() bool

	// Close disconnects and releases all resources.
	Close() error
}

package gridsync

import (
	"github.com/puzzleshare/gridsync/internal/conflict"
	"github.com/puzzleshare/gridsync/internal/event"
	"github.com/puzzleshare/gridsync/internal/registry"
	"github.com/puzzleshare/gridsync/internal/search"
	"github.com/puzzleshare/gridsync/internal/share"
)

// Core event model, re-exported for embedding applications.
type (
	Event        = event.Event
	Params       = event.Params
	State        = event.State
	Reducer      = event.Reducer
	ApplyOptions = event.ApplyOptions
	Timestamp    = event.Timestamp
	Coord        = event.Coord

	CreateParams = event.CreateParams
	GameSeed     = event.GameSeed
	CellParams   = event.CellParams
	CursorParams = event.CursorParams
	ScopeParams  = event.ScopeParams
	ClockParams  = event.ClockParams
	ChatParams   = event.ChatParams
	RawParams    = event.RawParams
)

// Conflict handling.
type (
	Conflict   = conflict.Conflict
	Resolution = conflict.Resolution
	Matcher    = conflict.Matcher
)

// Sharing and search.
type (
	Link    = share.Link
	ChatHit = search.SearchResult
)

// Event type constants.
const (
	TypeCreate       = event.TypeCreate
	TypeUpdateCell   = event.TypeUpdateCell
	TypeUpdateCursor = event.TypeUpdateCursor
	TypeCheck        = event.TypeCheck
	TypeReveal       = event.TypeReveal
	TypeReset        = event.TypeReset
	TypeStartClock   = event.TypeStartClock
	TypePauseClock   = event.TypePauseClock
	TypeChat         = event.TypeChat
)

// Conflict resolutions.
const (
	ResolutionLocal  = conflict.ResolutionLocal
	ResolutionServer = conflict.ResolutionServer
	ResolutionMerge  = conflict.ResolutionMerge
)

// Subscription topics, scoped per entity.
const (
	TopicChange    = registry.TopicChange
	TopicReady     = registry.TopicReady
	TopicConflict  = registry.TopicConflict
	TopicResolved  = registry.TopicResolved
	TopicRollback  = registry.TopicRollback
	TopicReconnect = registry.TopicReconnect
)

// Package transport maintains the process-wide realtime connection to the
// relay server: a single memoized dial shared by concurrent callers,
// request/acknowledgment semantics with timeout, automatic reconnection with
// room re-join and handler re-arming, and a heartbeat used purely for
// latency measurement.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Defaults for connection behavior.
const (
	DefaultAckTimeout        = 30 * time.Second
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultReconnectMinDelay = 250 * time.Millisecond
	DefaultReconnectMaxDelay = 5 * time.Second
)

// ErrAckTimeout reports that no acknowledgment arrived within the bounded
// window for a request.
type ErrAckTimeout struct {
	Event string
	After time.Duration
}

func (e ErrAckTimeout) Error() string {
	return fmt.Sprintf("no acknowledgment for %s after %s", e.Event, e.After)
}

// ErrTransportUnavailable reports that the connection is down and the
// operation could not be queued behind a reconnect.
type ErrTransportUnavailable struct {
	Cause error
}

func (e ErrTransportUnavailable) Error() string {
	if e.Cause == nil {
		return "transport unavailable"
	}
	return "transport unavailable: " + e.Cause.Error()
}

func (e ErrTransportUnavailable) Unwrap() error { return e.Cause }

// ErrClosed reports use of a manager after Close.
type ErrClosed struct{}

func (ErrClosed) Error() string { return "transport manager closed" }

// Logger receives connection diagnostics.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Socket is one established connection. gorilla/websocket connections are
// adapted via DialWebsocket; tests substitute in-memory pairs.
type Socket interface {
	// ReadMessage blocks for the next text frame.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one text frame. Callers serialize writes.
	WriteMessage(data []byte) error
	// Close tears the connection down, unblocking ReadMessage.
	Close() error
}

// Dialer establishes a Socket to the given URL.
type Dialer func(ctx context.Context, url string) (Socket, error)

// Handler receives the raw payload of a server push.
type Handler func(payload json.RawMessage)

// frame is the wire envelope. Requests set Ack to request an acknowledgment;
// the server answers with Event "ack" and the same Ack id.
type frame struct {
	Event   string          `json:"event"`
	Ack     string          `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckResponse is the payload shape of mutation acknowledgments.
type AckResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Config controls the manager. Zero values select defaults.
type Config struct {
	URL               string
	Dialer            Dialer
	AckTimeout        time.Duration
	HeartbeatInterval time.Duration
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	Clock             clock.Clock
	Logger            Logger
}

type roomJoin struct {
	event   string
	payload json.RawMessage
}

type handlerEntry struct {
	fn      Handler
	removed bool
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// Manager owns the connection lifecycle. It is safe for concurrent use.
type Manager struct {
	cfg Config

	mu           sync.Mutex
	sock         Socket
	pending      *connectAttempt
	wasConnected bool
	closed       bool
	handlers     map[string][]*handlerEntry
	rooms        map[string]roomJoin // entity id -> join message
	acks         map[string]chan json.RawMessage
	onReconnect  []func()

	writeMu sync.Mutex // serializes socket writes

	latency atomic.Int64 // nanoseconds, from heartbeat
}

// NewManager creates a manager; no connection is attempted until Connect,
// Emit, or EmitAsync is called.
func NewManager(cfg Config) *Manager {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectMinDelay <= 0 {
		cfg.ReconnectMinDelay = DefaultReconnectMinDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DialWebsocket
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	return &Manager{
		cfg:      cfg,
		handlers: make(map[string][]*handlerEntry),
		rooms:    make(map[string]roomJoin),
		acks:     make(map[string]chan json.RawMessage),
	}
}

// Connect establishes the connection, memoizing a single in-flight attempt so
// concurrent callers share one connection setup. It returns once the socket
// is established and all room memberships have been re-sent.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed{}
	}
	// A finished dial clears pending only after room re-joins go out, so
	// callers never observe a connection whose memberships are stale.
	if m.pending == nil {
		if m.sock != nil {
			m.mu.Unlock()
			return nil
		}
		m.pending = &connectAttempt{done: make(chan struct{})}
		go m.dial(m.pending)
	}
	attempt := m.pending
	m.mu.Unlock()

	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dial performs one connection attempt and finishes the shared future.
func (m *Manager) dial(attempt *connectAttempt) {
	sock, err := m.cfg.Dialer(context.Background(), m.cfg.URL)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		attempt.err = ErrClosed{}
		close(attempt.done)
		return
	}
	if err != nil {
		m.pending = nil
		m.mu.Unlock()
		attempt.err = ErrTransportUnavailable{Cause: err}
		close(attempt.done)
		return
	}

	m.sock = sock
	reconnected := m.wasConnected
	m.wasConnected = true
	rooms := make([]roomJoin, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	go m.readLoop(sock)
	go m.heartbeatLoop(sock)

	// Room membership is re-sent before any Connect waiter proceeds, so no
	// entity-scoped message can outrun its join.
	for _, r := range rooms {
		if err := m.write(sock, frame{Event: r.event, Payload: r.payload}); err != nil {
			m.cfg.Logger.Printf("gridsync: re-join %s failed: %v", r.event, err)
		}
	}

	m.mu.Lock()
	m.pending = nil
	callbacks := append([]func(){}, m.onReconnect...)
	m.mu.Unlock()

	if reconnected {
		for _, cb := range callbacks {
			cb()
		}
	}

	close(attempt.done)
}

// OnReconnect registers a callback fired after every re-established
// connection (not the initial one), once room membership is restored.
func (m *Manager) OnReconnect(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, cb)
}

// On registers a handler for a named server push. Handlers survive
// reconnects without re-registration. The returned function removes the
// handler.
func (m *Manager) On(eventName string, fn Handler) func() {
	entry := &handlerEntry{fn: fn}
	m.mu.Lock()
	m.handlers[eventName] = append(m.handlers[eventName], entry)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		entry.removed = true
		live := m.handlers[eventName][:0]
		for _, e := range m.handlers[eventName] {
			if !e.removed {
				live = append(live, e)
			}
		}
		if len(live) == 0 {
			delete(m.handlers, eventName)
		} else {
			m.handlers[eventName] = live
		}
	}
}

// JoinRoom issues (and remembers) a room-membership message. It is re-sent
// automatically on every reconnect.
func (m *Manager) JoinRoom(ctx context.Context, entityKind, entityID string) error {
	payload, err := json.Marshal(entityID)
	if err != nil {
		return err
	}
	joinEvent := "join_" + entityKind

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed{}
	}
	m.rooms[entityID] = roomJoin{event: joinEvent, payload: payload}
	m.mu.Unlock()

	_, err = m.EmitAsync(ctx, joinEvent, entityID)
	return err
}

// LeaveRoom forgets an entity's room membership; no message is sent, the
// server drops idle members on its own.
func (m *Manager) LeaveRoom(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, entityID)
}

// Emit fires-and-forgets a message, waiting for connection first.
func (m *Manager) Emit(ctx context.Context, eventName string, payload any) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sock := m.currentSocket()
	if sock == nil {
		return ErrTransportUnavailable{}
	}
	return m.write(sock, frame{Event: eventName, Payload: raw})
}

// EmitAsync sends a request and waits for its acknowledgment, failing with
// ErrAckTimeout when none arrives within the bounded window.
func (m *Manager) EmitAsync(ctx context.Context, eventName string, payload any) (json.RawMessage, error) {
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ackID := uuid.New().String()
	ch := make(chan json.RawMessage, 1)
	m.mu.Lock()
	m.acks[ackID] = ch
	sock := m.sock
	m.mu.Unlock()
	if sock == nil {
		m.dropAck(ackID)
		return nil, ErrTransportUnavailable{}
	}

	if err := m.write(sock, frame{Event: eventName, Ack: ackID, Payload: raw}); err != nil {
		m.dropAck(ackID)
		return nil, ErrTransportUnavailable{Cause: err}
	}

	timeout := m.cfg.Clock.Timer(m.cfg.AckTimeout)
	defer timeout.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrTransportUnavailable{}
		}
		return resp, nil
	case <-timeout.C:
		m.dropAck(ackID)
		return nil, ErrAckTimeout{Event: eventName, After: m.cfg.AckTimeout}
	case <-ctx.Done():
		m.dropAck(ackID)
		return nil, ctx.Err()
	}
}

// Latency reports the most recent heartbeat round-trip time; zero until the
// first heartbeat completes.
func (m *Manager) Latency() time.Duration {
	return time.Duration(m.latency.Load())
}

// Connected reports whether a socket is currently established.
func (m *Manager) Connected() bool {
	return m.currentSocket() != nil
}

// Close tears the connection down permanently.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sock := m.sock
	m.sock = nil
	for id, ch := range m.acks {
		close(ch)
		delete(m.acks, id)
	}
	m.mu.Unlock()

	if sock != nil {
		return sock.Close()
	}
	return nil
}

func (m *Manager) currentSocket() Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sock
}

func (m *Manager) dropAck(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.acks, id)
}

func (m *Manager) write(sock Socket, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return sock.WriteMessage(data)
}

// readLoop dispatches frames until the socket fails, then hands off to the
// reconnect loop.
func (m *Manager) readLoop(sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			m.handleDisconnect(sock, err)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.cfg.Logger.Printf("gridsync: dropping malformed frame: %v", err)
			continue
		}

		if f.Event == "ack" {
			m.mu.Lock()
			ch, ok := m.acks[f.Ack]
			if ok {
				delete(m.acks, f.Ack)
			}
			m.mu.Unlock()
			if ok {
				ch <- f.Payload
			}
			continue
		}

		// removed is only written under m.mu, so the live set is filtered
		// while the lock is held.
		m.mu.Lock()
		entries := make([]*handlerEntry, 0, len(m.handlers[f.Event]))
		for _, e := range m.handlers[f.Event] {
			if !e.removed {
				entries = append(entries, e)
			}
		}
		m.mu.Unlock()
		for _, e := range entries {
			e.fn(f.Payload)
		}
	}
}

// handleDisconnect clears the dead socket, fails outstanding acks, and
// starts the background reconnect loop.
func (m *Manager) handleDisconnect(sock Socket, cause error) {
	m.mu.Lock()
	if m.sock != sock {
		// A newer connection already replaced this one.
		m.mu.Unlock()
		return
	}
	m.sock = nil
	for id, ch := range m.acks {
		close(ch)
		delete(m.acks, id)
	}
	closed := m.closed
	m.mu.Unlock()

	sock.Close()
	if closed {
		return
	}
	m.cfg.Logger.Printf("gridsync: connection lost (%v), reconnecting", cause)
	go m.reconnectLoop()
}

// reconnectLoop retries Connect with exponential backoff until it succeeds
// or the manager closes.
func (m *Manager) reconnectLoop() {
	delay := m.cfg.ReconnectMinDelay
	for {
		err := m.Connect(context.Background())
		if err == nil {
			return
		}
		if _, ok := err.(ErrClosed); ok {
			return
		}
		m.cfg.Logger.Printf("gridsync: reconnect failed: %v", err)
		m.cfg.Clock.Sleep(delay)
		delay *= 2
		if delay > m.cfg.ReconnectMaxDelay {
			delay = m.cfg.ReconnectMaxDelay
		}
	}
}

// heartbeatLoop measures round-trip latency over the live socket. Liveness
// is the transport's own concern; a failed ping only skips the measurement.
func (m *Manager) heartbeatLoop(sock Socket) {
	ticker := m.cfg.Clock.Ticker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		if m.currentSocket() != sock {
			return
		}
		start := m.cfg.Clock.Now()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
		_, err := m.EmitAsync(ctx, "ping", nil)
		cancel()
		if err == nil {
			m.latency.Store(int64(m.cfg.Clock.Now().Sub(start)))
		}
	}
}

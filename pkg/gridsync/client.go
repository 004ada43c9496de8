package gridsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/puzzleshare/gridsync/internal/archive"
	"github.com/puzzleshare/gridsync/internal/bus"
	"github.com/puzzleshare/gridsync/internal/cache"
	"github.com/puzzleshare/gridsync/internal/conflict"
	"github.com/puzzleshare/gridsync/internal/event"
	"github.com/puzzleshare/gridsync/internal/lifecycle"
	"github.com/puzzleshare/gridsync/internal/optimistic"
	"github.com/puzzleshare/gridsync/internal/registry"
	"github.com/puzzleshare/gridsync/internal/search"
	"github.com/puzzleshare/gridsync/internal/share"
	"github.com/puzzleshare/gridsync/internal/storage/sqlite"
	"github.com/puzzleshare/gridsync/internal/transport"
)

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// client wires the internal packages together behind the Client interface.
type client struct {
	cfg     Config
	mgr     *transport.Manager
	bus     *bus.Bus
	cache   *cache.Cache
	queue   *optimistic.Queue
	reg     *registry.Registry
	sweeper *lifecycle.Sweeper
	store   *sqlite.Store // nil when persistence is disabled
	index   *search.Index // nil when search is disabled
	linker  *share.Linker

	mu       sync.Mutex
	indexing map[string]func() // per-entity chat index subscriptions

	closeOnce sync.Once
	closeErr  error
}

// New creates a client with the given configuration.
func New(cfg Config) (Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("gridsync: ServerURL is required")
	}
	if cfg.Reducer == nil {
		return nil, fmt.Errorf("gridsync: Reducer is required")
	}
	if cfg.Kind == "" {
		cfg.Kind = "game"
	}
	if cfg.ShareBaseURL == "" {
		cfg.ShareBaseURL = DefaultShareBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	linker, err := share.NewLinker(cfg.ShareBaseURL)
	if err != nil {
		return nil, err
	}

	c := &client{
		cfg:      cfg,
		bus:      bus.New(logger),
		cache:    cache.New(0, 0, logger),
		linker:   linker,
		indexing: make(map[string]func()),
	}

	c.mgr = transport.NewManager(transport.Config{
		URL:    cfg.ServerURL,
		Logger: logger,
	})

	c.queue = optimistic.NewQueue(optimistic.Config{Logger: logger})
	c.queue.Start()

	matchers := conflict.NewRegistry()
	for eventType, m := range cfg.Matchers {
		matchers.Register(eventType, m)
	}

	schemas := event.NewSchemaRegistry()

	regCfg := registry.Config{
		Kind:      cfg.Kind,
		Reducer:   cfg.Reducer,
		Transport: c.mgr,
		Cache:     c.cache,
		Bus:       c.bus,
		Queue:     c.queue,
		Matchers:  matchers,
		Schemas:   schemas,
		Archive:   archive.NewClient(archive.Config{Schemas: schemas, Logger: logger}),
		Logger:    logger,
	}

	if cfg.InMemory {
		store, err := sqlite.New(":memory:")
		if err != nil {
			c.teardown()
			return nil, err
		}
		c.store = store
		idx, err := search.NewMemoryIndex()
		if err != nil {
			c.teardown()
			return nil, err
		}
		c.index = idx
	} else if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			c.teardown()
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		store, err := sqlite.New(filepath.Join(cfg.DataDir, "events.db"))
		if err != nil {
			c.teardown()
			return nil, err
		}
		c.store = store
		idx, err := search.NewIndex(cfg.DataDir)
		if err != nil {
			c.teardown()
			return nil, err
		}
		c.index = idx
	}
	if c.store != nil {
		regCfg.Store = c.store
	}

	c.reg, err = registry.New(regCfg)
	if err != nil {
		c.teardown()
		return nil, err
	}

	c.sweeper = lifecycle.NewSweeper(registrySource{c: c}, lifecycle.Config{Logger: logger})
	c.sweeper.Start()
	return c, nil
}

func (c *client) Attach(ctx context.Context, entityID string) error {
	if _, err := c.reg.Attach(ctx, entityID); err != nil {
		return err
	}
	c.startChatIndexing(entityID)
	return nil
}

func (c *client) Detach(entityID string) {
	c.reg.Detach(entityID)
	// Detach dropped the entity's subscriptions, chat indexing included; a
	// later re-attach must re-register it.
	c.mu.Lock()
	delete(c.indexing, entityID)
	c.mu.Unlock()
}

func (c *client) WaitUntilReady(ctx context.Context, entityID string) error {
	return c.reg.WaitUntilReady(ctx, entityID)
}

func (c *client) State(entityID string) (State, error) {
	return c.reg.DerivedState(entityID)
}

func (c *client) Submit(ctx context.Context, entityID string, ev Event) (Event, error) {
	return c.reg.SubmitEvent(ctx, entityID, ev)
}

func (c *client) Subscribe(entityID, topic string, fn func(payload any)) func() {
	return c.bus.Subscribe(entityID, topic, fn)
}

func (c *client) Conflicts(entityID string) ([]Conflict, error) {
	in, err := c.reg.GetOrCreate(entityID)
	if err != nil {
		return nil, err
	}
	return in.Conflicts(), nil
}

func (c *client) Resolve(ctx context.Context, entityID, conflictID string, res Resolution) error {
	return c.reg.ResolveConflict(ctx, entityID, conflictID, res)
}

func (c *client) SearchChat(query, entityID string, limit int) ([]ChatHit, error) {
	if c.index == nil {
		return nil, fmt.Errorf("gridsync: chat search requires DataDir or InMemory")
	}
	return c.index.Search(query, search.SearchOptions{EntityID: entityID, Limit: limit})
}

func (c *client) JoinLink(entityID string) (Link, error) {
	return c.linker.JoinLink(c.cfg.Kind, entityID)
}

func (c *client) JoinLinkQR(entityID string, size int) ([]byte, error) {
	link, err := c.JoinLink(entityID)
	if err != nil {
		return nil, err
	}
	return share.QRCode(link, size)
}

func (c *client) Latency() time.Duration {
	return c.mgr.Latency()
}

func (c *client) Connected() bool {
	return c.mgr.Connected()
}

func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.sweeper.Stop()
		c.queue.Stop()
		c.reg.Close()
		c.closeErr = c.mgr.Close()
		c.teardown()
	})
	return c.closeErr
}

// teardown releases the optional resources; used by Close and by New's
// failure paths.
func (c *client) teardown() {
	if c.store != nil {
		c.store.Close()
	}
	if c.index != nil {
		c.index.Close()
	}
	if c.queue != nil {
		c.queue.Stop()
	}
}

// startChatIndexing feeds the entity's canonical chat events into the search
// index. Idempotent per entity; eviction drops the subscription with the
// rest of the entity's bus state.
func (c *client) startChatIndexing(entityID string) {
	if c.index == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indexing[entityID]; ok {
		return
	}
	off := c.bus.Subscribe(entityID, TopicChange, func(payload any) {
		ev, ok := payload.(event.Event)
		if !ok {
			return
		}
		if err := c.index.IndexChat(entityID, ev); err != nil && c.cfg.Logger != nil {
			c.cfg.Logger.Printf("gridsync: indexing chat event %s: %v", ev.ID, err)
		}
	})
	c.indexing[entityID] = off
}

// registrySource adapts the registry to the lifecycle sweeper.
type registrySource struct {
	c *client
}

func (s registrySource) Snapshot() []lifecycle.Entry {
	instances := s.c.reg.Instances()
	out := make([]lifecycle.Entry, 0, len(instances))
	for _, in := range instances {
		out = append(out, lifecycle.Entry{
			ID:         in.ID(),
			LastAccess: in.LastAccess(),
		})
	}
	return out
}

func (s registrySource) Evict(entityID string) {
	s.c.reg.Remove(entityID)
	// The entity's bus subscriptions are gone with it; a later re-attach
	// must re-register chat indexing.
	s.c.mu.Lock()
	delete(s.c.indexing, entityID)
	s.c.mu.Unlock()
}

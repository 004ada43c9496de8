// Package lifecycle bounds how many entities stay resident in memory. A
// periodic sweep detaches entities that have been idle too long and enforces
// a hard cap on the total entity count.
package lifecycle

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultIdleAfter     = 30 * time.Minute
	DefaultMaxEntities   = 10
	DefaultSweepInterval = time.Minute
)

// Logger receives eviction diagnostics.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Entry is the sweeper's view of one resident entity.
type Entry struct {
	ID         string
	LastAccess time.Time
}

// Source is the entity collection being bounded. The registry implements it
// through a thin adapter; Evict detaches the entity and releases its
// in-memory state.
type Source interface {
	// Snapshot lists every resident entity.
	Snapshot() []Entry
	// Evict detaches and releases one entity.
	Evict(entityID string)
}

// Config controls sweep timing and bounds. Zero values select the defaults.
type Config struct {
	IdleAfter     time.Duration
	MaxEntities   int
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        Logger
}

// Sweeper periodically applies the idle and cap policies to a Source.
type Sweeper struct {
	cfg  Config
	src  Source
	done chan struct{}
}

// NewSweeper creates a sweeper. Call Start to run it.
func NewSweeper(src Source, cfg Config) *Sweeper {
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultIdleAfter
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = DefaultMaxEntities
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	return &Sweeper{cfg: cfg, src: src, done: make(chan struct{})}
}

// Start launches the periodic sweep.
func (s *Sweeper) Start() {
	ticker := s.cfg.Clock.Ticker(s.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(s.cfg.Clock.Now())
			case <-s.done:
				return
			}
		}
	}()
}

// Stop halts the periodic sweep.
func (s *Sweeper) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Sweep applies both policies once and returns the evicted entity ids. The
// idle policy detaches entities whose last access is older than the idle
// bound; the cap policy then detaches the least recently accessed entities
// until the resident count is at or under the cap.
func (s *Sweeper) Sweep(now time.Time) []string {
	entries := s.src.Snapshot()

	var evicted []string
	var kept []Entry
	for _, e := range entries {
		if now.Sub(e.LastAccess) > s.cfg.IdleAfter {
			s.cfg.Logger.Printf("gridsync: evicting idle entity %s (last access %s ago)", e.ID, now.Sub(e.LastAccess))
			s.src.Evict(e.ID)
			evicted = append(evicted, e.ID)
			continue
		}
		kept = append(kept, e)
	}

	over := len(kept) - s.cfg.MaxEntities
	if over <= 0 {
		return evicted
	}

	sort.Slice(kept, func(i, j int) bool {
		return kept[i].LastAccess.Before(kept[j].LastAccess)
	})
	for i := 0; i < over; i++ {
		s.cfg.Logger.Printf("gridsync: evicting entity %s over the resident cap", kept[i].ID)
		s.src.Evict(kept[i].ID)
		evicted = append(evicted, kept[i].ID)
	}
	return evicted
}

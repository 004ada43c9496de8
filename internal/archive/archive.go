// Package archive retrieves cold event history. Long-lived entities have
// their oldest events moved out of the relay's hot storage; a sync response
// then carries an archive URL that this client chases over HTTP.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strconv"
	"time"

	"github.com/puzzleshare/gridsync/internal/event"
)

const (
	DefaultMaxPages = 32
	defaultTimeout  = 15 * time.Second
	maxBodyBytes    = 8 << 20
)

// ErrFetchFailed reports a non-success archive response.
type ErrFetchFailed struct {
	URL    string
	Status int
}

func (e ErrFetchFailed) Error() string {
	return fmt.Sprintf("archive fetch %s returned status %d", e.URL, e.Status)
}

// Logger receives fetch diagnostics.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Config controls the archive client. Zero values select defaults.
type Config struct {
	HTTPClient *http.Client
	// Schemas, when set, validates archived events before decoding;
	// events that fail validation are skipped, not fatal.
	Schemas *event.SchemaRegistry
	// MaxPages bounds pagination chains, guarding against cycles.
	MaxPages int
	Logger   Logger
}

// page is the archive's wire shape. Older deployments serve a bare event
// array with no pagination envelope.
type page struct {
	Events []json.RawMessage `json:"events"`
	Next   string            `json:"next,omitempty"`
}

// Client fetches archived events. Safe for concurrent use.
type Client struct {
	cfg Config
}

// NewClient creates an archive client.
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	return &Client{cfg: cfg}
}

// Fetch retrieves the full archived history starting at url, following
// pagination links until the chain ends or the page bound is hit. Events are
// returned in the order the archive serves them.
func (c *Client) Fetch(ctx context.Context, url string) ([]event.Event, error) {
	var out []event.Event
	next := url
	for i := 0; i < c.cfg.MaxPages && next != ""; i++ {
		p, err := c.fetchPage(ctx, next)
		if err != nil {
			return out, err
		}
		for _, raw := range p.Events {
			ev, err := event.DecodeWire(raw, c.cfg.Schemas)
			if err != nil {
				c.cfg.Logger.Printf("gridsync: skipping malformed archived event from %s: %v", next, err)
				continue
			}
			out = append(out, ev)
		}
		if p.Next == next {
			c.cfg.Logger.Printf("gridsync: archive page %s links to itself, stopping", next)
			break
		}
		next = p.Next
	}
	if next != "" {
		c.cfg.Logger.Printf("gridsync: archive chain from %s exceeded %d pages, truncating", url, c.cfg.MaxPages)
	}
	return out, nil
}

// FetchRange retrieves one window of archived events via offset/limit query
// parameters, without following pagination links.
func (c *Client) FetchRange(ctx context.Context, rawURL string, offset, limit int) ([]event.Event, error) {
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse archive url %s: %w", rawURL, err)
	}
	q := u.Query()
	q.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	p, err := c.fetchPage(ctx, u.String())
	if err != nil {
		return nil, err
	}
	out := make([]event.Event, 0, len(p.Events))
	for _, raw := range p.Events {
		ev, err := event.DecodeWire(raw, c.cfg.Schemas)
		if err != nil {
			c.cfg.Logger.Printf("gridsync: skipping malformed archived event from %s: %v", u, err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, url string) (page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return page{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return page{}, ErrFetchFailed{URL: url, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return page{}, fmt.Errorf("read archive page %s: %w", url, err)
	}

	var p page
	if err := json.Unmarshal(body, &p); err == nil && p.Events != nil {
		return p, nil
	}
	// Bare array fallback.
	var events []json.RawMessage
	if err := json.Unmarshal(body, &events); err != nil {
		return page{}, fmt.Errorf("decode archive page %s: %w", url, err)
	}
	return page{Events: events}, nil
}

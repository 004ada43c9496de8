package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/puzzleshare/gridsync/internal/event"
)

func cellEvent(id string, ts int64) string {
	return fmt.Sprintf(`{"id":%q,"type":"updateCell","timestamp":%d,"user":"alice","params":{"cell":{"r":0,"c":0},"value":"A"}}`, id, ts)
}

func TestFetchSinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"events":[%s,%s]}`, cellEvent("e1", 1000), cellEvent("e2", 2000))
	}))
	defer srv.Close()

	c := NewClient(Config{})
	events, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 2 || events[0].ID != "e1" || events[1].ID != "e2" {
		t.Fatalf("events = %v", events)
	}
	if _, ok := events[0].Params.(event.CellParams); !ok {
		t.Fatalf("params decoded as %T, want CellParams", events[0].Params)
	}
}

func TestFetchFollowsPagination(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/page1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"events":[%s],"next":%q}`, cellEvent("e1", 1000), srv.URL+"/page2")
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"events":[%s]}`, cellEvent("e2", 2000))
	})

	c := NewClient(Config{})
	events, err := c.Fetch(context.Background(), srv.URL+"/page1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 2 || events[0].ID != "e1" || events[1].ID != "e2" {
		t.Fatalf("events = %v", events)
	}
}

func TestFetchBareArrayFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[%s]`, cellEvent("e1", 1000))
	}))
	defer srv.Close()

	c := NewClient(Config{})
	events, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 1 || events[0].ID != "e1" {
		t.Fatalf("events = %v", events)
	}
}

func TestFetchStopsOnSelfLink(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"events": []json.RawMessage{json.RawMessage(cellEvent("e1", 1000))},
			"next":   "http://" + r.Host + r.URL.Path,
		})
	}))
	defer srv.Close()

	c := NewClient(Config{MaxPages: 10})
	events, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(events) != 1 {
		t.Fatalf("events = %v", events)
	}
}

func TestFetchBoundsPageChain(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n := 0
		fmt.Sscanf(r.URL.Path, "/p%d", &n)
		fmt.Fprintf(w, `{"events":[%s],"next":%q}`, cellEvent(fmt.Sprintf("e%d", n), int64(n)*1000+1000), fmt.Sprintf("%s/p%d", srv.URL, n+1))
	})

	c := NewClient(Config{MaxPages: 3})
	events, err := c.Fetch(context.Background(), srv.URL+"/p0")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
}

func TestFetchRangeSendsWindow(t *testing.T) {
	var gotOffset, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOffset = r.URL.Query().Get("offset")
		gotLimit = r.URL.Query().Get("limit")
		fmt.Fprintf(w, `{"events":[%s]}`, cellEvent("e5", 5000))
	}))
	defer srv.Close()

	c := NewClient(Config{})
	events, err := c.FetchRange(context.Background(), srv.URL, 40, 20)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if gotOffset != "40" || gotLimit != "20" {
		t.Fatalf("window = offset %s limit %s, want 40/20", gotOffset, gotLimit)
	}
	if len(events) != 1 || events[0].ID != "e5" {
		t.Fatalf("events = %v", events)
	}
}

func TestFetchReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	c := NewClient(Config{})
	_, err := c.Fetch(context.Background(), srv.URL)
	var fetchErr ErrFetchFailed
	if !errors.As(err, &fetchErr) || fetchErr.Status != http.StatusGone {
		t.Fatalf("err = %v, want ErrFetchFailed with 410", err)
	}
}

func TestFetchSkipsMalformedEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"events":[{"id":12345},%s]}`, cellEvent("e1", 1000))
	}))
	defer srv.Close()

	c := NewClient(Config{})
	events, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 1 || events[0].ID != "e1" {
		t.Fatalf("events = %v", events)
	}
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/puzzleshare/gridsync/pkg/gridsync"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "tail":
		cmdTail(args)
	case "send":
		cmdSend(args)
	case "chat":
		cmdChat(args)
	case "share":
		cmdShare(args)
	case "search":
		cmdSearch(args)
	case "status":
		cmdStatus(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`gridsync - collaborative puzzle sync client

Usage: gridsync <command> [options]

Commands:
  tail     Attach to a game and stream its events
  send     Submit a cell update
  chat     Send a chat message
  share    Print a join link (and optionally a QR code) for a game
  search   Search local chat history
  status   Connect and report relay status
  help     Show this help

Examples:
  gridsync tail --server wss://relay.example/socket --game abc123
  gridsync send --server wss://relay.example/socket --game abc123 --cell 3,4 --value A
  gridsync chat --server wss://relay.example/socket --game abc123 --text "hello"
  gridsync share --game abc123 --qr join.png
  gridsync search --data ~/.gridsync --query "theme" --game abc123`)
}

type stdLogger struct{}

func (stdLogger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

// traceState accumulates a compact per-game view for the CLI: enough to show
// that events are folding, without owning the real puzzle rendering.
type traceState struct {
	Events int               `json:"events"`
	Cells  map[string]string `json:"cells"`
}

func cliReducer(prior gridsync.State, ev gridsync.Event, opt gridsync.ApplyOptions) gridsync.State {
	st, ok := prior.(traceState)
	if !ok {
		st = traceState{Cells: make(map[string]string)}
	} else {
		cells := make(map[string]string, len(st.Cells))
		for k, v := range st.Cells {
			cells[k] = v
		}
		st.Cells = cells
	}
	st.Events++
	if params, ok := ev.Params.(gridsync.CellParams); ok {
		st.Cells[params.Cell.String()] = params.Value
	}
	return st
}

func newClient(serverURL, dataDir string) gridsync.Client {
	if serverURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --server is required")
		os.Exit(1)
	}
	c, err := gridsync.New(gridsync.Config{
		ServerURL: serverURL,
		Reducer:   cliReducer,
		DataDir:   dataDir,
		Logger:    stdLogger{},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c
}

func attach(ctx context.Context, c gridsync.Client, game string) {
	if game == "" {
		fmt.Fprintln(os.Stderr, "Error: --game is required")
		os.Exit(1)
	}
	if err := c.Attach(ctx, game); err != nil {
		fmt.Fprintf(os.Stderr, "Error attaching to %s: %v\n", game, err)
		os.Exit(1)
	}
	if err := c.WaitUntilReady(ctx, game); err != nil {
		fmt.Fprintf(os.Stderr, "Error waiting for %s: %v\n", game, err)
		os.Exit(1)
	}
}

func cmdTail(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	server := fs.String("server", "", "Relay websocket URL")
	game := fs.String("game", "", "Game id to attach to")
	dataDir := fs.String("data", "", "Data directory for persistence and search")
	fs.Parse(args)

	c := newClient(*server, *dataDir)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	attach(ctx, c, *game)
	cancel()

	log.Printf("📡 Attached to %s, streaming events (Ctrl+C to stop)", *game)

	off := c.Subscribe(*game, gridsync.TopicChange, func(payload any) {
		ev, ok := payload.(gridsync.Event)
		if !ok {
			return
		}
		data, _ := json.Marshal(ev)
		fmt.Println(string(data))
	})
	defer off()
	c.Subscribe(*game, gridsync.TopicConflict, func(payload any) {
		if conf, ok := payload.(gridsync.Conflict); ok {
			log.Printf("⚠️  conflict %s: %s", conf.ID, conf.Description)
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if state, err := c.State(*game); err == nil {
		if st, ok := state.(traceState); ok {
			log.Printf("Folded %d events, %d cells filled", st.Events, len(st.Cells))
		}
	}
}

func cmdSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	server := fs.String("server", "", "Relay websocket URL")
	game := fs.String("game", "", "Game id")
	cell := fs.String("cell", "", "Cell as row,col")
	value := fs.String("value", "", "Cell value")
	user := fs.String("user", "cli", "User id")
	dataDir := fs.String("data", "", "Data directory")
	fs.Parse(args)

	coord, err := parseCoord(*cell)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	c := newClient(*server, *dataDir)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	attach(ctx, c, *game)

	ev, err := c.Submit(ctx, *game, gridsync.Event{
		Type:   gridsync.TypeUpdateCell,
		User:   *user,
		Params: gridsync.CellParams{Cell: coord, Value: *value},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	// Give the relay a moment to confirm before disconnecting.
	time.Sleep(time.Second)
	fmt.Printf("✅ Sent %s = %q as event %s\n", coord, *value, ev.ID)
}

func cmdChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	server := fs.String("server", "", "Relay websocket URL")
	game := fs.String("game", "", "Game id")
	text := fs.String("text", "", "Message text")
	user := fs.String("user", "cli", "User id")
	dataDir := fs.String("data", "", "Data directory")
	fs.Parse(args)

	if *text == "" {
		fmt.Fprintln(os.Stderr, "Error: --text is required")
		os.Exit(1)
	}

	c := newClient(*server, *dataDir)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	attach(ctx, c, *game)

	ev, err := c.Submit(ctx, *game, gridsync.Event{
		Type:   gridsync.TypeChat,
		User:   *user,
		Params: gridsync.ChatParams{Text: *text, SenderID: *user},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	time.Sleep(time.Second)
	fmt.Printf("💬 Sent message %s\n", ev.ID)
}

func cmdShare(args []string) {
	fs := flag.NewFlagSet("share", flag.ExitOnError)
	game := fs.String("game", "", "Game id")
	base := fs.String("base", gridsync.DefaultShareBaseURL, "Base URL for join links")
	qrPath := fs.String("qr", "", "Write a QR code PNG to this path")
	fs.Parse(args)

	// Sharing needs no relay connection; build the link directly.
	c, err := gridsync.New(gridsync.Config{
		ServerURL:    "wss://unused.invalid/socket",
		Reducer:      cliReducer,
		ShareBaseURL: *base,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	link, err := c.JoinLink(*game)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("🔗 %s\n", link.URL)

	if *qrPath != "" {
		png, err := c.JoinLinkQR(*game, 256)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*qrPath, png, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("🧩 QR code written to %s\n", *qrPath)
	}
}

func cmdSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	server := fs.String("server", "", "Relay websocket URL")
	dataDir := fs.String("data", "", "Data directory holding the chat index")
	game := fs.String("game", "", "Restrict to one game (optional)")
	query := fs.String("query", "", "Search query")
	limit := fs.Int("limit", 20, "Max results")
	fs.Parse(args)

	if *dataDir == "" || *query == "" {
		fmt.Fprintln(os.Stderr, "Error: --data and --query are required")
		os.Exit(1)
	}
	if *server == "" {
		*server = "wss://unused.invalid/socket"
	}

	c := newClient(*server, *dataDir)
	defer c.Close()

	hits, err := c.SearchChat(*query, *game, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(hits) == 0 {
		fmt.Println("No messages found.")
		return
	}
	fmt.Printf("Found %d message(s):\n", len(hits))
	for _, h := range hits {
		fmt.Printf("• %s (score %.2f)\n", h.EventID, h.Score)
	}
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := fs.String("server", "", "Relay websocket URL")
	game := fs.String("game", "", "Game id to attach to")
	fs.Parse(args)

	c := newClient(*server, "")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	attach(ctx, c, *game)

	// Let a couple of heartbeats land so latency is populated.
	time.Sleep(5 * time.Second)
	fmt.Printf("Connected: %v\n", c.Connected())
	fmt.Printf("Latency:   %s\n", c.Latency())
}

func parseCoord(s string) (gridsync.Coord, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return gridsync.Coord{}, fmt.Errorf("cell must be row,col, got %q", s)
	}
	row, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return gridsync.Coord{}, fmt.Errorf("bad row in %q", s)
	}
	col, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return gridsync.Coord{}, fmt.Errorf("bad col in %q", s)
	}
	return gridsync.Coord{Row: row, Col: col}, nil
}

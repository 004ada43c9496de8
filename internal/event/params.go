package event

import (
	"encoding/json"
	"fmt"
)

// Params is the closed tagged union of event parameter records, keyed by the
// event type. Variants are decoded once at the transport boundary; downstream
// code switches on the concrete type instead of re-parsing raw JSON.
type Params interface {
	isParams()
}

// Coord addresses a single grid cell.
type Coord struct {
	Row int `json:"r"`
	Col int `json:"c"`
}

func (c Coord) String() string {
	return fmt.Sprintf("cell-%d-%d", c.Row, c.Col)
}

// GameSeed is the initial state carried by a create event. Cell contents,
// clue info, and solutions are opaque to the core; only the grid shape is
// inspected for validation.
type GameSeed struct {
	Grid     [][]json.RawMessage `json:"grid"`
	Info     json.RawMessage     `json:"info,omitempty"`
	Solution json.RawMessage     `json:"solution,omitempty"`
	Circles  json.RawMessage     `json:"circles,omitempty"`
}

// CreateParams establishes an entity's initial state.
type CreateParams struct {
	Version int      `json:"version,omitempty"`
	Game    GameSeed `json:"game"`
}

// CellParams mutates a single cell's value.
type CellParams struct {
	Cell   Coord  `json:"cell"`
	Value  string `json:"value"`
	Color  string `json:"color,omitempty"`
	Pencil bool   `json:"pencil,omitempty"`
}

// CursorParams moves a solver's cursor.
type CursorParams struct {
	Cell Coord `json:"cell"`
}

// ScopeParams name a set of cells, used by check, reveal and reset.
type ScopeParams struct {
	Scope []Coord `json:"scope"`
}

// ClockParams controls the shared game clock.
type ClockParams struct {
	Action    string    `json:"action,omitempty"`
	Timestamp Timestamp `json:"timestamp,omitempty"`
}

// ChatParams is a chat message.
type ChatParams struct {
	Text        string `json:"text"`
	SenderID    string `json:"senderId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// RawParams carries the params of event types the core does not know about.
// Domain reducers decode it themselves.
type RawParams json.RawMessage

func (CreateParams) isParams() {}
func (CellParams) isParams()   {}
func (CursorParams) isParams() {}
func (ScopeParams) isParams()  {}
func (ClockParams) isParams()  {}
func (ChatParams) isParams()   {}
func (RawParams) isParams()    {}

// MarshalJSON passes the raw payload through untouched.
func (p RawParams) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(p).MarshalJSON()
}

// UnmarshalJSON stores the raw payload untouched.
func (p *RawParams) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}

// decodeParams resolves raw params into the variant for the event type.
func decodeParams(eventType string, raw json.RawMessage) (Params, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch eventType {
	case TypeCreate:
		var p CreateParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode create params: %w", err)
		}
		return p, nil
	case TypeUpdateCell:
		var p CellParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode updateCell params: %w", err)
		}
		return p, nil
	case TypeUpdateCursor:
		var p CursorParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode updateCursor params: %w", err)
		}
		return p, nil
	case TypeCheck, TypeReveal, TypeReset:
		var p ScopeParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", eventType, err)
		}
		return p, nil
	case TypeStartClock, TypePauseClock:
		var p ClockParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", eventType, err)
		}
		return p, nil
	case TypeChat:
		var p ChatParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode chat params: %w", err)
		}
		return p, nil
	default:
		return RawParams(raw), nil
	}
}

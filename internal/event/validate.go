package event

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidCreateEvent is returned when a create event is present but its
// initial state fails structural validation. The entity stays not-ready and
// recovers once a valid create event arrives.
type ErrInvalidCreateEvent struct {
	EventID string
	Reason  string
}

func (e ErrInvalidCreateEvent) Error() string {
	return fmt.Sprintf("invalid create event %s: %s", e.EventID, e.Reason)
}

// ValidateCreate checks the structural invariant of a create event: a
// non-empty two-dimensional grid with no empty rows.
func ValidateCreate(ev Event) error {
	if ev.Type != TypeCreate {
		return ErrInvalidCreateEvent{EventID: ev.ID, Reason: "event type is not create"}
	}
	params, ok := ev.Params.(CreateParams)
	if !ok {
		return ErrInvalidCreateEvent{EventID: ev.ID, Reason: "params are not create params"}
	}
	if len(params.Game.Grid) == 0 {
		return ErrInvalidCreateEvent{EventID: ev.ID, Reason: "grid is empty"}
	}
	for i, row := range params.Game.Grid {
		if len(row) == 0 {
			return ErrInvalidCreateEvent{EventID: ev.ID, Reason: fmt.Sprintf("grid row %d is empty", i)}
		}
	}
	return nil
}

// ValidationError describes a single schema violation.
type ValidationError struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Description)
}

// ValidationResult contains the result of boundary validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// SchemaRegistry validates event params against per-type JSON Schemas once,
// at the transport boundary. Types without a registered schema pass.
type SchemaRegistry struct {
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry preloaded with schemas for the
// well-known event types.
func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{schemas: make(map[string]*gojsonschema.Schema)}
	for eventType, def := range builtinSchemas {
		// Built-in definitions are compile-checked by tests.
		if err := r.Register(eventType, []byte(def)); err != nil {
			panic(fmt.Sprintf("builtin schema for %s: %v", eventType, err))
		}
	}
	return r
}

// Register compiles and installs a schema for an event type, replacing any
// previous definition.
func (r *SchemaRegistry) Register(eventType string, definition []byte) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(definition))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", eventType, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[eventType] = compiled
	return nil
}

// Unregister removes a schema.
func (r *SchemaRegistry) Unregister(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemas, eventType)
}

// Validate checks raw params against the schema for an event type.
func (r *SchemaRegistry) Validate(eventType string, params json.RawMessage) ValidationResult {
	r.mu.RLock()
	schema, ok := r.schemas[eventType]
	r.mu.RUnlock()

	if !ok {
		// No schema registered - validation passes.
		return ValidationResult{Valid: true}
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:       "params",
				Description: fmt.Sprintf("validation error: %v", err),
			}},
		}
	}
	if result.Valid() {
		return ValidationResult{Valid: true}
	}

	errors := make([]ValidationError, len(result.Errors()))
	for i, desc := range result.Errors() {
		errors[i] = ValidationError{
			Field:       desc.Field(),
			Description: desc.Description(),
		}
	}
	return ValidationResult{Valid: false, Errors: errors}
}

// ValidateEvent checks a full wire event's params before decoding.
func (r *SchemaRegistry) ValidateEvent(eventType string, params json.RawMessage) error {
	result := r.Validate(eventType, params)
	if result.Valid {
		return nil
	}
	return fmt.Errorf("params for %s rejected: %v", eventType, result.Errors)
}

// DecodeWire parses a wire event, checking its params against the schema
// registry (when given) before resolving them into typed params. Events that
// fail schema validation are rejected whole.
func DecodeWire(data []byte, schemas *SchemaRegistry) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}
	if schemas != nil {
		if err := schemas.ValidateEvent(w.Type, w.Params); err != nil {
			return Event{}, err
		}
	}
	var ev Event
	if err := ev.UnmarshalJSON(data); err != nil {
		return Event{}, err
	}
	return ev, nil
}

var builtinSchemas = map[string]string{
	TypeCreate: `{
		"type": "object",
		"required": ["game"],
		"properties": {
			"game": {
				"type": "object",
				"required": ["grid"],
				"properties": {
					"grid": {
						"type": "array",
						"minItems": 1,
						"items": {"type": "array", "minItems": 1}
					}
				}
			}
		}
	}`,
	TypeUpdateCell: `{
		"type": "object",
		"required": ["cell"],
		"properties": {
			"cell": {
				"type": "object",
				"required": ["r", "c"],
				"properties": {
					"r": {"type": "integer", "minimum": 0},
					"c": {"type": "integer", "minimum": 0}
				}
			},
			"value": {"type": "string"}
		}
	}`,
	TypeUpdateCursor: `{
		"type": "object",
		"required": ["cell"],
		"properties": {
			"cell": {
				"type": "object",
				"required": ["r", "c"],
				"properties": {
					"r": {"type": "integer", "minimum": 0},
					"c": {"type": "integer", "minimum": 0}
				}
			}
		}
	}`,
	TypeChat: `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1}
		}
	}`,
}

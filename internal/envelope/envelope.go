// Package envelope defines the wire structure a tap sends to the agent over
// the IPC transport, and the validation applied to it on the ingestion side.
//
// An envelope is self-contained: the agent never needs to go back to the
// tap for more data. It is the unit that crosses the process boundary;
// once mapped into a trace.Record it is discarded.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the message a tap writes to the IPC transport, one per hook
// invocation (or occasionally several, batched by a tap that defers).
type Envelope struct {
	Event   string          `json:"event"`   // hook kind, e.g. "PostToolUse", "Stop"
	Payload json.RawMessage `json:"payload"` // opaque JSON exactly as the host delivered it
	TS      string          `json:"ts"`      // ISO-8601 UTC, millisecond precision, captured at tap time

	Env Env `json:"env"`

	Plugin  string `json:"plugin"`
	Version string `json:"version"`
}

// Env carries the tap-side identity fields that travel with every envelope.
type Env struct {
	SessionID string `json:"session_id"`
	Host      string `json:"host"`
	PID       int    `json:"pid"`
}

// ValidationError reports a malformed envelope field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope: %s: %s", e.Field, e.Message)
}

// Validate checks the fields the mapper cannot proceed without. It is
// deliberately permissive: payload shape, plugin, and version are never
// required to be non-empty, since a degenerate-but-parseable envelope must
// still map to a minimally-populated trace record (spec.md §4.3).
func (e *Envelope) Validate() error {
	if e.Event == "" {
		return &ValidationError{Field: "event", Message: "event name is required"}
	}
	if e.TS == "" {
		return &ValidationError{Field: "ts", Message: "timestamp is required"}
	}
	if _, err := time.Parse(time.RFC3339Nano, e.TS); err != nil {
		return &ValidationError{Field: "ts", Message: "not a valid ISO-8601 timestamp: " + err.Error()}
	}
	return nil
}

// Parse decodes a single framed message body into an Envelope and validates
// it. Callers that receive a parse or validation failure should quarantine
// the raw bytes rather than drop them (spec.md §4.2).
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Timestamp parses the TS field, returning the zero time if it is malformed.
// Callers on the happy path should already have validated the envelope;
// this is a convenience for the mapper, which is never allowed to error.
func (e *Envelope) Timestamp() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.TS)
	if err != nil {
		return time.Time{}
	}
	return t
}

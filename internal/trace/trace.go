// Package trace defines the canonical outbound schema ("beak.trace.v1") and
// the pure mapping from a tap envelope into it.
//
// The mapper is the one place in the agent that is required to be total: it
// must never panic or return an error for any syntactically valid envelope
// (spec.md §4.3). Unknown shapes degrade to empty fields, not failures.
package trace

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/tenzoki/talon/internal/enrich"
	"github.com/tenzoki/talon/internal/envelope"
)

// SchemaVersion is the schema tag stamped on every outbound record.
const SchemaVersion = "beak.trace.v1"

// Record is the canonical trace record shipped to the collector.
type Record struct {
	Schema string `json:"schema"`

	IDs           IDs           `json:"ids"`
	Context       Context       `json:"context"`
	Configuration Configuration `json:"configuration"`
	Inputs        Inputs        `json:"inputs"`
	Outputs       Outputs       `json:"outputs"`
	Metrics       Metrics       `json:"metrics"`
	Labels        []Label       `json:"labels"`
	Flags         Flags         `json:"flags"`
	Extensions    map[string]interface{} `json:"extensions"`
}

// IDs identifies a record within a trace and, optionally, a conversation.
type IDs struct {
	TraceID       string `json:"trace_id"`
	SpanID        string `json:"span_id"`
	ParentSpanID  string `json:"parent_span_id"` // always empty at this revision
	ConversationID string `json:"conversation_id"`
	SessionID     string `json:"session_id"`
}

// Context carries the tap identity the envelope arrived with.
type Context struct {
	Plugin  string `json:"plugin"`
	Version string `json:"version"`
	Host    string `json:"host"`
	PID     int    `json:"pid"`
}

// Configuration captures model and generation parameters. Fields are
// zeroed, never omitted, when unknown (spec.md §3).
type Configuration struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Inputs holds the tool invocation and/or message snapshot a record covers.
type Inputs struct {
	ToolName string                 `json:"tool_name"`
	ToolArgs map[string]interface{} `json:"tool_args"`
	Message  string                 `json:"message"`
}

// Outputs holds what the model or tool produced.
type Outputs struct {
	AssistantText string                   `json:"assistant_text"`
	ToolCalls     []map[string]interface{} `json:"tool_calls"`
	FinishReason  string                   `json:"finish_reason"`
}

// Metrics holds counts, each flagged as estimated or exact.
type Metrics struct {
	PromptTokens           int     `json:"prompt_tokens"`
	CompletionTokens       int     `json:"completion_tokens"`
	TotalTokens            int     `json:"total_tokens"`
	TokenCountsEstimated   bool    `json:"token_counts_estimated"`
	LatencyMS              float64 `json:"latency_ms"`
	CostUSD                float64 `json:"cost_usd"`
}

// Label is one flat key/value entry.
type Label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Flags carries boolean record-level markers.
type Flags struct {
	Sampled bool `json:"sampled"`
}

// eventNames translates hook event kinds to the canonical outbound name.
var eventNames = map[string]string{
	"PostToolUse": "tool.post",
	"PreToolUse":  "tool.pre",
	"Stop":        "model.end",
	"Start":       "model.start",
}

// Mapper turns envelopes into trace records, consulting an enrichment
// cache for late-bound model/token data. It is safe for concurrent use;
// the enrichment cache it wraps is itself single-writer/multi-reader.
type Mapper struct {
	cache *enrich.Cache
	host  string

	seq sequencer
}

// sequencer hands out a monotonically increasing counter per session,
// used for the deterministic branch of trace_id derivation.
type sequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newSequencer() sequencer {
	return sequencer{counters: make(map[string]int64)}
}

func (s *sequencer) next(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[sessionID]++
	return s.counters[sessionID]
}

// NewMapper constructs a Mapper backed by the given enrichment cache.
func NewMapper(cache *enrich.Cache, host string) *Mapper {
	return &Mapper{cache: cache, host: host, seq: newSequencer()}
}

// Map converts an envelope into a trace record. It never returns an error:
// any anomaly in payload shape degrades to a minimally-populated record
// rather than failing the mapping (spec.md §4.3, §7 "Mapping anomaly").
func (m *Mapper) Map(env *envelope.Envelope) *Record {
	rec := &Record{
		Schema: SchemaVersion,
		IDs: IDs{
			SpanID:        uuid.New().String(),
			ParentSpanID:  "",
			SessionID:     env.Env.SessionID,
		},
		Context: Context{
			Plugin:  env.Plugin,
			Version: env.Version,
			Host:    env.Env.Host,
			PID:     env.Env.PID,
		},
		Extensions: map[string]interface{}{
			"tap.raw": rawPayload(env.Payload),
		},
	}

	rec.IDs.TraceID = m.traceID(env.Env.SessionID)

	rec.Labels = append(rec.Labels, Label{Key: "host", Value: env.Env.Host})

	canonical, ok := eventNames[env.Event]
	if !ok {
		canonical = env.Event
		rec.Labels = append(rec.Labels, Label{Key: "event_unknown", Value: "true"})
	}
	rec.Extensions["event"] = canonical

	toolName, toolArgs, message, outputs := extractPayload(env.Payload)
	rec.Inputs = Inputs{ToolName: toolName, ToolArgs: toolArgs, Message: message}
	rec.Outputs = outputs
	if toolName != "" {
		rec.Labels = append(rec.Labels, Label{Key: "tool_name", Value: toolName})
	}

	if m.cache != nil {
		if enrichment, found := m.cache.Lookup(env.Env.SessionID); found {
			rec.Configuration.Model = enrichment.Model
			rec.Metrics.PromptTokens = enrichment.PromptTokens
			rec.Metrics.CompletionTokens = enrichment.CompletionTokens
			rec.Metrics.TotalTokens = enrichment.TotalTokens
			rec.Metrics.TokenCountsEstimated = enrichment.Estimated
		} else {
			rec.Metrics.TokenCountsEstimated = false
		}
	}

	return rec
}

// traceID derives a deterministic trace_id from (session_id, sequence) when
// a session id is present, else mints a fresh random one (spec.md §9).
func (m *Mapper) traceID(sessionID string) string {
	if sessionID == "" {
		return uuid.New().String()
	}
	seq := m.seq.next(sessionID)
	sum := xxhash.Sum64String(fmt.Sprintf("%s:%d", sessionID, seq))
	return fmt.Sprintf("%016x", sum)
}

// rawPayload returns the payload as a generic interface{} for embedding in
// extensions, falling back to the raw string if it is empty or does not
// parse as JSON (it is already known-valid JSON at this point, but defensively
// handled since extraction must never fail the mapping).
func rawPayload(raw []byte) interface{} {
	v, ok := decodeAny(raw)
	if !ok {
		return string(raw)
	}
	return v
}

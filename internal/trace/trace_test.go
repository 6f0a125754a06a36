package trace

import (
	"encoding/json"
	"testing"

	"github.com/tenzoki/talon/internal/enrich"
	"github.com/tenzoki/talon/internal/envelope"
)

func mustParse(t *testing.T, body string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return env
}

func TestMapHappyPath(t *testing.T) {
	cache := enrich.NewCache(enrich.DefaultTTL)
	m := NewMapper(cache, "h")

	env := mustParse(t, `{"event":"PostToolUse","payload":{"tool_name":"Bash","tool_input":{"command":"ls"}},"ts":"2025-01-13T12:34:56.789Z","env":{"session_id":"s1","host":"h","pid":1},"plugin":"talon","version":"0.1.0"}`)

	rec := m.Map(env)

	if rec.Schema != SchemaVersion {
		t.Errorf("Schema = %q", rec.Schema)
	}
	if rec.Extensions["event"] != "tool.post" {
		t.Errorf("event = %v, want tool.post", rec.Extensions["event"])
	}
	if rec.Inputs.ToolName != "Bash" {
		t.Errorf("ToolName = %q, want Bash", rec.Inputs.ToolName)
	}
	foundTool := false
	for _, l := range rec.Labels {
		if l.Key == "tool_name" && l.Value == "Bash" {
			foundTool = true
		}
	}
	if !foundTool {
		t.Error("expected tool_name label")
	}
	if rec.IDs.SpanID == "" {
		t.Error("expected non-empty span_id")
	}
	if rec.IDs.TraceID == "" {
		t.Error("expected non-empty trace_id")
	}
	if rec.IDs.ParentSpanID != "" {
		t.Error("parent_span_id must be empty at this revision")
	}
}

func TestMapUnknownEventPassesThrough(t *testing.T) {
	cache := enrich.NewCache(enrich.DefaultTTL)
	m := NewMapper(cache, "h")
	env := mustParse(t, `{"event":"SomethingNew","payload":{},"ts":"2025-01-13T12:34:56.789Z","env":{"session_id":"","host":"h","pid":1},"plugin":"talon","version":"0.1.0"}`)

	rec := m.Map(env)
	if rec.Extensions["event"] != "SomethingNew" {
		t.Errorf("event = %v, want SomethingNew", rec.Extensions["event"])
	}
}

func TestMapTraceIDAdvancesWithSequenceInSameSession(t *testing.T) {
	cache := enrich.NewCache(enrich.DefaultTTL)
	m := NewMapper(cache, "h")
	env1 := mustParse(t, `{"event":"Stop","payload":{},"ts":"2025-01-13T12:34:56.789Z","env":{"session_id":"s1","host":"h","pid":1},"plugin":"talon","version":"0.1.0"}`)
	env2 := mustParse(t, `{"event":"Stop","payload":{},"ts":"2025-01-13T12:34:57.789Z","env":{"session_id":"s1","host":"h","pid":1},"plugin":"talon","version":"0.1.0"}`)

	rec1 := m.Map(env1)
	rec2 := m.Map(env2)
	if rec1.IDs.TraceID == rec2.IDs.TraceID {
		t.Error("expected distinct trace_ids for distinct sequence numbers within the same session")
	}
}

func TestMapRandomTraceIDWhenNoSession(t *testing.T) {
	cache := enrich.NewCache(enrich.DefaultTTL)
	m := NewMapper(cache, "h")
	env := mustParse(t, `{"event":"Stop","payload":{},"ts":"2025-01-13T12:34:56.789Z","env":{"session_id":"","host":"h","pid":1},"plugin":"talon","version":"0.1.0"}`)

	rec := m.Map(env)
	if rec.IDs.TraceID == "" {
		t.Error("expected a random trace_id when session_id is absent")
	}
}

func TestMapNeverErrorsOnDegeneratePayload(t *testing.T) {
	cache := enrich.NewCache(enrich.DefaultTTL)
	m := NewMapper(cache, "h")
	env := mustParse(t, `{"event":"PostToolUse","payload":"not an object","ts":"2025-01-13T12:34:56.789Z","env":{"session_id":"s1","host":"h","pid":1},"plugin":"talon","version":"0.1.0"}`)

	rec := m.Map(env)
	if rec.Inputs.ToolName != "" {
		t.Errorf("expected empty tool name for degenerate payload, got %q", rec.Inputs.ToolName)
	}
}

func TestMapRoundTripsThroughJSON(t *testing.T) {
	cache := enrich.NewCache(enrich.DefaultTTL)
	m := NewMapper(cache, "h")
	env := mustParse(t, `{"event":"PostToolUse","payload":{"tool_name":"Bash"},"ts":"2025-01-13T12:34:56.789Z","env":{"session_id":"s1","host":"h","pid":1},"plugin":"talon","version":"0.1.0"}`)
	rec := m.Map(env)

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var rec2 Record
	if err := json.Unmarshal(data, &rec2); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	data2, err := json.Marshal(&rec2)
	if err != nil {
		t.Fatalf("re-Marshal: %v", err)
	}
	if string(data) != string(data2) {
		t.Errorf("round-trip mismatch:\n%s\nvs\n%s", data, data2)
	}
}

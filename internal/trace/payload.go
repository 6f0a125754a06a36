package trace

import "encoding/json"

// decodeAny unmarshals raw JSON into a generic interface{}, reporting
// whether decoding succeeded.
func decodeAny(raw []byte) (interface{}, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

// extractPayload pulls tool name/args, a message snapshot, and any output
// fields out of an envelope payload of unknown shape. Unrecognized shapes
// yield empty inputs, never an error (spec.md §4.3).
func extractPayload(raw []byte) (toolName string, toolArgs map[string]interface{}, message string, outputs Outputs) {
	v, ok := decodeAny(raw)
	if !ok {
		return "", nil, "", Outputs{}
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return "", nil, "", Outputs{}
	}

	if name, ok := obj["tool_name"].(string); ok {
		toolName = name
	}
	if args, ok := obj["tool_input"].(map[string]interface{}); ok {
		toolArgs = args
	} else if args, ok := obj["tool_args"].(map[string]interface{}); ok {
		toolArgs = args
	}
	if msg, ok := obj["message"].(string); ok {
		message = msg
	}

	if text, ok := obj["assistant_text"].(string); ok {
		outputs.AssistantText = text
	}
	if reason, ok := obj["finish_reason"].(string); ok {
		outputs.FinishReason = reason
	}
	if calls, ok := obj["tool_calls"].([]interface{}); ok {
		for _, c := range calls {
			if m, ok := c.(map[string]interface{}); ok {
				outputs.ToolCalls = append(outputs.ToolCalls, m)
			}
		}
	}

	return toolName, toolArgs, message, outputs
}

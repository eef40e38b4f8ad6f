package tymbal

// NormalizeSet applies the single pre-broadcast normalization to a set
// frame's value: legacy tool_call payloads carry their arguments under
// "input"; consumers expect "args". Every other field passes through
// untouched, and frames that are not tool_call sets are returned as-is.
func NormalizeSet(frame *Frame) *Frame {
	if frame == nil || frame.Kind != KindSet || frame.Value == nil {
		return frame
	}
	if frame.Value["type"] != TypeToolCall {
		return frame
	}
	input, hasInput := frame.Value["input"]
	if !hasInput {
		return frame
	}
	if _, hasArgs := frame.Value["args"]; hasArgs {
		return frame
	}

	value := make(map[string]interface{}, len(frame.Value))
	for k, v := range frame.Value {
		if k == "input" {
			continue
		}
		value[k] = v
	}
	value["args"] = input

	normalized := *frame
	normalized.Value = value
	return &normalized
}

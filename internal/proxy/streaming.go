package proxy

import (
	"encoding/json"
	"net/http"
)

// writeMessageStream replays a finished message as the Messages API event
// sequence for clients that asked for stream=true. The upstream response
// is fully assembled and checked before the first event is written, so a
// truncated tool call never reaches the client half-sent.
func writeMessageStream(w http.ResponseWriter, msg anthropicMessage) error {
	sse := NewSSEWriter(w)

	start := msg
	start.Content = []anthropicContent{}
	start.StopReason = nil
	start.Usage.OutputTokens = 0
	if err := sse.WriteEvent("message_start", map[string]interface{}{
		"type":    "message_start",
		"message": start,
	}); err != nil {
		return err
	}

	for i, block := range msg.Content {
		if err := writeContentBlock(sse, i, block); err != nil {
			return err
		}
	}

	if err := sse.WriteEvent("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   msg.StopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]int{"output_tokens": msg.Usage.OutputTokens},
	}); err != nil {
		return err
	}
	return sse.WriteEvent("message_stop", map[string]string{"type": "message_stop"})
}

func writeContentBlock(sse *SSEWriter, index int, block anthropicContent) error {
	var (
		opening anthropicContent
		delta   map[string]interface{}
	)
	switch block.Type {
	case "tool_use":
		input, err := json.Marshal(block.Input)
		if err != nil {
			return err
		}
		opening = anthropicContent{Type: "tool_use", ID: block.ID, Name: block.Name, Input: map[string]interface{}{}}
		delta = map[string]interface{}{"type": "input_json_delta", "partial_json": string(input)}
	default:
		empty := ""
		text := ""
		if block.Text != nil {
			text = *block.Text
		}
		opening = anthropicContent{Type: "text", Text: &empty}
		delta = map[string]interface{}{"type": "text_delta", "text": text}
	}

	if err := sse.WriteEvent("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         index,
		"content_block": opening,
	}); err != nil {
		return err
	}
	if err := sse.WriteEvent("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": index,
		"delta": delta,
	}); err != nil {
		return err
	}
	return sse.WriteEvent("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": index,
	})
}

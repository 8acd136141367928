package testutil

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/allaspectsdev/kirogate/internal/kiro"
	"github.com/allaspectsdev/kirogate/internal/pipeline"
)

// SampleModel is the model name used by the request fixtures.
const SampleModel = "claude-sonnet-4-5-20250929"

// SampleAnthropicRequest returns a valid Messages API request body.
func SampleAnthropicRequest() []byte {
	return AnthropicRequest(false, nil)
}

// AnthropicRequest returns a single-turn Messages API request body with the
// given tools.
func AnthropicRequest(stream bool, tools []kiro.Tool) []byte {
	req := map[string]interface{}{
		"model":      SampleModel,
		"max_tokens": 1024,
		"system":     "You are a helpful assistant.",
		"messages": []map[string]interface{}{
			{"role": "user", "content": "Hello, how are you?"},
		},
		"stream": stream,
	}
	if len(tools) > 0 {
		var out []map[string]interface{}
		for _, t := range tools {
			out = append(out, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.InputSchema.JSON,
			})
		}
		req["tools"] = out
	}
	data, _ := json.Marshal(req)
	return data
}

// UpstreamText returns an upstream response body carrying text chunks.
func UpstreamText(chunks ...string) []byte {
	resp := kiro.Response{}
	for _, c := range chunks {
		resp.Events = append(resp.Events, kiro.Event{AssistantResponseEvent: &kiro.AssistantResponseEvent{Content: c}})
	}
	data, _ := json.Marshal(resp)
	return data
}

// UpstreamToolUse returns an upstream response body with one tool use whose
// input arrives in the given fragments. The last fragment carries stop.
func UpstreamToolUse(id, name string, fragments ...string) []byte {
	resp := kiro.Response{}
	for i, f := range fragments {
		resp.Events = append(resp.Events, kiro.Event{ToolUseEvent: &kiro.ToolUseEvent{
			ToolUseID: id,
			Name:      name,
			Input:     f,
			Stop:      i == len(fragments)-1,
		}})
	}
	data, _ := json.Marshal(resp)
	return data
}

// SampleTools returns n tools whose descriptions are descLen bytes long.
func SampleTools(n, descLen int) []kiro.Tool {
	tools := make([]kiro.Tool, n)
	for i := range tools {
		tools[i] = kiro.Tool{
			Name:        fmt.Sprintf("tool_%d", i),
			Description: strings.Repeat("d", descLen),
			InputSchema: kiro.InputSchema{JSON: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string", "description": "file path"},
				},
				"required": []interface{}{"path"},
			}},
		}
	}
	return tools
}

// SampleMessages generates n-turn conversation messages for testing.
func SampleMessages(n int) []pipeline.Message {
	messages := make([]pipeline.Message, 0, n*2)
	for i := 0; i < n; i++ {
		messages = append(messages, pipeline.Message{
			Role:    "user",
			Content: fmt.Sprintf("This is user message number %d with some content to work with.", i+1),
		})
		messages = append(messages, pipeline.Message{
			Role:    "assistant",
			Content: fmt.Sprintf("This is assistant response number %d with some content.", i+1),
		})
	}
	return messages
}

// SamplePipelineRequest creates a pipeline.Request for testing.
func SamplePipelineRequest() *pipeline.Request {
	msgs := append(SampleMessages(1), pipeline.Message{Role: "user", Content: "And now?"})
	return &pipeline.Request{
		ID:        "test-request-123",
		Model:     SampleModel,
		Messages:  msgs,
		System:    "You are a helpful assistant.",
		MaxTokens: 1024,
		RawBody:   SampleAnthropicRequest(),
		Flags:     make(map[string]bool),
		Headers:   make(map[string]string),
		Metadata:  make(map[string]interface{}),
	}
}

package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/allaspectsdev/kirogate/internal/kiro"
	"github.com/allaspectsdev/kirogate/internal/pipeline"
)

// anthropicRawRequest is the raw JSON structure for an Anthropic Messages API request.
type anthropicRawRequest struct {
	Model       string          `json:"model"`
	Messages    json.RawMessage `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Tools       []anthropicTool `json:"tools,omitempty"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

type anthropicRawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ParseAnthropicRequest parses an Anthropic Messages API request body into a
// normalized pipeline.Request. Message content is kept as a string or a
// []pipeline.ContentBlock, whichever the client sent.
func ParseAnthropicRequest(body []byte) (*pipeline.Request, error) {
	var raw anthropicRawRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing anthropic request: %w", err)
	}

	req := &pipeline.Request{
		Model:       raw.Model,
		Stream:      raw.Stream,
		MaxTokens:   raw.MaxTokens,
		Temperature: raw.Temperature,
		RawBody:     body,
		Metadata:    make(map[string]interface{}),
		Flags:       make(map[string]bool),
		Headers:     make(map[string]string),
	}

	if raw.Messages != nil {
		var msgs []anthropicRawMessage
		if err := json.Unmarshal(raw.Messages, &msgs); err != nil {
			return nil, fmt.Errorf("parsing anthropic messages: %w", err)
		}
		for i, m := range msgs {
			content, err := parseContent(m.Content)
			if err != nil {
				return nil, fmt.Errorf("parsing anthropic message %d: %w", i, err)
			}
			req.Messages = append(req.Messages, pipeline.Message{Role: m.Role, Content: content})
		}
	}

	// System can be a plain string or an array of text blocks.
	if len(raw.System) > 0 {
		system, err := parseContent(raw.System)
		if err != nil {
			return nil, fmt.Errorf("parsing anthropic system: %w", err)
		}
		req.System = contentText(system)
	}

	for _, t := range raw.Tools {
		if t.Name == "" {
			continue
		}
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, kiro.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: kiro.InputSchema{JSON: schema},
		})
	}

	if raw.Metadata != nil {
		var metadata map[string]interface{}
		if err := json.Unmarshal(raw.Metadata, &metadata); err != nil {
			return nil, fmt.Errorf("parsing anthropic metadata: %w", err)
		}
		for k, v := range metadata {
			req.Metadata[k] = v
		}
	}

	return req, nil
}

// parseContent decodes a content field that is either a string or an
// array of blocks.
func parseContent(raw json.RawMessage) (interface{}, error) {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case trimmed == "" || trimmed == "null":
		return "", nil
	case strings.HasPrefix(trimmed, "\""):
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(trimmed, "["):
		var blocks []pipeline.ContentBlock
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return nil, err
		}
		return blocks, nil
	default:
		return nil, fmt.Errorf("unexpected content %.20q", trimmed)
	}
}

// contentText returns the text of a content value. Content may be a plain
// string, a []ContentBlock, or the []interface{} produced by decoding a
// tool_result's nested content. Only text blocks contribute.
func contentText(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []pipeline.ContentBlock:
		var parts []string
		for _, b := range v {
			if (b.Type == "text" || b.Type == "") && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	case []interface{}:
		var parts []string
		for _, item := range v {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if typ, _ := block["type"].(string); typ != "text" && typ != "" {
				continue
			}
			if text, ok := block["text"].(string); ok && text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprintf("%v", content)
	}
}

// contentBlocks returns content as blocks, wrapping a plain string.
func contentBlocks(content interface{}) []pipeline.ContentBlock {
	switch v := content.(type) {
	case []pipeline.ContentBlock:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []pipeline.ContentBlock{{Type: "text", Text: v}}
	default:
		return nil
	}
}

type anthropicContent struct {
	Type  string  `json:"type"`
	Text  *string `json:"text,omitempty"`
	ID    string  `json:"id,omitempty"`
	Name  string  `json:"name,omitempty"`
	Input any     `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicMessage is a Messages API response.
type anthropicMessage struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Role         string             `json:"role"`
	Model        string             `json:"model"`
	Content      []anthropicContent `json:"content"`
	StopReason   *string            `json:"stop_reason"`
	StopSequence *string            `json:"stop_sequence"`
	Usage        anthropicUsage     `json:"usage"`
}

// renderMessage converts a processed pipeline response into the Anthropic
// response shape. Tool uses whose input did not decode are sent with an
// empty object.
func renderMessage(req *pipeline.Request, resp *pipeline.Response) anthropicMessage {
	msg := anthropicMessage{
		ID:         "msg_" + strings.ReplaceAll(resp.RequestID, "-", ""),
		Type:       "message",
		Role:       "assistant",
		Model:      req.Model,
		StopReason: &resp.StopReason,
		Usage: anthropicUsage{
			InputTokens:  req.TokensIn,
			OutputTokens: resp.TokensOut,
		},
	}

	text := resp.Text
	if refs := formatWebLinks(resp.WebLinks); refs != "" {
		if text != "" {
			text += "\n\n"
		}
		text += refs
	}
	if text != "" || len(resp.ToolUses) == 0 {
		msg.Content = append(msg.Content, anthropicContent{Type: "text", Text: &text})
	}
	for _, tu := range resp.ToolUses {
		var input any = map[string]interface{}{}
		if tu.Input != nil {
			input = tu.Input
		}
		msg.Content = append(msg.Content, anthropicContent{
			Type:  "tool_use",
			ID:    tu.ID,
			Name:  tu.Name,
			Input: input,
		})
	}
	return msg
}

func formatWebLinks(links []kiro.WebLink) string {
	if len(links) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("References:")
	for _, l := range links {
		title := l.Title
		if title == "" {
			title = l.URL
		}
		fmt.Fprintf(&b, "\n- [%s](%s)", title, l.URL)
	}
	return b.String()
}

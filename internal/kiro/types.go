// Package kiro holds the upstream wire types, the HTTP client that talks to
// the upstream, and helpers that turn its responses into assembled content.
package kiro

import "encoding/json"

// InputSchema wraps a tool's JSON schema.
type InputSchema struct {
	JSON any `json:"json"`
}

// Tool is a tool definition as sent upstream.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// ToolEntry is the envelope the upstream expects around each Tool.
type ToolEntry struct {
	ToolSpecification Tool `json:"toolSpecification"`
}

// ToolResultContent is one piece of a tool result.
type ToolResultContent struct {
	Text string `json:"text,omitempty"`
	JSON any    `json:"json,omitempty"`
}

// ToolResult reports the outcome of a tool use back to the model.
type ToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status,omitempty"`
}

// ToolUse is a tool invocation recorded in conversation history.
type ToolUse struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     any    `json:"input"`
}

// UserInputMessageContext carries tools and tool results for a user turn.
type UserInputMessageContext struct {
	Tools       []ToolEntry  `json:"tools,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// UserInputMessage is a user turn.
type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId,omitempty"`
	Origin                  string                   `json:"origin,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// AssistantResponseMessage is an assistant turn in history.
type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

// HistoryMessage holds exactly one of its fields.
type HistoryMessage struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// CurrentMessage is the turn being answered.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// ConversationState is the body of a generate request.
type ConversationState struct {
	ConversationID  string           `json:"conversationId"`
	ChatTriggerType string           `json:"chatTriggerType"`
	CurrentMessage  CurrentMessage   `json:"currentMessage"`
	History         []HistoryMessage `json:"history,omitempty"`
}

// Request is the JSON body posted upstream.
type Request struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

// Tools returns the tool definitions attached to the current message.
func (r *Request) Tools() []Tool {
	ctx := r.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext
	if ctx == nil {
		return nil
	}
	out := make([]Tool, len(ctx.Tools))
	for i, e := range ctx.Tools {
		out[i] = e.ToolSpecification
	}
	return out
}

// WrapTools converts tools into upstream envelopes.
func WrapTools(tools []Tool) []ToolEntry {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ToolEntry, len(tools))
	for i, t := range tools {
		out[i] = ToolEntry{ToolSpecification: t}
	}
	return out
}

// AssistantResponseEvent is a chunk of assistant text.
type AssistantResponseEvent struct {
	Content string `json:"content"`
}

// ToolUseEvent is a fragment of a streamed tool call. Input fragments for
// the same ToolUseID are concatenated in arrival order; Stop marks the last one.
type ToolUseEvent struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input,omitempty"`
	Stop      bool   `json:"stop,omitempty"`
}

// WebLink is a supplementary reference returned with an answer.
type WebLink struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// SupplementaryWebLinksEvent carries reference links.
type SupplementaryWebLinksEvent struct {
	SupplementaryWebLinks []WebLink `json:"supplementaryWebLinks"`
}

// Event is one entry in an upstream response. Exactly one field is set.
type Event struct {
	AssistantResponseEvent     *AssistantResponseEvent     `json:"assistantResponseEvent,omitempty"`
	ToolUseEvent               *ToolUseEvent               `json:"toolUseEvent,omitempty"`
	SupplementaryWebLinksEvent *SupplementaryWebLinksEvent `json:"supplementaryWebLinksEvent,omitempty"`
}

// Response is the decoded upstream response body.
type Response struct {
	Events []Event `json:"events"`
}

// DecodeResponse parses an upstream response body.
func DecodeResponse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

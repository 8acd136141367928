package pipeline

import (
	"context"
	"time"

	"github.com/allaspectsdev/kirogate/internal/kiro"
)

// Message represents a chat message in normalized form.
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []ContentBlock
}

// ContentBlock represents a content block (for multi-part messages).
type ContentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Source    map[string]interface{} `json:"source,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     interface{}            `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   interface{}            `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

// Request represents a normalized API request flowing through the pipeline.
type Request struct {
	ID          string
	ReceivedAt  time.Time
	Model       string
	Messages    []Message
	System      string // system prompt text
	Tools       []kiro.Tool
	Stream      bool
	MaxTokens   int
	Temperature *float64
	RawBody     []byte
	Metadata    map[string]interface{}
	TokensIn    int
	Flags       map[string]bool
	Headers     map[string]string // original request headers
}

// ToolUse is a tool call produced by the model.
type ToolUse struct {
	ID       string
	Name     string
	RawInput string
	// Input is the decoded RawInput, nil if it did not parse.
	Input map[string]interface{}
	// Complete is false when the upstream stopped before the final fragment.
	Complete bool
}

// Response represents a normalized API response flowing through the pipeline.
type Response struct {
	RequestID    string
	StatusCode   int
	Model        string
	Text         string
	ToolUses     []ToolUse
	WebLinks     []kiro.WebLink
	StopReason   string
	TokensOut    int
	CredentialID uint64
	Attempts     int
	Truncations  int
	Flags        map[string]bool
	Latency      time.Duration
	Error        string
}

// contextKey is an unexported type for context keys in this package.
type contextKey string

// middlewareTimingsKey is the context key for storing per-middleware latency.
const middlewareTimingsKey contextKey = "middleware_timings"

// WithMiddlewareTimings stores the middleware timing map in the context.
func WithMiddlewareTimings(ctx context.Context, timings map[string]time.Duration) context.Context {
	return context.WithValue(ctx, middlewareTimingsKey, timings)
}

// GetMiddlewareTimings retrieves the middleware timing map from the context.
func GetMiddlewareTimings(ctx context.Context) (map[string]time.Duration, bool) {
	t, ok := ctx.Value(middlewareTimingsKey).(map[string]time.Duration)
	return t, ok
}

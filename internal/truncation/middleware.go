package truncation

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/kirogate/internal/metrics"
	"github.com/allaspectsdev/kirogate/internal/pipeline"
	"github.com/allaspectsdev/kirogate/internal/tracing"
)

// Middleware replaces truncated tool calls in responses with a soft-failure
// text block so the agent retries instead of running broken arguments.
type Middleware struct {
	enabled bool
	metrics *metrics.Metrics
}

// Compile-time assertion that Middleware implements pipeline.Middleware.
var _ pipeline.Middleware = (*Middleware)(nil)

// NewMiddleware creates a Middleware. m may be nil.
func NewMiddleware(enabled bool, m *metrics.Metrics) *Middleware {
	return &Middleware{enabled: enabled, metrics: m}
}

func (m *Middleware) Name() string  { return "truncation" }
func (m *Middleware) Enabled() bool { return m.enabled }

func (m *Middleware) ProcessRequest(_ context.Context, req *pipeline.Request) (*pipeline.Request, error) {
	return req, nil
}

// ProcessResponse checks every tool use in resp.
func (m *Middleware) ProcessResponse(ctx context.Context, req *pipeline.Request, resp *pipeline.Response) (*pipeline.Response, error) {
	if len(resp.ToolUses) == 0 {
		return resp, nil
	}

	kept := resp.ToolUses[:0:0]
	var notes []string
	for _, tu := range resp.ToolUses {
		var parsed any
		if tu.Input != nil {
			parsed = tu.Input
		}
		info := Detect(tu.Name, tu.ID, tu.RawInput, parsed)
		if !info.Truncated {
			kept = append(kept, tu)
			continue
		}

		log.Warn().
			Str("request_id", req.ID).
			Str("tool", tu.Name).
			Str("tool_use_id", tu.ID).
			Str("kind", info.Kind.String()).
			Int("raw_bytes", len(tu.RawInput)).
			Bool("stream_complete", tu.Complete).
			Msg(info.Message)
		m.metrics.ObserveTruncation(info.Kind.String())
		tracing.RecordTruncation(ctx, tu.Name, tu.ID, info.Kind.String())
		notes = append(notes, SoftFailureMessage(info))
	}
	if len(notes) == 0 {
		return resp, nil
	}

	resp.ToolUses = kept
	resp.Truncations += len(notes)
	if resp.Flags == nil {
		resp.Flags = make(map[string]bool)
	}
	resp.Flags["truncated"] = true

	text := strings.Join(notes, "\n\n")
	if resp.Text != "" {
		text = resp.Text + "\n\n" + text
	}
	resp.Text = text
	if len(kept) == 0 && resp.StopReason == "tool_use" {
		resp.StopReason = "end_turn"
	}
	return resp, nil
}

package compress

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/kirogate/internal/kiro"
	"github.com/allaspectsdev/kirogate/internal/metrics"
	"github.com/allaspectsdev/kirogate/internal/pipeline"
	"github.com/allaspectsdev/kirogate/internal/tokenizer"
)

// Metadata keys written by ToolsMiddleware.
const (
	MetaToolsOriginalBytes = "tools_original_bytes"
	MetaToolsFinalBytes    = "tools_final_bytes"
	MetaToolsElevated      = "tools_elevated"
	MetaToolsTokensSaved   = "tools_tokens_saved"
)

// ToolsConfig controls ToolsMiddleware.
type ToolsConfig struct {
	Compression bool
	Elevation   bool
}

// ToolsMiddleware keeps tool definitions within the upstream's payload
// budget. Oversized descriptions are moved into the system prompt first,
// then the remaining payload is compressed if it is still too large.
type ToolsMiddleware struct {
	compression atomic.Bool
	elevation   bool
	tok         *tokenizer.Tokenizer
	metrics     *metrics.Metrics
}

// Compile-time assertion that ToolsMiddleware implements pipeline.Middleware.
var _ pipeline.Middleware = (*ToolsMiddleware)(nil)

// NewToolsMiddleware creates a ToolsMiddleware. tok and m may be nil.
func NewToolsMiddleware(cfg ToolsConfig, tok *tokenizer.Tokenizer, m *metrics.Metrics) *ToolsMiddleware {
	t := &ToolsMiddleware{elevation: cfg.Elevation, tok: tok, metrics: m}
	t.compression.Store(cfg.Compression)
	return t
}

// SetCompression switches compression on or off at runtime.
func (t *ToolsMiddleware) SetCompression(on bool) { t.compression.Store(on) }

// CompressionEnabled reports whether compression is on.
func (t *ToolsMiddleware) CompressionEnabled() bool { return t.compression.Load() }

// Name returns the middleware identifier.
func (t *ToolsMiddleware) Name() string { return "tools" }

// Enabled reports whether either shaping step is turned on.
func (t *ToolsMiddleware) Enabled() bool { return t.compression.Load() || t.elevation }

// ProcessRequest shapes req.Tools and records the sizes in req.Metadata.
func (t *ToolsMiddleware) ProcessRequest(_ context.Context, req *pipeline.Request) (*pipeline.Request, error) {
	if len(req.Tools) == 0 {
		return req, nil
	}
	if req.Metadata == nil {
		req.Metadata = make(map[string]interface{})
	}
	if req.Flags == nil {
		req.Flags = make(map[string]bool)
	}

	before := ToolsSize(req.Tools)
	tools := req.Tools
	elevated := 0

	if t.elevation {
		var doc string
		tools, doc, elevated = ElevateLongDescriptions(tools)
		if elevated > 0 {
			req.System += doc
			req.Flags["tools_elevated"] = true
			log.Debug().
				Str("request_id", req.ID).
				Int("tools", elevated).
				Msg("moved long tool descriptions into system prompt")
		}
	}

	var change *SizeChange
	if t.compression.Load() {
		tools, change = CompressToolsIfNeeded(tools)
		if change != nil {
			req.Flags["tools_compressed"] = true
			log.Info().
				Str("request_id", req.ID).
				Int("original_bytes", change.Original).
				Int("final_bytes", change.Final).
				Int("target_bytes", TargetToolsSize).
				Msg("compressed tool definitions")
		}
	}

	req.Tools = tools
	after := ToolsSize(tools)
	req.Metadata[MetaToolsOriginalBytes] = before
	req.Metadata[MetaToolsFinalBytes] = after
	req.Metadata[MetaToolsElevated] = elevated
	if t.tok != nil && change != nil {
		req.Metadata[MetaToolsTokensSaved] = t.tokensSaved(req.Tools, change)
	}

	t.metrics.ObserveToolShaping(before, after, elevated, change != nil)
	return req, nil
}

// tokensSaved estimates the token reduction from compression by comparing
// the compressed payload with its byte-scaled original.
func (t *ToolsMiddleware) tokensSaved(tools []kiro.Tool, change *SizeChange) int {
	b, err := json.Marshal(tools)
	if err != nil || change.Final == 0 {
		return 0
	}
	after := t.tok.CountTokens(string(b))
	before := after * change.Original / change.Final
	return before - after
}

// ProcessResponse is a no-op.
func (t *ToolsMiddleware) ProcessResponse(_ context.Context, _ *pipeline.Request, resp *pipeline.Response) (*pipeline.Response, error) {
	return resp, nil
}

package compress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/allaspectsdev/kirogate/internal/kiro"
)

const (
	// TargetToolsSize is the serialized tools budget in bytes.
	TargetToolsSize = 20 * 1024
	// MinDescriptionLength is the floor a description is shrunk to.
	MinDescriptionLength = 50
	// ElevateThreshold is the description length above which the text moves
	// into the system prompt.
	ElevateThreshold = 10000

	ellipsis = "..."
)

// SizeChange reports the serialized tools size before and after shaping.
type SizeChange struct {
	Original int
	Final    int
}

// ToolsSize returns the serialized JSON size of tools, or 0 if they cannot
// be serialized.
func ToolsSize(tools []kiro.Tool) int {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tools); err != nil {
		return 0
	}
	// Encode appends a newline.
	return buf.Len() - 1
}

// CompressToolsIfNeeded shrinks tools until they fit TargetToolsSize. Schemas
// are simplified first; if that is not enough every description is cut by
// the same ratio. The change is nil when nothing had to be done.
func CompressToolsIfNeeded(tools []kiro.Tool) ([]kiro.Tool, *SizeChange) {
	if len(tools) == 0 {
		return tools, nil
	}
	original := ToolsSize(tools)
	if original <= TargetToolsSize {
		return tools, nil
	}

	out := make([]kiro.Tool, len(tools))
	for i, t := range tools {
		out[i] = kiro.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: kiro.InputSchema{JSON: SimplifySchema(t.InputSchema.JSON)},
		}
	}

	afterSchema := ToolsSize(out)
	if afterSchema <= TargetToolsSize {
		return out, &SizeChange{Original: original, Final: afterSchema}
	}

	excess := afterSchema - TargetToolsSize
	totalDesc := 0
	for _, t := range out {
		totalDesc += len(t.Description)
	}
	if totalDesc > 0 {
		keep := 1 - float64(excess)/float64(totalDesc)
		keep = math.Max(0, math.Min(1, keep))
		for i := range out {
			target := int(float64(len(out[i].Description)) * keep)
			out[i].Description = shrinkDescription(out[i].Description, target)
		}
	}

	return out, &SizeChange{Original: original, Final: ToolsSize(out)}
}

// SimplifySchema keeps only the structural parts of a JSON schema: type,
// enum, required, and the recursively simplified properties, items,
// additionalProperties and anyOf/oneOf/allOf. Non-object values are
// returned unchanged.
func SimplifySchema(schema any) any {
	m, ok := asObject(schema)
	if !ok {
		return schema
	}

	out := make(map[string]any)
	for _, key := range []string{"type", "enum", "required"} {
		if v, ok := m[key]; ok {
			out[key] = v
		}
	}
	if props, ok := asObject(m["properties"]); ok {
		simplified := make(map[string]any, len(props))
		for k, v := range props {
			simplified[k] = SimplifySchema(v)
		}
		out["properties"] = simplified
	}
	if items, ok := m["items"]; ok {
		out["items"] = SimplifySchema(items)
	}
	if ap, ok := m["additionalProperties"]; ok {
		out["additionalProperties"] = SimplifySchema(ap)
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		arr, ok := m[key].([]any)
		if !ok {
			continue
		}
		simplified := make([]any, len(arr))
		for i, v := range arr {
			simplified[i] = SimplifySchema(v)
		}
		out[key] = simplified
	}
	return out
}

// asObject returns schema as a JSON object. Raw JSON is decoded first.
func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(t, &m); err != nil {
			return nil, false
		}
		return m, m != nil
	default:
		return nil, false
	}
}

// shrinkDescription cuts desc to at most max(target, MinDescriptionLength)
// bytes including a trailing ellipsis, never splitting a UTF-8 sequence.
func shrinkDescription(desc string, target int) string {
	if target < MinDescriptionLength {
		target = MinDescriptionLength
	}
	if len(desc) <= target {
		return desc
	}
	cut := floorRuneBoundary(desc, target-len(ellipsis))
	return desc[:cut] + ellipsis
}

// floorRuneBoundary returns the largest index <= idx that starts a rune.
func floorRuneBoundary(s string, idx int) int {
	if idx >= len(s) {
		return len(s)
	}
	if idx <= 0 {
		return 0
	}
	for idx > 0 && !utf8.RuneStart(s[idx]) {
		idx--
	}
	return idx
}

// ElevateLongDescriptions moves descriptions longer than ElevateThreshold
// into a documentation block and leaves a pointer in the tool. The caller
// appends the returned documentation to the system prompt. With nothing to
// elevate it returns tools, "" and 0.
func ElevateLongDescriptions(tools []kiro.Tool) ([]kiro.Tool, string, int) {
	if len(tools) == 0 {
		return tools, "", 0
	}

	out := make([]kiro.Tool, len(tools))
	var parts []string
	for i, t := range tools {
		if len(t.Description) <= ElevateThreshold {
			out[i] = t
			continue
		}
		parts = append(parts, fmt.Sprintf("## Tool: %s\n\n%s", t.Name, t.Description))
		out[i] = kiro.Tool{
			Name:        t.Name,
			Description: fmt.Sprintf("[Full documentation in system prompt under '## Tool: %s']", t.Name),
			InputSchema: t.InputSchema,
		}
	}
	if len(parts) == 0 {
		return tools, "", 0
	}

	doc := "\n\n---\n# Tool Documentation\n" +
		"The following tools have detailed documentation that couldn't fit in the tool definition.\n\n" +
		strings.Join(parts, "\n\n---\n\n") + "\n"
	return out, doc, len(parts)
}

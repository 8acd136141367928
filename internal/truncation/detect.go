// Package truncation decides whether a tool call's arguments were cut off
// before the upstream finished sending them.
package truncation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind classifies a truncation verdict.
type Kind int

const (
	// None means the arguments look complete.
	None Kind = iota
	// EmptyInput means the tool call arrived with no argument text at all.
	EmptyInput
	// InvalidJSON means the arguments do not parse and show signs of being
	// cut off: unbalanced brackets, a dangling separator or an open string.
	InvalidJSON
	// MissingFields means the arguments parse but lack a field the tool
	// requires.
	MissingFields
	// IncompleteString means a write tool's content is suspiciously short or
	// ends inside an unclosed code fence.
	IncompleteString
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case EmptyInput:
		return "empty_input"
	case InvalidJSON:
		return "invalid_json"
	case MissingFields:
		return "missing_fields"
	case IncompleteString:
		return "incomplete_string"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes the kind as its snake_case name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Info is the verdict for one tool call.
type Info struct {
	Truncated bool
	Kind      Kind
	ToolName  string
	ToolUseID string
	// ParsedFields previews the fields that did arrive.
	ParsedFields map[string]string
	Message      string
}

type input struct {
	tool string
	id   string
	raw  string
	// obj is the parsed arguments when they form a non-empty object.
	obj map[string]any
}

// rule reports a verdict for in, or ok=false to defer to the next rule.
type rule struct {
	kind  Kind
	match func(in *input) (fields map[string]string, msg string, ok bool)
}

// rules run in order; the first match wins.
var rules = []rule{
	{EmptyInput, matchEmptyInput},
	{InvalidJSON, matchInvalidJSON},
	{MissingFields, matchMissingFields},
	{IncompleteString, matchIncompleteString},
}

// Detect classifies the raw arguments of a tool call. parsed is the decoded
// arguments if the caller already has them; when nil, raw is decoded here.
func Detect(toolName, toolUseID, raw string, parsed any) Info {
	if parsed == nil {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			parsed = v
		}
	}

	in := &input{tool: toolName, id: toolUseID, raw: raw}
	if obj, ok := parsed.(map[string]any); ok && len(obj) > 0 {
		in.obj = obj
	}

	for _, r := range rules {
		fields, msg, ok := r.match(in)
		if !ok {
			continue
		}
		if fields == nil {
			fields = map[string]string{}
		}
		return Info{
			Truncated:    true,
			Kind:         r.kind,
			ToolName:     toolName,
			ToolUseID:    toolUseID,
			ParsedFields: fields,
			Message:      msg,
		}
	}
	return Info{Kind: None, ToolName: toolName, ToolUseID: toolUseID, ParsedFields: map[string]string{}}
}

func matchEmptyInput(in *input) (map[string]string, string, bool) {
	if strings.TrimSpace(in.raw) != "" {
		return nil, "", false
	}
	return nil, fmt.Sprintf("Tool '%s' input was completely empty; the response may have been truncated", in.tool), true
}

func matchInvalidJSON(in *input) (map[string]string, string, bool) {
	if in.obj != nil || !looksTruncated(in.raw) {
		return nil, "", false
	}
	return partialFields(in.raw),
		fmt.Sprintf("Tool '%s' input JSON was truncated mid-transmission (%d bytes received)", in.tool, len(in.raw)),
		true
}

func matchMissingFields(in *input) (map[string]string, string, bool) {
	if in.obj == nil {
		return nil, "", false
	}
	required := requiredFields[in.tool]
	var missing []string
	for _, f := range required {
		if _, ok := in.obj[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) == 0 {
		return nil, "", false
	}
	return fieldPreviews(in.obj),
		fmt.Sprintf("Tool '%s' missing %d of %d required fields: %s", in.tool, len(missing), len(required), strings.Join(missing, ", ")),
		true
}

func matchIncompleteString(in *input) (map[string]string, string, bool) {
	if in.obj == nil || !writeTools[in.tool] {
		return nil, "", false
	}
	content, ok := in.obj["content"].(string)
	if !ok {
		return nil, "", false
	}
	if len(in.raw) > suspiciousRawBytes && len(content) < suspiciousContentBytes {
		return fieldPreviews(in.obj),
			fmt.Sprintf("Tool '%s' content field is suspiciously short (%d bytes of content in %d bytes of input)", in.tool, len(content), len(in.raw)),
			true
	}
	if fences := strings.Count(content, codeFence); fences%2 != 0 {
		return fieldPreviews(in.obj),
			fmt.Sprintf("Tool '%s' content has an unclosed code fence (%d ``` markers)", in.tool, fences),
			true
	}
	return nil, "", false
}

package truncation

import "strings"

const (
	suspiciousRawBytes     = 1000
	suspiciousContentBytes = 100
	previewChars           = 50
	codeFence              = "```"
)

var requiredFields = map[string][]string{
	"Write":              {"file_path", "content"},
	"write_to_file":      {"path", "content"},
	"fsWrite":            {"path", "content"},
	"create_file":        {"path", "content"},
	"edit_file":          {"path"},
	"apply_diff":         {"path", "diff"},
	"str_replace_editor": {"path", "old_str", "new_str"},
	"Bash":               {"command"},
	"execute":            {"command"},
	"run_command":        {"command"},
}

var writeTools = map[string]bool{
	"Write":              true,
	"write_to_file":      true,
	"fsWrite":            true,
	"create_file":        true,
	"edit_file":          true,
	"apply_diff":         true,
	"str_replace_editor": true,
	"insert":             true,
}

// RequiredFields returns the fields a known tool cannot run without.
func RequiredFields(tool string) []string {
	return requiredFields[tool]
}

// IsWriteTool reports whether the tool writes or edits files.
func IsWriteTool(tool string) bool {
	return writeTools[tool]
}

// looksTruncated reports whether raw reads like a JSON object that was cut
// off: unbalanced braces or brackets, a dangling quote, colon or comma, or a
// string that never closes.
func looksTruncated(raw string) bool {
	s := strings.TrimSpace(raw)
	if s == "" || s[0] != '{' {
		return false
	}

	if strings.Count(s, "{") > strings.Count(s, "}") || strings.Count(s, "[") > strings.Count(s, "]") {
		return true
	}

	switch s[len(s)-1] {
	case '"', ':', ',':
		return true
	}

	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		}
	}
	return inString
}

// partialFields recovers key/value previews from an unparseable object by
// splitting on commas and the first colon of each part.
func partialFields(raw string) map[string]string {
	fields := make(map[string]string)
	body := strings.TrimPrefix(strings.TrimSpace(raw), "{")
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		key = strings.Trim(strings.TrimSpace(key), `"`)
		fields[key] = preview(strings.TrimSpace(value))
	}
	return fields
}

// fieldPreviews summarizes parsed fields: strings are shown, null becomes
// <null>, and any other value <present>.
func fieldPreviews(obj map[string]any) map[string]string {
	fields := make(map[string]string, len(obj))
	for k, v := range obj {
		switch tv := v.(type) {
		case string:
			fields[k] = preview(tv)
		case nil:
			fields[k] = "<null>"
		default:
			fields[k] = "<present>"
		}
	}
	return fields
}

// preview keeps the first previewChars characters of strings longer than
// previewChars bytes and marks the cut with an ellipsis.
func preview(s string) string {
	if len(s) <= previewChars {
		return s
	}
	n := 0
	for i := range s {
		if n == previewChars {
			return s[:i] + "..."
		}
		n++
	}
	// Fewer than previewChars runes.
	return s + "..."
}

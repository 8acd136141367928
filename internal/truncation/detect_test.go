package truncation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/allaspectsdev/kirogate/internal/pipeline"
)

func parse(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("fixture %q does not parse: %v", raw, err)
	}
	return m
}

func TestDetect_EmptyInput(t *testing.T) {
	for _, raw := range []string{"", "   ", "\n\t"} {
		info := Detect("Write", "id1", raw, nil)
		if !info.Truncated || info.Kind != EmptyInput {
			t.Fatalf("raw %q: got %+v", raw, info)
		}
		if !strings.Contains(info.Message, "Write") {
			t.Fatalf("message should name the tool: %q", info.Message)
		}
	}
}

func TestDetect_InvalidJSON(t *testing.T) {
	raw := `{"path": "a.txt", "content": "x`
	info := Detect("fsWrite", "id2", raw, nil)
	if !info.Truncated || info.Kind != InvalidJSON {
		t.Fatalf("got %+v", info)
	}
	if !strings.Contains(info.Message, "fsWrite") || !strings.Contains(info.Message, "31 bytes") {
		t.Fatalf("unexpected message %q", info.Message)
	}
	if info.ParsedFields["path"] != `"a.txt"` || info.ParsedFields["content"] != `"x` {
		t.Fatalf("unexpected partial fields: %v", info.ParsedFields)
	}
}

func TestDetect_InvalidJSONNotTruncated(t *testing.T) {
	// Balanced and closed, but not valid JSON: no verdict.
	info := Detect("Bash", "id", `{command: ls}`, nil)
	if info.Truncated || info.Kind != None {
		t.Fatalf("got %+v", info)
	}
	// Not an object at all.
	if info := Detect("Bash", "id", `garbage`, nil); info.Truncated {
		t.Fatalf("got %+v", info)
	}
}

func TestDetect_MissingFields(t *testing.T) {
	raw := `{"path":"a.txt"}`

	info := Detect("fsWrite", "id3", raw, parse(t, raw))
	if !info.Truncated || info.Kind != MissingFields {
		t.Fatalf("fsWrite: got %+v", info)
	}
	if !strings.Contains(info.Message, "content") || !strings.Contains(info.Message, "fsWrite") || !strings.Contains(info.Message, "1 of 2") {
		t.Fatalf("unexpected message %q", info.Message)
	}
	if info.ParsedFields["path"] != "a.txt" {
		t.Fatalf("unexpected fields: %v", info.ParsedFields)
	}

	if info := Detect("edit_file", "id4", raw, parse(t, raw)); info.Truncated {
		t.Fatalf("edit_file: got %+v", info)
	}
}

func TestDetect_ParsesRawWhenParsedMissing(t *testing.T) {
	info := Detect("str_replace_editor", "id", `{"path":"a","old_str":"x"}`, nil)
	if info.Kind != MissingFields || !strings.Contains(info.Message, "new_str") {
		t.Fatalf("got %+v", info)
	}
}

func TestDetect_UnknownToolNoRequirements(t *testing.T) {
	raw := `{"anything":1}`
	if info := Detect("my_tool", "id", raw, parse(t, raw)); info.Truncated {
		t.Fatalf("got %+v", info)
	}
}

func TestDetect_IncompleteStringShortContent(t *testing.T) {
	raw := `{"path":"a.txt","content":"short","padding":"` + strings.Repeat("p", 1200) + `"}`
	info := Detect("fsWrite", "id5", raw, parse(t, raw))
	if !info.Truncated || info.Kind != IncompleteString {
		t.Fatalf("got %+v", info)
	}
	if !strings.Contains(info.Message, "5 bytes of content") {
		t.Fatalf("unexpected message %q", info.Message)
	}
	if info.ParsedFields["padding"] != strings.Repeat("p", 50)+"..." {
		t.Fatalf("preview not truncated: %q", info.ParsedFields["padding"])
	}
}

func TestDetect_IncompleteStringUnclosedFence(t *testing.T) {
	obj := map[string]any{"file_path": "main.go", "content": "```go\npackage main\n"}
	b, _ := json.Marshal(obj)
	info := Detect("Write", "id6", string(b), obj)
	if info.Kind != IncompleteString || !strings.Contains(info.Message, "1 ``` markers") {
		t.Fatalf("got %+v", info)
	}

	obj["content"] = "```go\npackage main\n```"
	b, _ = json.Marshal(obj)
	if info := Detect("Write", "id7", string(b), obj); info.Truncated {
		t.Fatalf("balanced fences: got %+v", info)
	}
}

func TestDetect_NonWriteToolIgnoresContent(t *testing.T) {
	obj := map[string]any{"command": "ls", "content": "```"}
	if info := Detect("Bash", "id", `{"command":"ls","content":"`+"```"+`"}`, obj); info.Truncated {
		t.Fatalf("got %+v", info)
	}
}

func TestDetect_RulePriority(t *testing.T) {
	// A parsed empty object falls through to the heuristics.
	info := Detect("Write", "id", `{"file_path": "x",`, map[string]any{})
	if info.Kind != InvalidJSON {
		t.Fatalf("got %v, want InvalidJSON", info.Kind)
	}
	// Missing fields beat incomplete content.
	obj := map[string]any{"content": "```"}
	info = Detect("Write", "id", `{"content":"`+"```"+`"}`, obj)
	if info.Kind != MissingFields {
		t.Fatalf("got %v, want MissingFields", info.Kind)
	}
}

func TestLooksTruncated(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`{"a":1}`, false},
		{`{"a":[1,2}`, true},
		{`{"a":{"b":1}`, true},
		{`{"a":1,`, true},
		{`{"a":`, true},
		{`{"a":"b"`, true},
		{`{"a":"b\"}`, true},
		{`{"a":"b\\"}`, false},
		{`[1,2`, false},
		{`  `, false},
	}
	for _, tt := range tests {
		if got := looksTruncated(tt.raw); got != tt.want {
			t.Errorf("looksTruncated(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestPreview(t *testing.T) {
	if got := preview("short"); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("é", 40) // 80 bytes, 40 runes
	if got := preview(long); got != long+"..." {
		t.Fatalf("got %q", got)
	}
	if got := preview(strings.Repeat("a", 60)); got != strings.Repeat("a", 50)+"..." {
		t.Fatalf("got %q", got)
	}
}

func TestFieldPreviews(t *testing.T) {
	got := fieldPreviews(map[string]any{"s": "v", "n": nil, "num": 3.0, "arr": []any{}})
	want := map[string]string{"s": "v", "n": "<null>", "num": "<present>", "arr": "<present>"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestSoftFailureMessage(t *testing.T) {
	info := Detect("fsWrite", "tu_1", `{"path": "a.txt", "content": "x`, nil)
	msg := SoftFailureMessage(info)
	for _, want := range []string{"fsWrite", "tu_1", "truncated mid-transmission", "- path: \"a.txt\"", "smaller parts"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}

	raw := `{"path":"a"}`
	msg = SoftFailureMessage(Detect("apply_diff", "tu_2", raw, parse(t, raw)))
	if !strings.Contains(msg, "path, diff") {
		t.Errorf("missing-fields retry should list required fields:\n%s", msg)
	}
}

func TestMiddleware(t *testing.T) {
	mw := NewMiddleware(true, nil)
	resp := &pipeline.Response{
		Text:       "Writing the file now.",
		StopReason: "tool_use",
		ToolUses: []pipeline.ToolUse{
			{ID: "a", Name: "fsWrite", RawInput: `{"path": "a.txt", "content": "x`},
			{ID: "b", Name: "Bash", RawInput: `{"command":"ls"}`, Input: map[string]interface{}{"command": "ls"}, Complete: true},
		},
	}

	out, err := mw.ProcessResponse(context.Background(), &pipeline.Request{ID: "r"}, resp)
	if err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	if len(out.ToolUses) != 1 || out.ToolUses[0].ID != "b" {
		t.Fatalf("unexpected tool uses: %+v", out.ToolUses)
	}
	if out.Truncations != 1 || !out.Flags["truncated"] {
		t.Fatalf("truncation not recorded: %+v", out)
	}
	if !strings.HasPrefix(out.Text, "Writing the file now.\n\n[Tool call truncated]") {
		t.Fatalf("unexpected text: %q", out.Text)
	}
	if out.StopReason != "tool_use" {
		t.Fatalf("stop reason changed although a tool use remains: %q", out.StopReason)
	}
}

func TestMiddleware_AllTruncated(t *testing.T) {
	mw := NewMiddleware(true, nil)
	resp := &pipeline.Response{
		StopReason: "tool_use",
		ToolUses:   []pipeline.ToolUse{{ID: "a", Name: "Write", RawInput: ""}},
	}
	out, err := mw.ProcessResponse(context.Background(), &pipeline.Request{}, resp)
	if err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	if len(out.ToolUses) != 0 || out.StopReason != "end_turn" {
		t.Fatalf("unexpected response: %+v", out)
	}
	if !strings.HasPrefix(out.Text, "[Tool call truncated] The Write call (a)") {
		t.Fatalf("unexpected text: %q", out.Text)
	}
}

func TestMiddleware_Clean(t *testing.T) {
	mw := NewMiddleware(true, nil)
	resp := &pipeline.Response{ToolUses: []pipeline.ToolUse{{ID: "a", Name: "Bash", RawInput: `{"command":"ls"}`}}}
	out, _ := mw.ProcessResponse(context.Background(), &pipeline.Request{}, resp)
	if len(out.ToolUses) != 1 || out.Truncations != 0 || out.Text != "" {
		t.Fatalf("clean response modified: %+v", out)
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{None, "none"},
		{EmptyInput, "empty_input"},
		{InvalidJSON, "invalid_json"},
		{MissingFields, "missing_fields"},
		{IncompleteString, "incomplete_string"},
		{Kind(42), "kind(42)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(tt.kind), got, tt.want)
		}
		text, _ := tt.kind.MarshalText()
		if string(text) != tt.want {
			t.Errorf("Kind(%d).MarshalText() = %q, want %q", int(tt.kind), text, tt.want)
		}
	}
}

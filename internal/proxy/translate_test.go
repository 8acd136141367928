package proxy

import (
	"errors"
	"testing"

	"github.com/allaspectsdev/kirogate/internal/kiro"
	"github.com/allaspectsdev/kirogate/internal/pipeline"
	"github.com/allaspectsdev/kirogate/internal/testutil"
)

func TestModelID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"claude-sonnet-4-5-20250929", "claude-sonnet-4.5"},
		{"claude-sonnet-4-5", "claude-sonnet-4.5"},
		{"claude-opus-4-1-20250805", "claude-opus-4.1"},
		{"claude-haiku-4-5", "claude-haiku-4.5"},
		{"claude-sonnet-4-20250514", "claude-sonnet-4"},
		{"claude-3-7-sonnet-20250219", "claude-3-7-sonnet"},
		{"CLAUDE-SONNET-4-5", "claude-sonnet-4.5"},
		{"auto", "auto"},
		{"claude-sonnet-4.5", "claude-sonnet-4.5"},
	}
	for _, tt := range tests {
		if got := modelID(tt.in); got != tt.want {
			t.Errorf("modelID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildUpstreamRequest_History(t *testing.T) {
	req := &pipeline.Request{
		Model:  "claude-sonnet-4-5",
		System: "Be brief.",
		Messages: []pipeline.Message{
			{Role: "user", Content: "first"},
			{Role: "user", Content: "second"},
			{Role: "assistant", Content: []pipeline.ContentBlock{
				{Type: "text", Text: "reading"},
				{Type: "tool_use", ID: "tu_1", Name: "read_file", Input: map[string]interface{}{"path": "a.txt"}},
			}},
			{Role: "user", Content: []pipeline.ContentBlock{
				{Type: "tool_result", ToolUseID: "tu_1", Content: "file body"},
				{Type: "text", Text: "now summarize"},
			}},
		},
		Tools: testutil.SampleTools(2, 10),
	}

	out, err := buildUpstreamRequest(req, "arn:aws:codewhisperer:profile/x")
	if err != nil {
		t.Fatalf("buildUpstreamRequest: %v", err)
	}

	cs := out.ConversationState
	if cs.ConversationID == "" || cs.ChatTriggerType != chatTriggerManual {
		t.Errorf("conversation = %q %q", cs.ConversationID, cs.ChatTriggerType)
	}
	if out.ProfileArn != "arn:aws:codewhisperer:profile/x" {
		t.Errorf("ProfileArn = %q", out.ProfileArn)
	}

	if len(cs.History) != 2 {
		t.Fatalf("history = %d entries, want 2", len(cs.History))
	}
	first := cs.History[0].UserInputMessage
	if first == nil || first.Content != "Be brief.\n\nfirst\n\nsecond" {
		t.Fatalf("first history turn = %+v", first)
	}
	if first.ModelID != "claude-sonnet-4.5" || first.Origin != originAIEditor {
		t.Errorf("first turn model/origin = %q %q", first.ModelID, first.Origin)
	}
	asst := cs.History[1].AssistantResponseMessage
	if asst == nil || asst.Content != "reading" || len(asst.ToolUses) != 1 || asst.ToolUses[0].ToolUseID != "tu_1" {
		t.Fatalf("assistant turn = %+v", asst)
	}

	cur := cs.CurrentMessage.UserInputMessage
	if cur.Content != "now summarize" {
		t.Errorf("current content = %q", cur.Content)
	}
	ctx := cur.UserInputMessageContext
	if ctx == nil || len(ctx.Tools) != 2 || len(ctx.ToolResults) != 1 {
		t.Fatalf("current context = %+v", ctx)
	}
	if r := ctx.ToolResults[0]; r.ToolUseID != "tu_1" || r.Status != "success" || r.Content[0].Text != "file body" {
		t.Errorf("tool result = %+v", r)
	}
	if got := out.Tools(); got[0].Name != "tool_0" {
		t.Errorf("wrapped tools = %+v", got)
	}
}

func TestBuildUpstreamRequest_SystemBeforeAssistant(t *testing.T) {
	req := &pipeline.Request{
		Model:  "m",
		System: "sys",
		Messages: []pipeline.Message{
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "hi"},
		},
	}
	out, err := buildUpstreamRequest(req, "")
	if err != nil {
		t.Fatalf("buildUpstreamRequest: %v", err)
	}
	h := out.ConversationState.History
	if len(h) != 2 || h[0].UserInputMessage == nil || h[0].UserInputMessage.Content != "sys" {
		t.Fatalf("history = %+v", h)
	}
	if out.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext != nil {
		t.Error("no tools and no results should leave the context empty")
	}
}

func TestBuildUpstreamRequest_ErrorResult(t *testing.T) {
	req := &pipeline.Request{
		Model: "m",
		Messages: []pipeline.Message{{Role: "user", Content: []pipeline.ContentBlock{{
			Type:      "tool_result",
			ToolUseID: "tu_2",
			IsError:   true,
			Content:   []interface{}{map[string]interface{}{"type": "text", "text": "boom"}},
		}}}},
	}
	out, err := buildUpstreamRequest(req, "")
	if err != nil {
		t.Fatalf("buildUpstreamRequest: %v", err)
	}
	r := out.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext.ToolResults[0]
	if r.Status != "error" || r.Content[0].Text != "boom" {
		t.Errorf("tool result = %+v", r)
	}
}

func TestBuildUpstreamRequest_Errors(t *testing.T) {
	tests := []struct {
		name string
		msgs []pipeline.Message
		want error
	}{
		{"empty", nil, errNoMessages},
		{"assistant last", []pipeline.Message{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}}, errLastNotUser},
		{"system role", []pipeline.Message{{Role: "system", Content: "a"}}, errUnsupportedRoles},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildUpstreamRequest(&pipeline.Request{Model: "m", Messages: tt.msgs}, "")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestToPipelineResponse(t *testing.T) {
	resp := toPipelineResponse("req-1", kiro.Assembled{
		Text: "done",
		ToolUses: []kiro.AssembledToolUse{
			{ID: "a", Name: "ok", RawInput: `{"x":1}`, Complete: true},
			{ID: "b", Name: "cut", RawInput: `{"x":`, Complete: false},
		},
	})
	if resp.StopReason != "tool_use" || len(resp.ToolUses) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.ToolUses[0].Input["x"] != float64(1) {
		t.Errorf("decoded input = %v", resp.ToolUses[0].Input)
	}
	if resp.ToolUses[1].Input != nil || resp.ToolUses[1].Complete {
		t.Errorf("truncated tool use = %+v", resp.ToolUses[1])
	}

	if r := toPipelineResponse("req-2", kiro.Assembled{Text: "hi"}); r.StopReason != "end_turn" {
		t.Errorf("StopReason = %q", r.StopReason)
	}
}

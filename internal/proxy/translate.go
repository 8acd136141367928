package proxy

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/allaspectsdev/kirogate/internal/kiro"
	"github.com/allaspectsdev/kirogate/internal/pipeline"
)

const (
	chatTriggerManual = "MANUAL"
	originAIEditor    = "AI_EDITOR"
)

var (
	errNoMessages       = errors.New("messages must not be empty")
	errLastNotUser      = errors.New("last message must have role user")
	errUnsupportedRoles = errors.New("messages may only use roles user and assistant")
)

// dateSuffix matches the release date Anthropic appends to model names.
var dateSuffix = regexp.MustCompile(`-\d{8}$`)

// modelID maps an Anthropic model name onto the upstream model id:
// "claude-sonnet-4-5-20250929" becomes "claude-sonnet-4.5". Names without
// a minor version pass through without their date suffix.
func modelID(model string) string {
	id := dateSuffix.ReplaceAllString(strings.ToLower(strings.TrimSpace(model)), "")
	parts := strings.Split(id, "-")
	n := len(parts)
	if n >= 4 && isDigits(parts[n-1]) && isDigits(parts[n-2]) && len(parts[n-1]) == 1 {
		return strings.Join(parts[:n-2], "-") + "-" + parts[n-2] + "." + parts[n-1]
	}
	return id
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// turn is a run of consecutive messages from one role, merged.
type turn struct {
	role     string
	text     []string
	toolUses []kiro.ToolUse
	results  []kiro.ToolResult
}

func (t *turn) content() string { return strings.Join(t.text, "\n\n") }

// collectTurns merges consecutive same-role messages. The upstream expects
// strictly alternating turns.
func collectTurns(msgs []pipeline.Message) ([]*turn, error) {
	var turns []*turn
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" {
			return nil, errUnsupportedRoles
		}
		if len(turns) == 0 || turns[len(turns)-1].role != m.Role {
			turns = append(turns, &turn{role: m.Role})
		}
		t := turns[len(turns)-1]

		for _, b := range contentBlocks(m.Content) {
			switch b.Type {
			case "text", "":
				if b.Text != "" {
					t.text = append(t.text, b.Text)
				}
			case "tool_use":
				input := b.Input
				if input == nil {
					input = map[string]interface{}{}
				}
				t.toolUses = append(t.toolUses, kiro.ToolUse{ToolUseID: b.ID, Name: b.Name, Input: input})
			case "tool_result":
				status := "success"
				if b.IsError {
					status = "error"
				}
				t.results = append(t.results, kiro.ToolResult{
					ToolUseID: b.ToolUseID,
					Content:   []kiro.ToolResultContent{{Text: contentText(b.Content)}},
					Status:    status,
				})
			}
		}
	}
	return turns, nil
}

// buildUpstreamRequest converts a processed pipeline request into the
// upstream conversation state. The last user turn becomes the current
// message and carries the tool definitions. The system prompt, including
// any elevated tool documentation, is prepended to the first user turn.
func buildUpstreamRequest(req *pipeline.Request, profileARN string) (*kiro.Request, error) {
	if len(req.Messages) == 0 {
		return nil, errNoMessages
	}
	turns, err := collectTurns(req.Messages)
	if err != nil {
		return nil, err
	}
	last := turns[len(turns)-1]
	if last.role != "user" {
		return nil, errLastNotUser
	}

	if system := strings.TrimSpace(req.System); system != "" {
		if turns[0].role == "user" {
			turns[0].text = append([]string{system}, turns[0].text...)
		} else {
			turns = append([]*turn{{role: "user", text: []string{system}}}, turns...)
		}
	}

	model := modelID(req.Model)
	history := make([]kiro.HistoryMessage, 0, len(turns)-1)
	for _, t := range turns[:len(turns)-1] {
		if t.role == "assistant" {
			history = append(history, kiro.HistoryMessage{
				AssistantResponseMessage: &kiro.AssistantResponseMessage{
					Content:  t.content(),
					ToolUses: t.toolUses,
				},
			})
			continue
		}
		msg := &kiro.UserInputMessage{Content: t.content(), ModelID: model, Origin: originAIEditor}
		if len(t.results) > 0 {
			msg.UserInputMessageContext = &kiro.UserInputMessageContext{ToolResults: t.results}
		}
		history = append(history, kiro.HistoryMessage{UserInputMessage: msg})
	}

	current := kiro.UserInputMessage{Content: last.content(), ModelID: model, Origin: originAIEditor}
	if len(req.Tools) > 0 || len(last.results) > 0 {
		current.UserInputMessageContext = &kiro.UserInputMessageContext{
			Tools:       kiro.WrapTools(req.Tools),
			ToolResults: last.results,
		}
	}

	return &kiro.Request{
		ConversationState: kiro.ConversationState{
			ConversationID:  uuid.NewString(),
			ChatTriggerType: chatTriggerManual,
			CurrentMessage:  kiro.CurrentMessage{UserInputMessage: current},
			History:         history,
		},
		ProfileArn: profileARN,
	}, nil
}

// toPipelineResponse maps assembled upstream content onto a pipeline
// response. Tool inputs are decoded best-effort; a nil Input means the raw
// text did not parse as a JSON object.
func toPipelineResponse(requestID string, asm kiro.Assembled) *pipeline.Response {
	resp := &pipeline.Response{
		RequestID:  requestID,
		StatusCode: 200,
		Text:       asm.Text,
		WebLinks:   asm.WebLinks,
		StopReason: "end_turn",
		Flags:      make(map[string]bool),
	}
	for _, tu := range asm.ToolUses {
		resp.ToolUses = append(resp.ToolUses, pipeline.ToolUse{
			ID:       tu.ID,
			Name:     tu.Name,
			RawInput: tu.RawInput,
			Input:    decodeInput(tu.RawInput),
			Complete: tu.Complete,
		})
	}
	if len(resp.ToolUses) > 0 {
		resp.StopReason = "tool_use"
	}
	return resp
}

func decodeInput(raw string) map[string]interface{} {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

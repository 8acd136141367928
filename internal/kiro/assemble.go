package kiro

import "strings"

// AssembledToolUse is a tool call whose input fragments have been joined.
type AssembledToolUse struct {
	ID       string
	Name     string
	RawInput string
	// Complete is false when the stream ended before a stop fragment.
	Complete bool
}

// Assembled is the content of an upstream response after reassembly.
type Assembled struct {
	Text     string
	ToolUses []AssembledToolUse
	WebLinks []WebLink
}

// Assemble joins text chunks and tool-input fragments. Tool uses keep the
// order in which their first fragment arrived.
func Assemble(events []Event) Assembled {
	var (
		text  strings.Builder
		out   Assembled
		index = make(map[string]int)
		input []*strings.Builder
	)

	for _, ev := range events {
		switch {
		case ev.AssistantResponseEvent != nil:
			text.WriteString(ev.AssistantResponseEvent.Content)

		case ev.ToolUseEvent != nil:
			tu := ev.ToolUseEvent
			i, ok := index[tu.ToolUseID]
			if !ok {
				i = len(out.ToolUses)
				index[tu.ToolUseID] = i
				out.ToolUses = append(out.ToolUses, AssembledToolUse{ID: tu.ToolUseID, Name: tu.Name})
				input = append(input, &strings.Builder{})
			}
			if out.ToolUses[i].Name == "" {
				out.ToolUses[i].Name = tu.Name
			}
			input[i].WriteString(tu.Input)
			if tu.Stop {
				out.ToolUses[i].Complete = true
			}

		case ev.SupplementaryWebLinksEvent != nil:
			out.WebLinks = append(out.WebLinks, ev.SupplementaryWebLinksEvent.SupplementaryWebLinks...)
		}
	}

	out.Text = text.String()
	for i := range out.ToolUses {
		out.ToolUses[i].RawInput = input[i].String()
	}
	return out
}

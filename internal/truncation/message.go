package truncation

import (
	"fmt"
	"sort"
	"strings"
)

// SoftFailureMessage renders the text returned to the agent in place of a
// truncated tool call, asking it to retry with smaller input.
func SoftFailureMessage(info Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Tool call truncated] The %s call", info.ToolName)
	if info.ToolUseID != "" {
		fmt.Fprintf(&b, " (%s)", info.ToolUseID)
	}
	fmt.Fprintf(&b, " was not executed. %s.\n", strings.TrimSuffix(info.Message, "."))

	if len(info.ParsedFields) > 0 {
		keys := make([]string, 0, len(info.ParsedFields))
		for k := range info.ParsedFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Fields received before the cut:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, info.ParsedFields[k])
		}
	}

	switch info.Kind {
	case IncompleteString, InvalidJSON:
		b.WriteString("The arguments were probably cut off by the output length limit. " +
			"Retry with smaller input, for example by writing the file in several smaller parts.")
	case MissingFields:
		if req := RequiredFields(info.ToolName); len(req) > 0 {
			fmt.Fprintf(&b, "Retry the call and include every required field: %s.", strings.Join(req, ", "))
		} else {
			b.WriteString("Retry the call with all required fields.")
		}
	default:
		b.WriteString("Retry the call.")
	}
	return b.String()
}

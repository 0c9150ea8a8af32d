package graph

import (
	"fmt"
	"strings"

	"github.com/deskflowhq/deskflow/state"
)

// agentPromptFunc assembles a case agent's system prompt per step: base
// instructions, the subtree it can delegate to, and the newest undelivered
// supervisor directive.
func agentPromptFunc(spec NodeSpec, children []childInfo) func(conv *state.Conversation) string {
	return func(conv *state.Conversation) string {
		var sb strings.Builder
		sb.WriteString(spec.Prompt)
		if len(children) > 0 {
			sb.WriteString("\n\nYou may delegate to exactly one of these agents when their specialty is needed:\n")
			for _, child := range children {
				fmt.Fprintf(&sb, "- %s: %s\n", child.name, child.description)
			}
		}
		sb.WriteString("\n\nWhen the task is finished or outside your scope, transfer the conversation back to your supervisor.")
		if directive, ok := conv.PeekSupervisorMessage(); ok && directive != "" {
			fmt.Fprintf(&sb, "\n\nDirective from your supervisor: %s", directive)
		}
		return sb.String()
	}
}

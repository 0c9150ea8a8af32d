// Package handoff builds the tools that move a discussion between graph
// nodes. A handoff tool never produces prose; executing it yields a typed
// control.Transfer the runner interprets as an edge traversal.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deskflowhq/deskflow/control"
	"github.com/deskflowhq/deskflow/tools"
)

// NormalizeName maps a display name onto the tool-name alphabet: runs of
// whitespace collapse to a single underscore and letters are lowercased.
// Distinct display names may collide after normalization; graph validation
// rejects such configurations at build time.
func NormalizeName(name string) string {
	fields := strings.Fields(name)
	return strings.ToLower(strings.Join(fields, "_"))
}

// TransferToolName returns the tool name that hands control to the named
// node.
func TransferToolName(target string) string {
	return control.TransferToolPrefix + NormalizeName(target)
}

// ReturnToolName returns the tool name that hands control back to the named
// supervisor.
func ReturnToolName(supervisor string) string {
	return control.ReturnToolPrefix + NormalizeName(supervisor)
}

var transferSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"messageForAgent": map[string]any{
			"type":        "string",
			"description": "Directive for the receiving agent: what the customer needs and every detail gathered so far.",
		},
	},
	"required": []string{"messageForAgent"},
}

// NewTransferTool builds the handoff tool for the given target node. scope
// selects whether the target resolves in the current graph or the parent
// graph.
func NewTransferTool(target, description string, scope control.Scope) tools.Tool {
	normalized := NormalizeName(target)
	if description == "" {
		description = fmt.Sprintf("Transfer the conversation to %s.", target)
	}
	return tools.NewFuncTool(
		control.TransferToolPrefix+normalized,
		description,
		transferSchema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			_ = ctx
			var in struct {
				Message string `json:"messageForAgent"`
			}
			_ = json.Unmarshal(args, &in)
			return nil, &control.Transfer{
				Target:  normalized,
				Scope:   scope,
				Message: in.Message,
			}
		},
	)
}

// NewReturnTool builds the tool a child agent calls to hand control back to
// its supervisor, optionally carrying a summary of what it accomplished.
func NewReturnTool(supervisor string) tools.Tool {
	normalized := NormalizeName(supervisor)
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{
				"type":        "string",
				"description": "Short summary of what was done, for the supervisor.",
			},
		},
	}
	return tools.NewFuncTool(
		control.ReturnToolPrefix+normalized,
		fmt.Sprintf("Return the conversation to %s when your task is finished or outside your scope.", supervisor),
		schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			_ = ctx
			var in struct {
				Summary string `json:"summary"`
			}
			_ = json.Unmarshal(args, &in)
			return nil, &control.Transfer{
				Target:  normalized,
				Scope:   control.ScopeParent,
				Message: in.Summary,
			}
		},
	)
}

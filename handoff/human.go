package handoff

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/deskflowhq/deskflow/control"
	"github.com/deskflowhq/deskflow/tools"
)

// Human-input tool names. Executing any of them suspends the run until the
// caller posts an answer.
const (
	AskHumanToolName            = "ask_human"
	RequestConfirmationToolName = "request_confirmation"
	CompleteHandoffToolName     = "handoff_to_human_representative"
)

// NewAskHumanTool builds the tool an agent calls when it needs information
// only the customer has.
func NewAskHumanTool() tools.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "The question to put to the customer, phrased for them directly.",
			},
		},
		"required": []string{"question"},
	}
	return tools.NewFuncTool(
		AskHumanToolName,
		"Ask the customer a question and wait for their answer.",
		schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			_ = ctx
			var in struct {
				Question string `json:"question"`
			}
			if err := json.Unmarshal(args, &in); err != nil || in.Question == "" {
				return nil, errors.New("a question is required")
			}
			return nil, &control.Interrupt{Payload: control.InterruptPayload{
				UserMessage:      in.Question,
				AgentMessageMode: control.ModeQuestion,
				Destination:      control.DestinationUser,
			}}
		},
	)
}

// NewConfirmationTool builds the tool an agent must call before any state
// mutating action: the run suspends until the customer confirms or declines.
func NewConfirmationTool() tools.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"actionDescription": map[string]any{
				"type":        "string",
				"description": "Plain description of the action about to be taken, including every concrete value involved.",
			},
		},
		"required": []string{"actionDescription"},
	}
	return tools.NewFuncTool(
		RequestConfirmationToolName,
		"Ask the customer to confirm an action before executing it.",
		schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			_ = ctx
			var in struct {
				Action string `json:"actionDescription"`
			}
			if err := json.Unmarshal(args, &in); err != nil || in.Action == "" {
				return nil, errors.New("an action description is required")
			}
			return nil, &control.Interrupt{Payload: control.InterruptPayload{
				UserMessage:      in.Action,
				AgentMessageMode: control.ModeConfirmation,
				Destination:      control.DestinationAgent,
			}}
		},
	)
}

// NewCompleteHandoffTool builds the escape hatch that hands the whole
// discussion to a human operator. The run suspends and the caller is expected
// to route the discussion out of the engine.
func NewCompleteHandoffTool() tools.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Why the conversation needs a human operator.",
			},
		},
	}
	return tools.NewFuncTool(
		CompleteHandoffToolName,
		"Hand the entire conversation over to a human representative.",
		schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			_ = ctx
			_ = args
			return nil, &control.Interrupt{Payload: control.InterruptPayload{
				UserMessage:      control.CompleteHandoffSentinel,
				AgentMessageMode: control.ModeCompleteHandoff,
				Destination:      control.DestinationAgent,
			}}
		},
	)
}

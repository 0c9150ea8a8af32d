package graph

import (
	"errors"
	"time"

	"github.com/deskflowhq/deskflow/llm"
	"github.com/deskflowhq/deskflow/observe"
	"github.com/deskflowhq/deskflow/state"
)

// Runtime carries the process-wide dependencies a compiled graph runs
// against. It is constructed once per process and injected into the builder;
// nothing in this package reaches for globals.
type Runtime struct {
	Provider llm.Provider
	Store    state.Store
	Observer observe.Sink
	// Clock is overridable for tests; defaults to time.Now UTC.
	Clock func() time.Time
	// StepBudget seeds Conversation.RemainingSteps for new discussions.
	StepBudget int
	// MaxHops bounds how many node-to-node transfers one inbound message may
	// trigger before the run is forced to settle.
	MaxHops int
	// MaxIterations bounds each node's inner tool loop.
	MaxIterations int
	// ToolTimeout applies per tool call inside every node.
	ToolTimeout time.Duration
}

const (
	defaultStepBudget    = 25
	defaultMaxHops       = 5
	defaultMaxIterations = 6
)

func (r Runtime) validate() error {
	if r.Provider == nil {
		return errors.New("runtime provider is required")
	}
	if r.Store == nil {
		return errors.New("runtime store is required")
	}
	return nil
}

func (r Runtime) normalized() Runtime {
	out := r
	if out.Observer == nil {
		out.Observer = observe.NoopSink{}
	}
	if out.Clock == nil {
		out.Clock = func() time.Time { return time.Now().UTC() }
	}
	if out.StepBudget <= 0 {
		out.StepBudget = defaultStepBudget
	}
	if out.MaxHops <= 0 {
		out.MaxHops = defaultMaxHops
	}
	if out.MaxIterations <= 0 {
		out.MaxIterations = defaultMaxIterations
	}
	return out
}

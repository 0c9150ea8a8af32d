// Package agent implements the tool-calling loop a single graph node runs:
// generate with the provider, execute the requested tools, feed the results
// back, until the model answers in plain text or a control signal fires.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskflowhq/deskflow/control"
	"github.com/deskflowhq/deskflow/llm"
	"github.com/deskflowhq/deskflow/observe"
	"github.com/deskflowhq/deskflow/state"
	"github.com/deskflowhq/deskflow/tools"
	"github.com/deskflowhq/deskflow/types"
)

type Agent struct {
	name            string
	provider        llm.Provider
	systemPrompt    string
	promptFunc      func(conv *state.Conversation) string
	maxIterations   int
	maxOutputTokens int
	retryPolicy     RetryPolicy
	toolTimeout     time.Duration
	parallelTools   bool
	observer        observe.Sink

	mu    sync.RWMutex
	tools map[string]tools.Tool
}

type Option func(*Agent)

func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithPromptFunc installs a prompt builder evaluated against the live
// conversation before every step. It takes precedence over the static prompt.
func WithPromptFunc(fn func(conv *state.Conversation) string) Option {
	return func(a *Agent) { a.promptFunc = fn }
}

func WithMaxIterations(max int) Option {
	return func(a *Agent) {
		if max > 0 {
			a.maxIterations = max
		}
	}
}

func WithMaxOutputTokens(max int) Option {
	return func(a *Agent) {
		if max > 0 {
			a.maxOutputTokens = max
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(a *Agent) {
		a.retryPolicy = normalizeRetryPolicy(policy)
	}
}

func WithToolTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout >= 0 {
			a.toolTimeout = timeout
		}
	}
}

func WithParallelToolCalls(enabled bool) Option {
	return func(a *Agent) { a.parallelTools = enabled }
}

func WithObserver(observer observe.Sink) Option {
	return func(a *Agent) { a.observer = observer }
}

func WithTool(tool tools.Tool) Option {
	return func(a *Agent) {
		if tool == nil {
			return
		}
		def := tool.Definition()
		if def.Name == "" {
			return
		}
		if a.tools == nil {
			a.tools = make(map[string]tools.Tool)
		}
		a.tools[def.Name] = tool
	}
}

func WithTools(list ...tools.Tool) Option {
	return func(a *Agent) {
		for _, tool := range list {
			WithTool(tool)(a)
		}
	}
}

func New(name string, provider llm.Provider, opts ...Option) (*Agent, error) {
	if name == "" {
		return nil, errors.New("agent name is required")
	}
	if provider == nil {
		return nil, errors.New("provider is required")
	}

	a := &Agent{
		name:          name,
		provider:      provider,
		maxIterations: 6,
		tools:         make(map[string]tools.Tool),
		retryPolicy:   defaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.retryPolicy = normalizeRetryPolicy(a.retryPolicy)
	return a, nil
}

func (a *Agent) Name() string { return a.name }

// ToolNames returns the registered tool names sorted by registration map
// order; used by graph validation.
func (a *Agent) ToolNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.tools))
	for name := range a.tools {
		names = append(names, name)
	}
	return names
}

// StepResult is what one node execution produced. Exactly one of Output,
// Transfer, or Interrupt describes how the step ended; Delta always carries
// the state changes accumulated up to that point.
type StepResult struct {
	Delta      state.Delta
	Output     string
	Transfer   *control.Transfer
	Interrupt  *control.Interrupt
	Iterations int
	Usage      *types.Usage
}

// RunStep drives the generate/execute loop against the conversation until the
// model produces a plain answer, a handoff tool fires, a human-input tool
// suspends the run, or the iteration bound is hit. The conversation itself is
// not mutated; callers merge the returned delta.
func (a *Agent) RunStep(ctx context.Context, conv *state.Conversation) (StepResult, error) {
	if conv == nil {
		return StepResult{}, errors.New("conversation is required")
	}

	working := append([]types.Message(nil), conv.Messages...)
	result := StepResult{}
	usage := &types.Usage{}
	hasUsage := false

	for i := 0; i < a.maxIterations; i++ {
		iteration := i + 1
		result.Iterations = iteration

		req := a.buildRequest(conv, working, true)
		resp, err := a.generate(ctx, conv.DiscussionID, iteration, req)
		if err != nil {
			return StepResult{}, err
		}
		accumulateUsage(usage, &hasUsage, resp.Usage)

		modelMsg := resp.Message
		modelMsg.Role = types.RoleAssistant
		if modelMsg.ID == "" {
			modelMsg.ID = uuid.NewString()
		}
		if modelMsg.Name == "" {
			modelMsg.Name = a.name
		}
		working = append(working, modelMsg)
		result.Delta.Messages = append(result.Delta.Messages, modelMsg)

		if len(modelMsg.ToolCalls) == 0 {
			if modelMsg.Content == "" {
				return StepResult{}, errors.New("provider returned empty assistant content")
			}
			result.Output = modelMsg.Content
			result.Usage = usageOrNil(usage, hasUsage)
			return result, nil
		}

		ordinary, handoffs := partitionCalls(modelMsg.ToolCalls)

		toolMsgs, records, interrupt, err := a.executeOrdinary(ctx, conv, iteration, ordinary)
		if err != nil {
			return StepResult{}, err
		}
		working = append(working, toolMsgs...)
		result.Delta.Messages = append(result.Delta.Messages, toolMsgs...)
		result.Delta.ToolsCalled = append(result.Delta.ToolsCalled, records...)

		if interrupt != nil {
			// Handoff calls in the same message never run once the step
			// suspends; close out their call ids so the persisted thread
			// keeps one result per call.
			for _, call := range handoffs {
				msg := supersededByInterrupt(call)
				working = append(working, msg)
				result.Delta.Messages = append(result.Delta.Messages, msg)
			}
			result.Interrupt = interrupt
			result.Usage = usageOrNil(usage, hasUsage)
			return result, nil
		}

		if len(handoffs) > 0 {
			transferMsgs, transferRecords, transfer, err := a.executeHandoffs(ctx, conv, iteration, handoffs)
			if err != nil {
				return StepResult{}, err
			}
			working = append(working, transferMsgs...)
			result.Delta.Messages = append(result.Delta.Messages, transferMsgs...)
			result.Delta.ToolsCalled = append(result.Delta.ToolsCalled, transferRecords...)
			if transfer != nil {
				result.Transfer = transfer
				result.Usage = usageOrNil(usage, hasUsage)
				return result, nil
			}
		}
	}

	// Iteration budget exhausted: force a closing answer with tools withheld
	// so the discussion never dangles mid tool loop.
	req := a.buildRequest(conv, working, false)
	resp, err := a.generate(ctx, conv.DiscussionID, a.maxIterations+1, req)
	if err != nil {
		return StepResult{}, fmt.Errorf("max iterations reached (%d) and closing generation failed: %w", a.maxIterations, err)
	}
	accumulateUsage(usage, &hasUsage, resp.Usage)

	closing := resp.Message
	closing.Role = types.RoleAssistant
	if closing.ID == "" {
		closing.ID = uuid.NewString()
	}
	if closing.Name == "" {
		closing.Name = a.name
	}
	result.Delta.Messages = append(result.Delta.Messages, closing)
	result.Output = closing.Content
	result.Usage = usageOrNil(usage, hasUsage)
	result.Iterations = a.maxIterations + 1
	return result, nil
}

func (a *Agent) buildRequest(conv *state.Conversation, working []types.Message, includeTools bool) types.Request {
	prompt := a.systemPrompt
	if a.promptFunc != nil {
		prompt = a.promptFunc(conv)
	}
	req := types.Request{
		SystemPrompt:    prompt,
		Messages:        working,
		MaxOutputTokens: a.maxOutputTokens,
	}
	if includeTools {
		req.Tools = a.listToolDefinitions()
	}
	if !a.parallelTools {
		disabled := false
		req.ParallelToolCalls = &disabled
	}
	return req
}

func (a *Agent) generate(ctx context.Context, discussionID string, iteration int, req types.Request) (types.Response, error) {
	started := time.Now().UTC()
	a.emit(ctx, types.Event{
		Type:         types.EventBeforeGenerate,
		Timestamp:    started,
		DiscussionID: discussionID,
		NodeName:     a.name,
		Provider:     a.provider.Name(),
		Iteration:    iteration,
	})

	resp, err := a.generateWithRetry(ctx, req)
	finished := time.Now().UTC()
	event := types.Event{
		Type:         types.EventAfterGenerate,
		Timestamp:    finished,
		DiscussionID: discussionID,
		NodeName:     a.name,
		Provider:     a.provider.Name(),
		Iteration:    iteration,
	}
	if err != nil {
		event.Type = types.EventRunFailed
		event.Error = err.Error()
		a.emit(ctx, event)
		return types.Response{}, fmt.Errorf("generation failed: %w", err)
	}
	a.emit(ctx, event)
	return resp, nil
}

func (a *Agent) generateWithRetry(ctx context.Context, req types.Request) (types.Response, error) {
	policy := a.retryPolicy

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := a.provider.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}

		backoff := policy.backoffForAttempt(attempt)
		select {
		case <-ctx.Done():
			return types.Response{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return types.Response{}, fmt.Errorf("provider %q failed after %d attempt(s): %w", a.provider.Name(), policy.MaxAttempts, lastErr)
}

func (a *Agent) listToolDefinitions() []types.ToolDefinition {
	a.mu.RLock()
	defer a.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(a.tools))
	for _, tool := range a.tools {
		defs = append(defs, tool.Definition())
	}
	return defs
}

func (a *Agent) snapshotTools() map[string]tools.Tool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]tools.Tool, len(a.tools))
	for name, tool := range a.tools {
		out[name] = tool
	}
	return out
}

func partitionCalls(calls []types.ToolCall) (ordinary, handoffs []types.ToolCall) {
	for _, call := range calls {
		if control.IsHandoffToolName(call.Name) {
			handoffs = append(handoffs, call)
			continue
		}
		ordinary = append(ordinary, call)
	}
	return ordinary, handoffs
}

// executeOrdinary runs the non-handoff calls. Tool failures are folded into
// the tool-result message rather than failing the step; an Interrupt from a
// human-input tool is surfaced after every other call has completed, and any
// sibling call left without a result gets a superseded placeholder so the
// message thread stays well formed across the suspension.
func (a *Agent) executeOrdinary(
	ctx context.Context,
	conv *state.Conversation,
	iteration int,
	calls []types.ToolCall,
) ([]types.Message, []types.ToolCallRecord, *control.Interrupt, error) {
	if len(calls) == 0 {
		return nil, nil, nil, nil
	}

	toolset := a.snapshotTools()
	results := make([]*types.Message, len(calls))
	records := make([]*types.ToolCallRecord, len(calls))
	interrupts := make([]*control.Interrupt, len(calls))

	runOne := func(i int, call types.ToolCall) {
		msg, record, interrupt := a.executeOneCall(ctx, conv, iteration, toolset, call)
		results[i] = msg
		records[i] = record
		interrupts[i] = interrupt
	}

	if a.parallelTools && len(calls) > 1 {
		var wg sync.WaitGroup
		wg.Add(len(calls))
		for i, call := range calls {
			i, call := i, call
			go func() {
				defer wg.Done()
				runOne(i, call)
			}()
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			runOne(i, call)
		}
	}

	var (
		msgs      []types.Message
		recs      []types.ToolCallRecord
		interrupt *control.Interrupt
	)
	for i, call := range calls {
		if interrupts[i] != nil {
			if interrupt == nil {
				interrupt = interrupts[i]
				continue
			}
			// Only one suspension survives a step; later interrupting calls
			// get a placeholder result instead of a pending record.
			msgs = append(msgs, supersededByInterrupt(call))
			continue
		}
		if results[i] != nil {
			msgs = append(msgs, *results[i])
		}
		if records[i] != nil {
			recs = append(recs, *records[i])
		}
	}
	return msgs, recs, interrupt, nil
}

// supersededByInterrupt closes out a call that will never resolve because the
// step suspended on a sibling call first.
func supersededByInterrupt(call types.ToolCall) types.Message {
	return types.Message{
		ID:         uuid.NewString(),
		Role:       types.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    `{"status":"superseded_by_interrupt"}`,
	}
}

// executeOneCall runs a single tool call. An interrupted call produces no
// result message; the resume answer becomes its result later.
func (a *Agent) executeOneCall(
	ctx context.Context,
	conv *state.Conversation,
	iteration int,
	toolset map[string]tools.Tool,
	call types.ToolCall,
) (*types.Message, *types.ToolCallRecord, *control.Interrupt) {
	started := time.Now().UTC()
	a.emit(ctx, types.Event{
		Type:         types.EventBeforeTool,
		Timestamp:    started,
		DiscussionID: conv.DiscussionID,
		NodeName:     a.name,
		Provider:     a.provider.Name(),
		Iteration:    iteration,
		ToolName:     call.Name,
		ToolCallID:   call.ID,
	})

	tool, ok := toolset[call.Name]
	var (
		payload any
		toolErr error
	)
	if !ok {
		toolErr = fmt.Errorf("tool %q not found", call.Name)
		payload = map[string]any{"error": toolErr.Error()}
	} else {
		args := call.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}

		toolCtx := ctx
		cancel := func() {}
		if a.toolTimeout > 0 {
			toolCtx, cancel = context.WithTimeout(ctx, a.toolTimeout)
		}
		out, err := tool.Execute(toolCtx, args)
		cancel()
		if err != nil {
			if interrupt, ok := control.AsInterrupt(err); ok {
				interrupt.ToolCallID = call.ID
				interrupt.ToolName = call.Name
				a.emit(ctx, types.Event{
					Type:         types.EventRunSuspended,
					Timestamp:    time.Now().UTC(),
					DiscussionID: conv.DiscussionID,
					NodeName:     a.name,
					Provider:     a.provider.Name(),
					Iteration:    iteration,
					ToolName:     call.Name,
					ToolCallID:   call.ID,
					Message:      interrupt.Payload.UserMessage,
				})
				return nil, nil, interrupt
			}
			toolErr = err
			payload = map[string]any{"error": err.Error()}
		} else {
			payload = out
		}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"error":"failed to encode tool output","detail":%q}`, err.Error()))
	}
	result := types.Message{
		ID:         uuid.NewString(),
		Role:       types.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    string(encoded),
	}
	record := types.ToolCallRecord{
		Name:       call.Name,
		Content:    string(encoded),
		ToolCallID: call.ID,
		ID:         uuid.NewString(),
		Parameters: decodeArguments(call.Arguments),
	}

	afterEvent := types.Event{
		Type:         types.EventAfterTool,
		Timestamp:    time.Now().UTC(),
		DiscussionID: conv.DiscussionID,
		NodeName:     a.name,
		Provider:     a.provider.Name(),
		Iteration:    iteration,
		ToolName:     call.Name,
		ToolCallID:   call.ID,
	}
	if toolErr != nil {
		afterEvent.Error = toolErr.Error()
	}
	a.emit(ctx, afterEvent)

	return &result, &record, nil
}

// executeHandoffs honors at most one transfer per step. The first handoff
// call wins; any extra handoff calls receive an error result so the thread
// keeps one result per call.
func (a *Agent) executeHandoffs(
	ctx context.Context,
	conv *state.Conversation,
	iteration int,
	calls []types.ToolCall,
) ([]types.Message, []types.ToolCallRecord, *control.Transfer, error) {
	toolset := a.snapshotTools()

	var (
		msgs     []types.Message
		recs     []types.ToolCallRecord
		transfer *control.Transfer
	)
	for _, call := range calls {
		if transfer != nil {
			content := fmt.Sprintf(`{"error":"superseded by transfer to %q"}`, transfer.Target)
			msgs = append(msgs, types.Message{
				ID:         uuid.NewString(),
				Role:       types.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    content,
			})
			continue
		}

		tool, ok := toolset[call.Name]
		if !ok {
			content := fmt.Sprintf(`{"error":"tool %q not found"}`, call.Name)
			msgs = append(msgs, types.Message{
				ID:         uuid.NewString(),
				Role:       types.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    content,
			})
			continue
		}

		args := call.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		_, err := tool.Execute(ctx, args)
		t, ok := control.AsTransfer(err)
		if !ok {
			// A handoff-named tool that does not transfer is a wiring bug;
			// fold it like an ordinary failure.
			content := `{"error":"handoff tool returned no transfer"}`
			if err != nil {
				content = fmt.Sprintf(`{"error":%q}`, err.Error())
			}
			msgs = append(msgs, types.Message{
				ID:         uuid.NewString(),
				Role:       types.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    content,
			})
			continue
		}

		t.ToolCallID = call.ID
		t.ToolName = call.Name
		transfer = t

		ack := map[string]string{"status": "transferred", "target": t.Target}
		if t.Message != "" {
			ack["message"] = t.Message
		}
		encoded, _ := json.Marshal(ack)
		content := string(encoded)
		msgs = append(msgs, types.Message{
			ID:         uuid.NewString(),
			Role:       types.RoleTool,
			Name:       call.Name,
			ToolCallID: call.ID,
			Content:    content,
			Transient:  true,
		})
		recs = append(recs, types.ToolCallRecord{
			Name:       call.Name,
			Content:    content,
			ToolCallID: call.ID,
			ID:         uuid.NewString(),
			Parameters: decodeArguments(call.Arguments),
		})

		a.emit(ctx, types.Event{
			Type:         types.EventHandoff,
			Timestamp:    time.Now().UTC(),
			DiscussionID: conv.DiscussionID,
			NodeName:     a.name,
			Provider:     a.provider.Name(),
			Iteration:    iteration,
			ToolName:     call.Name,
			ToolCallID:   call.ID,
			Target:       t.Target,
			Message:      t.Message,
		})
	}

	return msgs, recs, transfer, nil
}

func (a *Agent) emit(ctx context.Context, event types.Event) {
	if a.observer == nil {
		return
	}
	_ = a.observer.Emit(ctx, observe.FromEngineEvent(event))
}

func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"_raw": string(raw)}
	}
	return out
}

func accumulateUsage(total *types.Usage, hasUsage *bool, add *types.Usage) {
	if add == nil {
		return
	}
	total.InputTokens += add.InputTokens
	total.OutputTokens += add.OutputTokens
	total.TotalTokens += add.TotalTokens
	*hasUsage = true
}

func usageOrNil(usage *types.Usage, hasUsage bool) *types.Usage {
	if !hasUsage {
		return nil
	}
	copied := *usage
	return &copied
}

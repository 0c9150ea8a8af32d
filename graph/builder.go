// Package graph assembles agents into an executable conversation graph: a
// router entry, one top-level supervisor, case agents and their nested
// tool-agents, with all wiring validated at build time so a misconfigured
// flow never reaches a live discussion.
package graph

import (
	"fmt"
	"strings"

	"github.com/deskflowhq/deskflow/agent"
	"github.com/deskflowhq/deskflow/control"
	"github.com/deskflowhq/deskflow/handoff"
	"github.com/deskflowhq/deskflow/tools"
)

// RouterNodeName is the reserved entry node. It owns no agent; it only reads
// the next_node directive and dispatches, which is what makes a resumed
// discussion land back on the suspended node instead of the supervisor.
const RouterNodeName = "router"

// NodeSpec describes one agent before compilation. Children turn the node
// into a nested supervisor of its own subtree.
type NodeSpec struct {
	Name        string
	Description string
	Prompt      string
	Tools       []tools.Tool
	// HumanInput attaches the ask-human and confirmation tools.
	HumanInput bool
	Children   []NodeSpec
}

type node struct {
	name        string
	displayName string
	description string
	parent      string
	children    []string
	agent       *agent.Agent
}

// Builder accumulates node specs and compiles them into a Graph. Build
// errors are deferred: the first one sticks and Compile reports it.
type Builder struct {
	runtime          Runtime
	supervisorName   string
	supervisorPrompt string
	specs            []NodeSpec
	buildErr         error
}

func NewBuilder(runtime Runtime) *Builder {
	return &Builder{
		runtime:        runtime,
		supervisorName: "supervisor",
	}
}

// Supervisor sets the top-level supervisor's display name and base prompt.
func (b *Builder) Supervisor(name, prompt string) *Builder {
	if b == nil || b.buildErr != nil {
		return b
	}
	if name == "" {
		b.buildErr = fmt.Errorf("supervisor name is required")
		return b
	}
	b.supervisorName = name
	b.supervisorPrompt = prompt
	return b
}

// AddAgent registers a case agent under the top-level supervisor.
func (b *Builder) AddAgent(spec NodeSpec) *Builder {
	if b == nil || b.buildErr != nil {
		return b
	}
	b.specs = append(b.specs, spec)
	return b
}

// Compile validates the configuration and builds the executable graph.
// Duplicate normalized names, dangling wiring, reserved names, and missing
// required fields all fail here, before any run starts.
func (b *Builder) Compile() (*Graph, error) {
	if b == nil {
		return nil, fmt.Errorf("builder is nil")
	}
	if b.buildErr != nil {
		return nil, b.buildErr
	}
	if err := b.runtime.validate(); err != nil {
		return nil, err
	}
	if len(b.specs) == 0 {
		return nil, fmt.Errorf("graph has no agents")
	}

	runtime := b.runtime.normalized()
	supervisorName := handoff.NormalizeName(b.supervisorName)
	if supervisorName == RouterNodeName {
		return nil, fmt.Errorf("supervisor name %q is reserved", RouterNodeName)
	}

	nodes := map[string]*node{}
	claim := func(displayName string) (string, error) {
		normalized := handoff.NormalizeName(displayName)
		if normalized == "" {
			return "", fmt.Errorf("node name %q is empty after normalization", displayName)
		}
		if normalized == RouterNodeName {
			return "", fmt.Errorf("node name %q is reserved", RouterNodeName)
		}
		if normalized == supervisorName {
			return "", fmt.Errorf("node name %q collides with the supervisor", displayName)
		}
		if existing, ok := nodes[normalized]; ok {
			return "", fmt.Errorf("node names %q and %q collide after normalization (%q)", existing.displayName, displayName, normalized)
		}
		return normalized, nil
	}

	// Pass one: claim every name in the tree so handoff targets can be
	// validated while agents are built.
	var register func(spec NodeSpec, parent string) error
	register = func(spec NodeSpec, parent string) error {
		normalized, err := claim(spec.Name)
		if err != nil {
			return err
		}
		if spec.Description == "" {
			return fmt.Errorf("node %q has no description; the parent's model cannot choose it", spec.Name)
		}
		n := &node{
			name:        normalized,
			displayName: spec.Name,
			description: spec.Description,
			parent:      parent,
		}
		nodes[normalized] = n
		for _, child := range spec.Children {
			childName := handoff.NormalizeName(child.Name)
			n.children = append(n.children, childName)
			if err := register(child, normalized); err != nil {
				return err
			}
		}
		return nil
	}
	for _, spec := range b.specs {
		if err := register(spec, supervisorName); err != nil {
			return nil, err
		}
	}

	g := &Graph{
		runtime: runtime,
		entry:   supervisorName,
		nodes:   nodes,
	}

	// Pass two: build each node's agent with its handoff wiring.
	var build func(spec NodeSpec, parent string) error
	build = func(spec NodeSpec, parent string) error {
		normalized := handoff.NormalizeName(spec.Name)
		n := nodes[normalized]

		toolset := make([]tools.Tool, 0, len(spec.Tools)+len(spec.Children)+3)
		for _, tool := range spec.Tools {
			name := tool.Definition().Name
			if control.IsHandoffToolName(name) {
				return fmt.Errorf("node %q registers tool %q: handoff tool names are reserved for the builder", spec.Name, name)
			}
			toolset = append(toolset, tool)
		}
		for _, child := range spec.Children {
			toolset = append(toolset, handoff.NewTransferTool(child.Name, child.Description, control.ScopeLocal))
		}
		toolset = append(toolset, handoff.NewReturnTool(parent))
		if spec.HumanInput {
			toolset = append(toolset, handoff.NewAskHumanTool(), handoff.NewConfirmationTool())
		}

		a, err := agent.New(normalized, runtime.Provider,
			agent.WithPromptFunc(agentPromptFunc(spec, childInfos(spec.Children))),
			agent.WithTools(toolset...),
			agent.WithMaxIterations(runtime.MaxIterations),
			agent.WithToolTimeout(runtime.ToolTimeout),
			agent.WithParallelToolCalls(len(spec.Children) == 0),
			agent.WithObserver(runtime.Observer),
		)
		if err != nil {
			return fmt.Errorf("node %q: %w", spec.Name, err)
		}
		n.agent = a

		for _, child := range spec.Children {
			if err := build(child, normalized); err != nil {
				return err
			}
		}
		return nil
	}
	for _, spec := range b.specs {
		if err := build(spec, supervisorName); err != nil {
			return nil, err
		}
	}

	supervisor, err := b.buildSupervisor(runtime, supervisorName)
	if err != nil {
		return nil, err
	}
	nodes[supervisorName] = supervisor

	return g, nil
}

func (b *Builder) buildSupervisor(runtime Runtime, name string) (*node, error) {
	toolset := make([]tools.Tool, 0, len(b.specs)+1)
	infos := childInfos(b.specs)
	for _, spec := range b.specs {
		toolset = append(toolset, handoff.NewTransferTool(spec.Name, spec.Description, control.ScopeLocal))
	}
	toolset = append(toolset, handoff.NewCompleteHandoffTool())

	// Routing must be unambiguous: one handoff per step, so parallel tool
	// calls stay off for supervisors no matter what the provider supports.
	a, err := agent.New(name, runtime.Provider,
		agent.WithSystemPrompt(supervisorPrompt(b.supervisorPrompt, infos)),
		agent.WithTools(toolset...),
		agent.WithMaxIterations(runtime.MaxIterations),
		agent.WithToolTimeout(runtime.ToolTimeout),
		agent.WithParallelToolCalls(false),
		agent.WithObserver(runtime.Observer),
	)
	if err != nil {
		return nil, fmt.Errorf("supervisor %q: %w", b.supervisorName, err)
	}

	n := &node{
		name:        name,
		displayName: b.supervisorName,
		description: "top-level routing supervisor",
		agent:       a,
	}
	for _, spec := range b.specs {
		n.children = append(n.children, handoff.NormalizeName(spec.Name))
	}
	return n, nil
}

type childInfo struct {
	name        string
	description string
}

func childInfos(specs []NodeSpec) []childInfo {
	infos := make([]childInfo, 0, len(specs))
	for _, spec := range specs {
		infos = append(infos, childInfo{
			name:        handoff.NormalizeName(spec.Name),
			description: spec.Description,
		})
	}
	return infos
}

func supervisorPrompt(base string, children []childInfo) string {
	var sb strings.Builder
	sb.WriteString(base)
	if base != "" {
		sb.WriteString("\n\n")
	}
	sb.WriteString("You route the conversation. Transfer it to exactly one of these agents, or hand it to a human representative if none fits:\n")
	for _, child := range children {
		fmt.Fprintf(&sb, "- %s: %s\n", child.name, child.description)
	}
	return sb.String()
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type Factory func() Tool

type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry maps tool names to factories. One registry is constructed per
// process and passed around explicitly rather than held in package state.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	descs     map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{},
		descs:     map[string]string{},
	}
}

func (r *Registry) Register(name, description string, factory Factory) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if factory == nil {
		return fmt.Errorf("tool factory is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.factories[name] = factory
	r.descs[name] = strings.TrimSpace(description)
	return nil
}

func (r *Registry) MustRegister(name, description string, factory Factory) {
	if err := r.Register(name, description, factory); err != nil {
		panic(err)
	}
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Catalog() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolInfo, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, ToolInfo{Name: name, Description: r.descs[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build instantiates the named tools in order. Unknown names are an error.
func (r *Registry) Build(names []string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(names))
	seen := map[string]bool{}
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		factory, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		tool := factory()
		if tool == nil {
			return nil, fmt.Errorf("tool %q factory returned nil", name)
		}
		out = append(out, tool)
	}
	return out, nil
}

// Execute instantiates and runs a single tool by name with the given input.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	t := factory()
	if t == nil {
		return nil, fmt.Errorf("tool %q factory returned nil", name)
	}
	return t.Execute(ctx, input)
}

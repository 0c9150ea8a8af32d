package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func echoTool(name string) Tool {
	return NewFuncTool(name, "echoes its input", nil,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			_ = ctx
			return string(args), nil
		})
}

func TestRegistry_RegisterAndBuild(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("alpha", "first", func() Tool { return echoTool("alpha") }); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("beta", "second", func() Tool { return echoTool("beta") }); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := r.Register("alpha", "dup", func() Tool { return echoTool("alpha") }); err == nil {
		t.Fatal("expected duplicate registration error")
	}

	built, err := r.Build([]string{"beta", "alpha", "beta", " "})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(built) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(built))
	}
	if built[0].Definition().Name != "beta" {
		t.Errorf("order not preserved: %q", built[0].Definition().Name)
	}

	if _, err := r.Build([]string{"gamma"}); err == nil {
		t.Fatal("expected unknown tool error")
	} else if !strings.Contains(err.Error(), "gamma") {
		t.Errorf("error should name the tool: %v", err)
	}
}

func TestRegistry_Catalog(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("zeta", "last", func() Tool { return echoTool("zeta") })
	r.MustRegister("alpha", "first", func() Tool { return echoTool("alpha") })

	catalog := r.Catalog()
	if len(catalog) != 2 || catalog[0].Name != "alpha" || catalog[1].Name != "zeta" {
		t.Fatalf("catalog not sorted: %+v", catalog)
	}
	if catalog[0].Description != "first" {
		t.Errorf("description lost: %+v", catalog[0])
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("echo", "echoes", func() Tool { return echoTool("echo") })

	out, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != `{"x":1}` {
		t.Errorf("unexpected output: %v", out)
	}
	if _, err := r.Execute(context.Background(), "missing", nil); err == nil {
		t.Fatal("expected unknown tool error")
	}
}

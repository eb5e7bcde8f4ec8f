package tools

import (
	"context"
	"fmt"
	"testing"
)

type stubTool struct {
	name string
}

func (s *stubTool) GetName() string        { return s.name }
func (s *stubTool) GetDescription() string { return "stub" }
func (s *stubTool) GetInfo() ToolInfo      { return ToolInfo{Name: s.name, Description: "stub"} }
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) (Result, error) {
	return Result{Content: "ok"}, nil
}

type stubSource struct {
	name   string
	tools  []Tool
	fail   bool
	closed bool
}

func (s *stubSource) GetName() string { return s.name }
func (s *stubSource) DiscoverTools(ctx context.Context) error {
	if s.fail {
		return fmt.Errorf("connection refused")
	}
	return nil
}
func (s *stubSource) ListTools() []Tool { return s.tools }
func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&stubTool{name: "shell"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(&stubTool{name: "shell"}); err == nil {
		t.Error("expected duplicate error")
	}
	if err := r.Register(&stubTool{name: ""}); err == nil {
		t.Error("expected empty-name error")
	}
	if err := r.Register(nil); err == nil {
		t.Error("expected nil error")
	}

	if _, ok := r.Get("shell"); !ok {
		t.Error("Get(shell) not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) found")
	}
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&stubTool{name: name}); err != nil {
			t.Fatal(err)
		}
	}

	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("len(defs) = %d", len(defs))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("defs[%d].Name = %q, want %q", i, defs[i].Name, name)
		}
	}
}

func TestRegistry_AddSource(t *testing.T) {
	r := NewRegistry()

	good := &stubSource{name: "good", tools: []Tool{&stubTool{name: "remote_search"}}}
	bad := &stubSource{name: "bad", fail: true}

	r.AddSource(context.Background(), good)
	r.AddSource(context.Background(), bad)

	if _, ok := r.Get("remote_search"); !ok {
		t.Error("discovered tool not registered")
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !good.closed {
		t.Error("source not closed")
	}
}

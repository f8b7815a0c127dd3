package tools

import (
	"context"
	"testing"

	"github.com/nugget/mandarin/internal/llm"
)

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(nil)
	var gotArgs map[string]any
	r.Register(WebSearch(func(ctx context.Context, args map[string]any) (Result, error) {
		gotArgs = args
		return Result{Content: "results", Meta: &llm.WebSearchMeta{Query: "q"}}, nil
	}))

	res, err := r.Execute(context.Background(), WebSearchName, map[string]any{"query": "q"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "results" || res.Meta == nil || gotArgs["query"] != "q" {
		t.Errorf("unexpected result %+v (args %v)", res, gotArgs)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	res, err := r.Execute(context.Background(), "launch_rockets", nil)
	if err != nil {
		t.Fatalf("unknown tool should not error: %v", err)
	}
	if res.Content != "Unknown tool: launch_rockets" || res.Meta != nil {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRegistryNilArgs(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&Tool{Name: "echo", Handler: func(_ context.Context, args map[string]any) (Result, error) {
		if args == nil {
			t.Error("handler received nil args")
		}
		return Result{}, nil
	}})
	r.Execute(context.Background(), "echo", nil)
}

func TestSpecs(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&Tool{Name: "zeta"})
	r.Register(WebSearch(nil))

	specs := r.Specs()
	if len(specs) != 2 || specs[0].Name != WebSearchName || specs[1].Name != "zeta" {
		t.Fatalf("unexpected specs: %+v", specs)
	}
	params := specs[0].Parameters
	if params["type"] != "object" {
		t.Errorf("unexpected schema: %v", params)
	}
	req, _ := params["required"].([]string)
	if len(req) != 1 || req[0] != "query" {
		t.Errorf("query should be required, got %v", params["required"])
	}
}

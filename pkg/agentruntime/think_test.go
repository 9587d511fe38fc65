package agentruntime

import (
	"context"
	"testing"
)

func TestThinkToolDefinition(t *testing.T) {
	def := NewThinkTool().Definition()
	if def.Function.Name != "think" {
		t.Errorf("name = %q, want think", def.Function.Name)
	}
}

func TestThinkToolInvokeRecordsThought(t *testing.T) {
	result, err := NewThinkTool().Invoke(context.Background(), map[string]interface{}{"thought": "step one"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Error("expected a non-error result")
	}
	if result.ForModel == "" {
		t.Error("expected a non-empty confirmation")
	}
}

func TestThinkToolInvokeRequiresThought(t *testing.T) {
	result, err := NewThinkTool().Invoke(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected an error result when thought is missing")
	}
}

func TestToolRegistryDefinitionsAndInvoke(t *testing.T) {
	r := NewToolRegistry(NewThinkTool())

	defs := r.Definitions()
	if len(defs) != 1 || defs[0].Function.Name != "think" {
		t.Fatalf("defs = %+v, want exactly [think]", defs)
	}

	result, err := r.Invoke(context.Background(), "think", map[string]interface{}{"thought": "x"})
	if err != nil || result.IsError {
		t.Errorf("invoking registered tool failed: result=%+v err=%v", result, err)
	}

	result, err = r.Invoke(context.Background(), "unknown", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected an error result for an unregistered tool")
	}
}

func TestToolRegistryNilReceiverIsSafe(t *testing.T) {
	var r *ToolRegistry
	if defs := r.Definitions(); defs != nil {
		t.Errorf("Definitions() on nil registry = %v, want nil", defs)
	}
	result, err := r.Invoke(context.Background(), "think", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected an error result from a nil registry")
	}
}

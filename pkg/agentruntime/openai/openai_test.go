package openai

import (
	"context"
	"testing"

	"github.com/pocketbrain/pocketbrain/pkg/agentruntime/internal/engine"
)

func newTestRuntime(model string) *Runtime {
	return &Runtime{model: model, sessionModels: make(map[string]string), eng: engine.New()}
}

func TestCurrentModelDefaultsToConfigured(t *testing.T) {
	r := newTestRuntime("gpt-default")
	if got := r.CurrentModel("sess-1"); got != "gpt-default" {
		t.Errorf("CurrentModel = %q, want gpt-default", got)
	}
}

func TestSetSessionModelOverridesOnlyThatSession(t *testing.T) {
	r := newTestRuntime("gpt-default")
	r.SetSessionModel("sess-1", "gpt-fast")

	if got := r.CurrentModel("sess-1"); got != "gpt-fast" {
		t.Errorf("CurrentModel(sess-1) = %q, want gpt-fast", got)
	}
	if got := r.CurrentModel("sess-2"); got != "gpt-default" {
		t.Errorf("CurrentModel(sess-2) = %q, want unaffected default gpt-default", got)
	}
}

func TestDeleteSessionClearsOverride(t *testing.T) {
	r := newTestRuntime("gpt-default")
	r.SetSessionModel("sess-1", "gpt-fast")

	if err := r.DeleteSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := r.CurrentModel("sess-1"); got != "gpt-default" {
		t.Errorf("CurrentModel after delete = %q, want reverted to gpt-default", got)
	}
}

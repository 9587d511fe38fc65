package claude

import (
	"context"
	"testing"

	"github.com/pocketbrain/pocketbrain/pkg/agentruntime/internal/engine"
)

func newTestRuntime(model string) *Runtime {
	return &Runtime{model: model, sessionModels: make(map[string]string), eng: engine.New()}
}

func TestCurrentModelDefaultsToConfigured(t *testing.T) {
	r := newTestRuntime("claude-default")
	if got := r.CurrentModel("sess-1"); got != "claude-default" {
		t.Errorf("CurrentModel = %q, want claude-default", got)
	}
}

func TestSetSessionModelOverridesOnlyThatSession(t *testing.T) {
	r := newTestRuntime("claude-default")
	r.SetSessionModel("sess-1", "claude-fast")

	if got := r.CurrentModel("sess-1"); got != "claude-fast" {
		t.Errorf("CurrentModel(sess-1) = %q, want claude-fast", got)
	}
	if got := r.CurrentModel("sess-2"); got != "claude-default" {
		t.Errorf("CurrentModel(sess-2) = %q, want unaffected default claude-default", got)
	}
}

func TestDeleteSessionClearsOverride(t *testing.T) {
	r := newTestRuntime("claude-default")
	r.SetSessionModel("sess-1", "claude-fast")

	if err := r.DeleteSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := r.CurrentModel("sess-1"); got != "claude-default" {
		t.Errorf("CurrentModel after delete = %q, want reverted to claude-default", got)
	}
}

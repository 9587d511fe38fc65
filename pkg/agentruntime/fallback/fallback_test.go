package fallback

import (
	"context"
	"testing"

	"github.com/pocketbrain/pocketbrain/pkg/agentruntime/mock"
)

func TestSetSessionModelNoopOnUnroutedSession(t *testing.T) {
	r := New(mock.New(), mock.New())
	// sessionID was never created through r, so there's no route yet.
	r.SetSessionModel("no-such-session", "some-model") // must not panic
}

func TestCurrentModelEmptyOnUnroutedSession(t *testing.T) {
	r := New(mock.New(), mock.New())
	if got := r.CurrentModel("no-such-session"); got != "" {
		t.Errorf("CurrentModel = %q, want empty for an unrouted session", got)
	}
}

func TestCurrentModelEmptyWhenBackendDoesNotSupportSwitching(t *testing.T) {
	r := New(mock.New(), mock.New())
	id, err := r.CreateSession(context.Background(), "test")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if got := r.CurrentModel(id); got != "" {
		t.Errorf("CurrentModel = %q, want empty since mock doesn't implement ModelSwitcher", got)
	}
	r.SetSessionModel(id, "some-model") // must not panic
}

package sessionmgr

import (
	"context"
	"testing"
	"time"

	"github.com/pocketbrain/pocketbrain/pkg/agentruntime/mock"
	"github.com/pocketbrain/pocketbrain/pkg/model"
)

func TestRunSessionDeliversFinalText(t *testing.T) {
	rt := mock.New()
	rt.Responses = []mock.Response{{Text: "hello there"}}
	m := New(rt)

	chat := model.Chat{JID: "j1", Folder: "f1", Name: "Test"}

	var final Result
	var gotFinal bool
	done := make(chan struct{})
	returned := make(chan struct{})
	// RunSession holds the session open until end_signal resolves.
	go func() {
		defer close(returned)
		m.RunSession(context.Background(), Input{Chat: chat, Prompt: "hi"}, func(r Result) {
			if r.Final {
				final = r
				gotFinal = true
				close(done)
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunSession never delivered a final result")
	}
	m.AbortSession(context.Background(), "f1")
	<-returned

	if !gotFinal {
		t.Fatal("no final result delivered")
	}
	if final.Err != nil {
		t.Errorf("unexpected error: %v", final.Err)
	}
	if final.Text != "hello there" {
		t.Errorf("text = %q, want %q", final.Text, "hello there")
	}
}

func TestRunSessionRecreatesStaleSession(t *testing.T) {
	rt := mock.New()
	rt.StaleSessions["stale-id"] = true
	rt.Responses = []mock.Response{{Text: "fresh response"}}
	m := New(rt)

	chat := model.Chat{JID: "j1", Folder: "f1", Name: "Test"}

	var newID string
	done := make(chan struct{})
	returned := make(chan struct{})
	// RunSession holds the session open until end_signal resolves; the
	// session-id marker follows the final result.
	go func() {
		defer close(returned)
		m.RunSession(context.Background(), Input{Chat: chat, SessionID: "stale-id", Prompt: "hi"}, func(r Result) {
			if r.NewSessionID != "" {
				newID = r.NewSessionID
			}
			if r.Final {
				close(done)
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunSession never completed")
	}
	m.AbortSession(context.Background(), "f1")
	<-returned

	if newID == "" || newID == "stale-id" {
		t.Errorf("newID = %q, want a freshly created session id", newID)
	}
}

func TestSendFollowUpRejectedWithoutActiveSession(t *testing.T) {
	m := New(mock.New())
	if m.SendFollowUp(context.Background(), "no-such-folder", "text") {
		t.Error("SendFollowUp accepted text for a folder with no ActiveSession")
	}
}

func TestRunIsolatedNeverRegistersActiveSession(t *testing.T) {
	rt := mock.New()
	rt.Responses = []mock.Response{{Text: "isolated reply"}}
	m := New(rt)

	chat := model.Chat{JID: "j1", Folder: "f1", Name: "Test"}

	text, err := m.RunIsolated(context.Background(), chat, "one-off prompt", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "isolated reply" {
		t.Errorf("text = %q, want isolated reply", text)
	}

	if m.SendFollowUp(context.Background(), "f1", "follow up") {
		t.Error("a follow-up was accepted after RunIsolated, but isolated runs must not register an ActiveSession")
	}
}

func TestModelSwitcherPassthroughDegradesOnUnsupportedBackend(t *testing.T) {
	m := New(mock.New())
	if m.SetSessionModel("sess-1", "gpt-5") {
		t.Error("SetSessionModel reported success against a backend that doesn't implement ModelSwitcher")
	}
	if got := m.CurrentModel("sess-1"); got != "" {
		t.Errorf("CurrentModel = %q, want empty for an unsupported backend", got)
	}
}

package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketbrain/pocketbrain/pkg/agentruntime/mock"
	"github.com/pocketbrain/pocketbrain/pkg/model"
	"github.com/pocketbrain/pocketbrain/pkg/sessionmgr"
	"github.com/pocketbrain/pocketbrain/pkg/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store, *[]string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	chat := model.Chat{JID: "jid-1", Name: "Test Chat", Folder: "test-chat", AddedAt: time.Now()}
	if err := st.RegisterChat(chat); err != nil {
		t.Fatalf("registering chat: %v", err)
	}

	sessions := sessionmgr.New(mock.New())

	sent := &[]string{}
	o := New(st, nil, sessions, func(ctx context.Context, jid, text string) error {
		*sent = append(*sent, text)
		return nil
	})
	return o, st, sent
}

func TestSanitizeStripsInternalTags(t *testing.T) {
	in := "visible <internal>hidden reasoning</internal> also visible"
	got := Sanitize(in)
	want := "visible  also visible"
	if got != want {
		t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
	}
}

func TestSanitizeLeavesPlainTextAlone(t *testing.T) {
	in := "nothing to strip here"
	if got := Sanitize(in); got != in {
		t.Errorf("Sanitize(%q) = %q, want unchanged", in, got)
	}
}

func TestHandleCommandIgnoresOrdinaryMessages(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	chat := model.Chat{Folder: "test-chat"}

	if _, handled := o.handleCommand(chat, "hello there"); handled {
		t.Error("ordinary message was treated as a command")
	}
}

func TestHandleNewCommandClearsSession(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	chat := model.Chat{Folder: "test-chat"}

	if err := st.SetSession("test-chat", "sess-123"); err != nil {
		t.Fatalf("seeding session: %v", err)
	}

	reply, handled := o.handleCommand(chat, "/new")
	if !handled {
		t.Fatal("/new was not recognized as a command")
	}
	if reply == "" {
		t.Error("expected a non-empty confirmation reply")
	}

	got, err := st.GetSession("test-chat")
	if err != nil {
		t.Fatalf("reading session: %v", err)
	}
	if got != "" {
		t.Errorf("session = %q, want cleared", got)
	}
}

func TestHandleModelCommandWithoutSessionAsksToChat(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	chat := model.Chat{Folder: "test-chat"}

	reply, handled := o.handleCommand(chat, "/model")
	if !handled {
		t.Fatal("/model was not recognized as a command")
	}
	if reply == "" {
		t.Error("expected an explanatory reply when no session exists yet")
	}
}

func TestHandleModelCommandDegradesOnUnsupportedBackend(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	if err := st.SetSession("test-chat", "sess-123"); err != nil {
		t.Fatalf("seeding session: %v", err)
	}
	chat := model.Chat{Folder: "test-chat"}

	reply, handled := o.handleCommand(chat, "/model gpt-5")
	if !handled {
		t.Fatal("/model <name> was not recognized as a command")
	}
	if reply == "" {
		t.Error("expected a reply explaining the backend can't switch models")
	}
}

func TestOnMessageInterceptsCommandsBeforePersisting(t *testing.T) {
	o, st, sent := newTestOrchestrator(t)

	o.OnMessage(model.Message{ChatJID: "jid-1", ID: "m1", Content: "/new", Timestamp: "2026-01-01T00:00:00Z"})

	if len(*sent) != 1 {
		t.Fatalf("sent = %v, want exactly one command reply", *sent)
	}

	msgs, err := st.MessagesAfter("jid-1", "")
	if err != nil {
		t.Fatalf("reading messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("command message was persisted as ordinary content: %+v", msgs)
	}
}

func TestOnMessagePersistsOrdinaryMessages(t *testing.T) {
	o, st, sent := newTestOrchestrator(t)

	o.OnMessage(model.Message{ChatJID: "jid-1", ID: "m1", Content: "hello", Timestamp: "2026-01-01T00:00:00Z"})

	if len(*sent) != 0 {
		t.Errorf("sent = %v, want no command reply for an ordinary message", *sent)
	}

	msgs, err := st.MessagesAfter("jid-1", "")
	if err != nil {
		t.Fatalf("reading messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("msgs = %+v, want [hello]", msgs)
	}
}

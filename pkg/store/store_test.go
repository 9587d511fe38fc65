package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketbrain/pocketbrain/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRegisterChatEnforcesSingleMain(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()

	if err := st.RegisterChat(model.Chat{JID: "j1", Folder: "f1", Name: "One", AddedAt: now, IsMain: true}); err != nil {
		t.Fatalf("registering first main chat: %v", err)
	}
	if err := st.RegisterChat(model.Chat{JID: "j2", Folder: "f2", Name: "Two", AddedAt: now, IsMain: true}); err != nil {
		t.Fatalf("registering second main chat: %v", err)
	}

	c1, err := st.GetChatByJID("j1")
	if err != nil {
		t.Fatalf("reading first chat: %v", err)
	}
	if c1.IsMain {
		t.Error("first chat should no longer be main once a second is registered")
	}

	main, err := st.GetMainChat()
	if err != nil {
		t.Fatalf("reading main chat: %v", err)
	}
	if main.JID != "j2" {
		t.Errorf("main chat = %q, want j2", main.JID)
	}
}

func TestRecordMessageIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	msg := model.Message{ChatJID: "j1", ID: "m1", Content: "hi", Timestamp: "2026-01-01T00:00:00Z"}

	if err := st.RecordMessage(msg); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := st.RecordMessage(msg); err != nil {
		t.Fatalf("redelivered insert: %v", err)
	}

	msgs, err := st.MessagesAfter("j1", "")
	if err != nil {
		t.Fatalf("reading messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1 (redelivery must not duplicate)", len(msgs))
	}
}

func TestMessagesAfterOrdersByTimestamp(t *testing.T) {
	st := openTestStore(t)
	for i, ts := range []string{"2026-01-01T00:00:03Z", "2026-01-01T00:00:01Z", "2026-01-01T00:00:02Z"} {
		msg := model.Message{ChatJID: "j1", ID: string(rune('a' + i)), Content: ts, Timestamp: ts}
		if err := st.RecordMessage(msg); err != nil {
			t.Fatalf("inserting: %v", err)
		}
	}

	msgs, err := st.MessagesAfter("j1", "2026-01-01T00:00:01Z")
	if err != nil {
		t.Fatalf("reading messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (strictly after cursor)", len(msgs))
	}
	if msgs[0].Timestamp != "2026-01-01T00:00:02Z" || msgs[1].Timestamp != "2026-01-01T00:00:03Z" {
		t.Errorf("messages out of order: %+v", msgs)
	}
}

func TestSessionLifecycle(t *testing.T) {
	st := openTestStore(t)

	got, err := st.GetSession("f1")
	if err != nil || got != "" {
		t.Fatalf("GetSession on unset folder = (%q, %v), want (\"\", nil)", got, err)
	}

	if err := st.SetSession("f1", "sess-a"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if got, _ = st.GetSession("f1"); got != "sess-a" {
		t.Errorf("GetSession = %q, want sess-a", got)
	}

	if err := st.SetSession("f1", "sess-b"); err != nil {
		t.Fatalf("SetSession overwrite: %v", err)
	}
	if got, _ = st.GetSession("f1"); got != "sess-b" {
		t.Errorf("GetSession after overwrite = %q, want sess-b", got)
	}

	if err := st.ClearSession("f1"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if got, _ = st.GetSession("f1"); got != "" {
		t.Errorf("GetSession after clear = %q, want empty", got)
	}
}

func TestDueTasksOnlyReturnsPastOrEqualNextRun(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := model.ScheduledTask{
		ID: "t-due", ChatFolder: "f1", ChatJID: "j1", Prompt: "p",
		ScheduleKind: model.ScheduleOnce, ScheduleValue: past.Format(time.RFC3339),
		ContextMode: model.ContextGroup, NextRun: &past, Status: model.TaskActive, CreatedAt: now,
	}
	notDue := model.ScheduledTask{
		ID: "t-not-due", ChatFolder: "f1", ChatJID: "j1", Prompt: "p",
		ScheduleKind: model.ScheduleOnce, ScheduleValue: future.Format(time.RFC3339),
		ContextMode: model.ContextGroup, NextRun: &future, Status: model.TaskActive, CreatedAt: now,
	}
	if err := st.CreateTask(due); err != nil {
		t.Fatalf("creating due task: %v", err)
	}
	if err := st.CreateTask(notDue); err != nil {
		t.Fatalf("creating future task: %v", err)
	}

	results, err := st.DueTasks(now)
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(results) != 1 || results[0].ID != "t-due" {
		t.Errorf("DueTasks = %+v, want only t-due", results)
	}
}

func TestCreateTaskIsIdempotentPerID(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()
	task := model.ScheduledTask{
		ID: "t1", ChatFolder: "f1", ChatJID: "j1", Prompt: "first",
		ScheduleKind: model.ScheduleInterval, ScheduleValue: "60000",
		ContextMode: model.ContextGroup, Status: model.TaskActive, CreatedAt: now,
	}
	if err := st.CreateTask(task); err != nil {
		t.Fatalf("first create: %v", err)
	}
	task.Prompt = "retried"
	if err := st.CreateTask(task); err != nil {
		t.Fatalf("retried create with same id: %v", err)
	}

	tasks, err := st.ListTasks()
	if err != nil {
		t.Fatalf("listing tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1 (idempotent on id)", len(tasks))
	}
	if tasks[0].Prompt != "retried" {
		t.Errorf("prompt = %q, want retried (latest create wins)", tasks[0].Prompt)
	}
}

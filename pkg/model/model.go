// Package model holds the domain types shared across PocketBrain's core
// components — Chat, Message, ScheduledTask, OutboxEntry, and the
// schedule-kind/context-mode enums. None of these types owns behavior;
// they are plain data handed between Store, Queue, Orchestrator,
// SessionManager, Scheduler and IpcWatcher.
package model

import "time"

// Chat is a conversation the assistant responds in.
type Chat struct {
	JID     string // opaque channel-assigned id, unique
	Name    string
	Folder  string // short slug, unique, filesystem/IPC identity
	AddedAt time.Time
	IsMain  bool
}

// Message is an inbound or echo-of-self message observed on a channel.
type Message struct {
	ChatJID      string
	ID           string // composite key with ChatJID
	Sender       string
	SenderName   string
	Content      string
	Timestamp    string // ISO-8601, total-ordered within a chat
	IsFromMe     bool
	IsBotMessage bool
}

// ScheduleKind enumerates the three task-scheduling modes.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// ContextMode selects whether a scheduled task runs in the chat's
// ongoing session or an isolated one-off session.
type ContextMode string

const (
	ContextGroup    ContextMode = "group"
	ContextIsolated ContextMode = "isolated"
)

// TaskStatus is the lifecycle state of a ScheduledTask.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// ScheduledTask is a persisted cron/interval/once job.
type ScheduledTask struct {
	ID            string
	ChatFolder    string
	ChatJID       string
	Prompt        string
	ScheduleKind  ScheduleKind
	ScheduleValue string
	ContextMode   ContextMode
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	Status        TaskStatus
	CreatedAt     time.Time
}

// OutboxEntry is a pending outbound message for channels that can
// disconnect and must retry delivery later.
type OutboxEntry struct {
	ID        int64
	Channel   string
	UserID    string
	Text      string
	Attempts  int
	NextRetry time.Time
}

// Package scheduler advances cron/interval/once ScheduledTasks exactly
// once per firing, even across restarts, driving SessionManager through
// the Queue the same way Orchestrator drives it for inbound messages.
// Cron next-occurrence computation is delegated to
// github.com/adhocore/gronx, the teacher's own declared (previously
// unused) scheduling dependency, finally given a concrete home.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/pocketbrain/pocketbrain/pkg/logger"
	"github.com/pocketbrain/pocketbrain/pkg/model"
	"github.com/pocketbrain/pocketbrain/pkg/queue"
	"github.com/pocketbrain/pocketbrain/pkg/sessionmgr"
	"github.com/pocketbrain/pocketbrain/pkg/store"
)

// SendFunc delivers text to jid through whichever Channel owns it.
type SendFunc func(ctx context.Context, jid, text string) error

const scheduledTaskMarker = "SCHEDULED TASK: this prompt was triggered autonomously by a schedule, not by a user message.\n\n"

// Scheduler polls Store for due tasks and runs them through Queue.
type Scheduler struct {
	store    *store.Store
	queue    *queue.Queue
	sessions *sessionmgr.Manager
	send     SendFunc
	loc      *time.Location

	TickInterval time.Duration
	IdleTimeout  time.Duration

	// InstructionsDir, if set, holds one optional "<folder>.md" file per
	// chat whose contents are injected into that chat's first prompt on
	// a new session. Empty disables the feature entirely.
	InstructionsDir string
}

// New creates a Scheduler. loc is the configured timezone used to
// compute cron occurrences. The Queue is wired in afterward via
// SetQueue, since Queue's own constructor needs Scheduler.RunTask.
func New(st *store.Store, q *queue.Queue, sessions *sessionmgr.Manager, send SendFunc, loc *time.Location) *Scheduler {
	return &Scheduler{
		store:        st,
		queue:        q,
		sessions:     sessions,
		send:         send,
		loc:          loc,
		TickInterval: 60 * time.Second,
		IdleTimeout:  30 * time.Minute,
	}
}

// readInstructions returns the trimmed contents of dir/folder.md, or ""
// if dir is unset or the file doesn't exist. Any other read error is
// logged and treated the same as absent, since a missing instructions
// file is never fatal to running a scheduled task.
func readInstructions(dir, folder string) string {
	if dir == "" {
		return ""
	}
	raw, err := os.ReadFile(filepath.Join(dir, folder+".md"))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WarnCF("scheduler", "reading instructions file failed", map[string]interface{}{"chat_folder": folder, "error": err.Error()})
		}
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// SetQueue wires the Queue in after construction.
func (s *Scheduler) SetQueue(q *queue.Queue) {
	s.queue = q
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	now := time.Now().In(s.loc)
	due, err := s.store.DueTasks(now)
	if err != nil {
		logger.ErrorCF("scheduler", "listing due tasks failed", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, t := range due {
		fresh, err := s.store.GetTask(t.ID)
		if err != nil {
			logger.WarnCF("scheduler", "re-read of due task failed, skipping", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
			continue
		}
		if fresh.Status != model.TaskActive {
			continue
		}
		s.queue.EnqueueTask(fresh.ChatFolder, fresh.ID)
	}
}

// RunTask is the Queue-invoked thunk for one scheduled task firing. It
// satisfies queue.RunTaskFunc.
func (s *Scheduler) RunTask(ctx context.Context, folder, taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if task.Status != model.TaskActive {
		return nil
	}

	chat, err := s.store.GetChatByFolder(folder)
	if err != nil {
		task.LastRun = timePtr(time.Now())
		task.LastResult = truncate(fmt.Sprintf("chat folder %q not found: %v", folder, err), 2000)
		task.Status = model.TaskActive
		_ = s.store.UpdateTask(task)
		return nil
	}

	prompt := scheduledTaskMarker + task.Prompt

	idleTimer := time.AfterFunc(s.IdleTimeout, func() {
		s.queue.RequestIdleAbort(context.Background(), folder)
	})
	defer idleTimer.Stop()

	if task.ContextMode == model.ContextIsolated {
		text, runErr := s.sessions.RunIsolated(ctx, chat, prompt, func(fullText string) {
			idleTimer.Reset(s.IdleTimeout)
		})
		idleTimer.Stop()
		if runErr != nil {
			task.LastRun = timePtr(time.Now())
			task.LastResult = truncate("error: "+runErr.Error(), 2000)
			task.Status = model.TaskActive
		} else {
			if text != "" {
				if err := s.send(ctx, chat.JID, text); err != nil {
					logger.WarnCF("scheduler", "isolated task send failed", map[string]interface{}{"chat_folder": folder, "error": err.Error()})
				}
			}
			task.LastRun = timePtr(time.Now())
			task.LastResult = truncate("success", 2000)
		}

		next, status, err := s.computeNextRun(task)
		if err != nil {
			logger.ErrorCF("scheduler", "computing next run failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		} else {
			task.NextRun = next
			task.Status = status
		}
		if err := s.store.UpdateTask(task); err != nil {
			logger.ErrorCF("scheduler", "persisting task result failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		}
		return runErr
	}

	sessionID, _ := s.store.GetSession(folder)

	var runErr error
	done := make(chan struct{})

	s.sessions.RunSession(ctx, sessionmgr.Input{
		Chat:             chat,
		SessionID:        sessionID,
		Prompt:           prompt,
		IsNewSession:     sessionID == "",
		InstructionsText: readInstructions(s.InstructionsDir, chat.Folder),
		StreamCallback: func(fullText string) {
			idleTimer.Reset(s.IdleTimeout)
			if err := s.send(ctx, chat.JID, fullText); err != nil {
				logger.WarnCF("scheduler", "streaming send failed", map[string]interface{}{"chat_folder": folder, "error": err.Error()})
			}
		},
	}, func(result sessionmgr.Result) {
		if result.NewSessionID != "" {
			_ = s.store.SetSession(folder, result.NewSessionID)
			return
		}
		if !result.Final {
			return
		}
		idleTimer.Reset(s.IdleTimeout)
		if result.Err != nil {
			runErr = result.Err
		} else if result.Text != "" {
			if err := s.send(ctx, chat.JID, result.Text); err != nil {
				logger.WarnCF("scheduler", "final send failed", map[string]interface{}{"chat_folder": folder, "error": err.Error()})
			}
		}
		// Follow-ups routed into this session report through the same
		// callback, so done may already be closed.
		select {
		case <-done:
		default:
			close(done)
		}
	})

	<-done

	task.LastRun = timePtr(time.Now())
	if runErr != nil {
		task.Status = model.TaskActive
		task.LastResult = truncate("error: "+runErr.Error(), 2000)
	} else {
		task.LastResult = truncate("success", 2000)
	}

	next, status, err := s.computeNextRun(task)
	if err != nil {
		logger.ErrorCF("scheduler", "computing next run failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
	} else {
		task.NextRun = next
		task.Status = status
	}

	if err := s.store.UpdateTask(task); err != nil {
		logger.ErrorCF("scheduler", "persisting task result failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
	}

	return runErr
}

// computeNextRun implements the drift-free schedule advance rule: once
// completes, cron advances from now, interval advances from its own
// previous anchor rather than now.
func (s *Scheduler) computeNextRun(t model.ScheduledTask) (*time.Time, model.TaskStatus, error) {
	switch t.ScheduleKind {
	case model.ScheduleOnce:
		return nil, model.TaskCompleted, nil

	case model.ScheduleCron:
		next, err := gronx.NextTickAfter(t.ScheduleValue, time.Now().In(s.loc), false)
		if err != nil {
			return nil, model.TaskActive, fmt.Errorf("computing next cron occurrence: %w", err)
		}
		return &next, model.TaskActive, nil

	case model.ScheduleInterval:
		ms, err := strconv.ParseInt(t.ScheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, model.TaskActive, fmt.Errorf("invalid interval %q", t.ScheduleValue)
		}
		anchor := time.Now().In(s.loc)
		if t.NextRun != nil {
			anchor = *t.NextRun
		}
		next := anchor.Add(time.Duration(ms) * time.Millisecond)
		return &next, model.TaskActive, nil

	default:
		return nil, model.TaskActive, fmt.Errorf("unknown schedule kind %q", t.ScheduleKind)
	}
}

// ValidateTaskSpec enforces creation-time validation: cron must parse,
// interval must be a positive integer, once must be a timestamp
// strictly in the future. It is shared by the IpcWatcher and any other
// task-creation boundary.
func ValidateTaskSpec(kind model.ScheduleKind, value string) error {
	switch kind {
	case model.ScheduleCron:
		if !gronx.IsValid(value) {
			return fmt.Errorf("invalid cron expression %q", value)
		}
		return nil
	case model.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("interval must be a positive integer number of milliseconds, got %q", value)
		}
		return nil
	case model.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("once schedule must be an RFC3339 timestamp: %w", err)
		}
		if !at.After(time.Now()) {
			return fmt.Errorf("once schedule %q must be strictly in the future", value)
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule kind %q", kind)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}

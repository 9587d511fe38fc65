// Package queue enforces per-chat serialization, a global concurrency
// bound, prioritization between scheduled tasks and message batches, and
// exponential backoff retry. It is the admission layer between
// Orchestrator/Scheduler (producers of work) and SessionManager
// (consumer of work). The worker-pool shape is grounded on
// ai/agents/orchestrator/dag_scheduler.go's semaphore-gated dispatcher
// loop, generalized from a single global token channel into per-chat
// state machines so one slow chat can never starve another; the global
// concurrency bound itself is golang.org/x/sync/semaphore.Weighted,
// whose internal FIFO wait queue replaces what would otherwise be a
// hand-rolled waiting-chats list.
package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pocketbrain/pocketbrain/pkg/logger"
	"github.com/pocketbrain/pocketbrain/pkg/sessionmgr"
)

// ProcessBatchFunc runs the pending message batch for a chat folder.
type ProcessBatchFunc func(ctx context.Context, folder string) error

// RunTaskFunc runs one scheduled task against a chat folder.
type RunTaskFunc func(ctx context.Context, folder, taskID string) error

type taskJob struct {
	taskID string
}

// chatState is the per-chat admission bookkeeping the spec names:
// active, pending_messages_flag, pending_tasks FIFO, running_task_id,
// retry_count.
type chatState struct {
	active              bool
	pendingMessagesFlag bool
	pendingTasks        []taskJob
	runningTaskID       string
	retryCount          int
}

// Queue is the admission layer described above.
type Queue struct {
	mu        sync.Mutex
	chats     map[string]*chatState
	sem       *semaphore.Weighted
	maxWeight int64

	draining bool

	processBatch ProcessBatchFunc
	runTask      RunTaskFunc
	sessions     *sessionmgr.Manager

	baseRetry  time.Duration
	maxRetries int
}

// New creates a Queue admitting at most maxConcurrent chats at once.
func New(maxConcurrent int, baseRetry time.Duration, maxRetries int, sessions *sessionmgr.Manager, processBatch ProcessBatchFunc, runTask RunTaskFunc) *Queue {
	return &Queue{
		chats:        make(map[string]*chatState),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		maxWeight:    int64(maxConcurrent),
		processBatch: processBatch,
		runTask:      runTask,
		sessions:     sessions,
		baseRetry:    baseRetry,
		maxRetries:   maxRetries,
	}
}

func (q *Queue) getOrCreate(folder string) *chatState {
	st, ok := q.chats[folder]
	if !ok {
		st = &chatState{}
		q.chats[folder] = st
	}
	return st
}

// EnqueueNew schedules process_batch(folder). If the chat is already
// active, the run will pick up the new batch after its current job
// drains; otherwise it admits a slot (blocking, FIFO, on the global
// semaphore) and starts driving.
func (q *Queue) EnqueueNew(folder string) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	st := q.getOrCreate(folder)
	st.pendingMessagesFlag = true
	alreadyActive := st.active
	st.active = true
	q.mu.Unlock()

	if alreadyActive {
		return
	}
	go q.driveWhenAdmitted(folder)
}

// EnqueueTask schedules run_task(folder, taskID), deduping against an
// already-queued or currently-running task of the same id.
func (q *Queue) EnqueueTask(folder, taskID string) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	st := q.getOrCreate(folder)
	if st.runningTaskID == taskID {
		q.mu.Unlock()
		return
	}
	for _, j := range st.pendingTasks {
		if j.taskID == taskID {
			q.mu.Unlock()
			return
		}
	}
	st.pendingTasks = append(st.pendingTasks, taskJob{taskID: taskID})
	alreadyActive := st.active
	st.active = true
	q.mu.Unlock()

	if alreadyActive {
		return
	}
	go q.driveWhenAdmitted(folder)
}

// RegisterSession binds the active session identity for follow-up
// routing. The binding itself lives in sessionmgr.Manager's
// ActiveSession map (populated by RunSession); this is a no-op hook
// kept to mirror the named operation in the admission contract and give
// callers an explicit place to log registration.
func (q *Queue) RegisterSession(folder, sessionID string) {
	logger.DebugCF("queue", "session registered for follow-up routing", map[string]interface{}{
		"chat_folder": folder,
		"session_id":  sessionID,
	})
}

// RouteFollowup attempts to deliver text to the chat's active,
// non-busy session. Returns whether it was accepted.
func (q *Queue) RouteFollowup(ctx context.Context, folder, text string) bool {
	return q.sessions.SendFollowUp(ctx, folder, text)
}

// RequestIdleAbort asks SessionManager to abort folder's session (a
// no-op if absent). It does not check whether the session is busy: a
// prompt still in flight is interrupted as well.
func (q *Queue) RequestIdleAbort(ctx context.Context, folder string) {
	q.sessions.AbortSession(ctx, folder)
}

// driveWhenAdmitted blocks on the global semaphore (FIFO across every
// waiting chat) and then drives folder's admitted slot until it has
// nothing left pending.
func (q *Queue) driveWhenAdmitted(folder string) {
	if err := q.sem.Acquire(context.Background(), 1); err != nil {
		logger.ErrorCF("queue", "acquiring concurrency slot failed", map[string]interface{}{"chat_folder": folder, "error": err.Error()})
		q.mu.Lock()
		if st := q.chats[folder]; st != nil {
			st.active = false
		}
		q.mu.Unlock()
		return
	}
	q.drive(folder)
}

// drive runs folder's admitted slot until it has nothing left pending,
// applying the task-before-message drain rule, then releases the
// semaphore slot.
func (q *Queue) drive(folder string) {
	for {
		q.mu.Lock()
		st := q.chats[folder]
		if st == nil {
			q.mu.Unlock()
			q.sem.Release(1)
			return
		}

		var taskID string
		hasTask := false
		if len(st.pendingTasks) > 0 {
			taskID = st.pendingTasks[0].taskID
			st.pendingTasks = st.pendingTasks[1:]
			st.runningTaskID = taskID
			hasTask = true
		} else if st.pendingMessagesFlag {
			st.pendingMessagesFlag = false
		} else {
			st.active = false
			q.mu.Unlock()
			q.sem.Release(1)
			return
		}
		q.mu.Unlock()

		var err error
		ctx := context.Background()
		if hasTask {
			err = q.runTask(ctx, folder, taskID)
		} else {
			err = q.processBatch(ctx, folder)
		}

		q.mu.Lock()
		if hasTask {
			st.runningTaskID = ""
		}
		if err != nil {
			q.handleFailure(st, folder, taskID, hasTask, err)
			return
		}
		st.retryCount = 0
		q.mu.Unlock()
	}
}

// handleFailure applies the retry/backoff rule and releases the
// semaphore slot. Caller must hold q.mu; it is released before
// returning.
func (q *Queue) handleFailure(st *chatState, folder, taskID string, hasTask bool, runErr error) {
	st.retryCount++
	retryCount := st.retryCount
	st.active = false
	q.mu.Unlock()

	q.sem.Release(1)

	if retryCount <= q.maxRetries {
		delay := q.baseRetry * time.Duration(int64(1)<<uint(retryCount-1))
		logger.WarnCF("queue", "job failed, scheduling retry", map[string]interface{}{
			"chat_folder": folder,
			"retry_count": retryCount,
			"delay":       delay.String(),
			"error":       runErr.Error(),
		})
		time.AfterFunc(delay, func() {
			if hasTask {
				q.EnqueueTask(folder, taskID)
			} else {
				q.EnqueueNew(folder)
			}
		})
	} else {
		logger.ErrorCF("queue", "job failed, retries exhausted, dropping for now", map[string]interface{}{
			"chat_folder": folder,
			"error":       runErr.Error(),
		})
	}
}

// Shutdown stops admitting new work and waits up to grace for in-flight
// slots to complete (best-effort: it re-acquires the entire semaphore
// weight, which only succeeds once every holder has released).
func (q *Queue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	// Acquire and immediately release the full weight: this only
	// succeeds once every in-flight drive() has released its slot.
	if err := q.sem.Acquire(ctx, q.maxWeight); err != nil {
		logger.WarnCF("queue", "shutdown grace period elapsed with work still in flight", nil)
		return
	}
	q.sem.Release(q.maxWeight)
}

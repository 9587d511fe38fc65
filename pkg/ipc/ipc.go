// Package ipc safely applies agent-initiated host actions dropped as
// JSON files under <data_dir>/ipc/<source_folder>/{messages,tasks}/.
// The parent directory name is the sole authorization identity; nothing
// in the file body can escalate a request's authority. Atomic-write
// discipline (write <name>.json.tmp, rename to <name>.json) mirrors
// pkg/state/topic_mapping.go's write-tmp-then-rename idiom, here
// applied to a reader that must tolerate a crash between apply and
// delete.
package ipc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/pocketbrain/pocketbrain/pkg/logger"
	"github.com/pocketbrain/pocketbrain/pkg/model"
	"github.com/pocketbrain/pocketbrain/pkg/scheduler"
	"github.com/pocketbrain/pocketbrain/pkg/store"
)

// SendFunc delivers text to jid through whichever Channel owns it.
type SendFunc func(ctx context.Context, jid, text string) error

const errorsDirName = "errors"

// Watcher polls ipc_root for agent-dropped JSON files and applies them.
type Watcher struct {
	root  string
	store *store.Store
	send  SendFunc
	loc   *time.Location

	PollInterval   time.Duration
	ErrorRetention time.Duration
}

// New creates a Watcher rooted at root (<data_dir>/ipc).
func New(root string, st *store.Store, send SendFunc, loc *time.Location) *Watcher {
	return &Watcher{
		root:           root,
		store:          st,
		send:           send,
		loc:            loc,
		PollInterval:   time.Second,
		ErrorRetention: 7 * 24 * time.Hour,
	}
}

// Run performs startup cleanup then ticks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if err := os.MkdirAll(filepath.Join(w.root, errorsDirName), 0o755); err != nil {
		logger.ErrorCF("ipc", "creating errors dir failed", map[string]interface{}{"error": err.Error()})
	}

	w.cleanupStaleTmp()
	w.pruneOldErrors()

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	w.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// cleanupStaleTmp deletes orphaned *.json.tmp files left by an
// interrupted atomic write, anywhere under ipc_root.
func (w *Watcher) cleanupStaleTmp() {
	_ = filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".json.tmp") {
			if rmErr := os.Remove(path); rmErr != nil {
				logger.WarnCF("ipc", "removing stale tmp file failed", map[string]interface{}{"path": path, "error": rmErr.Error()})
			}
		}
		return nil
	})
}

// pruneOldErrors deletes quarantined files older than ErrorRetention.
func (w *Watcher) pruneOldErrors() {
	dir := filepath.Join(w.root, errorsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-w.ErrorRetention)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, e.Name()))
	}
}

func (w *Watcher) tick() {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		logger.ErrorCF("ipc", "reading ipc root failed", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == errorsDirName {
			continue
		}
		sourceFolder := e.Name()
		w.processMessages(sourceFolder)
		w.processTasks(sourceFolder)
	}
}

func (w *Watcher) jsonFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func (w *Watcher) quarantine(sourceFolder, dir, name string, causeErr error) {
	src := filepath.Join(dir, name)
	dst := filepath.Join(w.root, errorsDirName, sourceFolder+"-"+name)
	if err := os.Rename(src, dst); err != nil {
		logger.ErrorCF("ipc", "quarantining malformed ipc file failed", map[string]interface{}{"path": src, "error": err.Error()})
		return
	}
	logger.WarnCF("ipc", "quarantined malformed ipc file", map[string]interface{}{
		"source_folder": sourceFolder,
		"file":           name,
		"cause":          causeErr.Error(),
	})
}

// isMainSource reports whether sourceFolder is the designated main
// chat's folder, which is authorized to act across folders.
func (w *Watcher) isMainSource(sourceFolder string) bool {
	main, err := w.store.GetMainChat()
	if err != nil {
		return false
	}
	return main.Folder == sourceFolder
}

type typeEnvelope struct {
	Type string `json:"type"`
}

type messageEnvelope struct {
	Type      string `json:"type"`
	ChatJID   string `json:"chat_jid"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

func (w *Watcher) processMessages(sourceFolder string) {
	dir := filepath.Join(w.root, sourceFolder, "messages")
	for _, name := range w.jsonFiles(dir) {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			w.quarantine(sourceFolder, dir, name, err)
			continue
		}

		var env messageEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type != "message" || env.ChatJID == "" || env.Text == "" {
			if err == nil {
				err = fmt.Errorf("missing required field(s) in message envelope")
			}
			w.quarantine(sourceFolder, dir, name, err)
			continue
		}

		target, err := w.store.GetChatByJID(env.ChatJID)
		authorized := err == nil && (target.Folder == sourceFolder || w.isMainSource(sourceFolder))
		if !authorized {
			logger.WarnCF("ipc", "blocked unauthorized outbound message", map[string]interface{}{
				"source_folder": sourceFolder,
				"chat_jid":       env.ChatJID,
			})
			_ = os.Remove(path)
			continue
		}

		if err := w.send(context.Background(), env.ChatJID, env.Text); err != nil {
			logger.ErrorCF("ipc", "delivering ipc message failed", map[string]interface{}{
				"chat_jid": env.ChatJID,
				"error":    err.Error(),
			})
		}
		_ = os.Remove(path)
	}
}

type scheduleTaskEnvelope struct {
	Type          string `json:"type"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
	TargetJID     string `json:"target_jid"`
	Timestamp     string `json:"timestamp"`
}

type taskActionEnvelope struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Timestamp string `json:"timestamp"`
}

func (w *Watcher) processTasks(sourceFolder string) {
	dir := filepath.Join(w.root, sourceFolder, "tasks")
	for _, name := range w.jsonFiles(dir) {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			w.quarantine(sourceFolder, dir, name, err)
			continue
		}

		var probe typeEnvelope
		if err := json.Unmarshal(raw, &probe); err != nil {
			w.quarantine(sourceFolder, dir, name, err)
			continue
		}

		switch probe.Type {
		case "schedule_task":
			w.dispatchScheduleTask(sourceFolder, dir, name, raw)
		case "pause_task", "resume_task", "cancel_task":
			w.dispatchTaskAction(sourceFolder, dir, name, raw, probe.Type)
		default:
			w.quarantine(sourceFolder, dir, name, fmt.Errorf("unknown task envelope type %q", probe.Type))
			continue
		}

		_ = os.Remove(path)
	}
}

func (w *Watcher) dispatchScheduleTask(sourceFolder, dir, name string, raw []byte) {
	var env scheduleTaskEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Prompt == "" || env.ScheduleType == "" || env.ScheduleValue == "" || env.TargetJID == "" {
		if err == nil {
			err = fmt.Errorf("missing required field(s) in schedule_task envelope")
		}
		w.quarantine(sourceFolder, dir, name, err)
		return
	}

	target, err := w.store.GetChatByJID(env.TargetJID)
	authorized := err == nil && (target.Folder == sourceFolder || w.isMainSource(sourceFolder))
	if !authorized {
		logger.WarnCF("ipc", "blocked unauthorized schedule_task", map[string]interface{}{
			"source_folder": sourceFolder,
			"target_jid":     env.TargetJID,
		})
		return
	}

	kind := model.ScheduleKind(env.ScheduleType)
	if err := scheduler.ValidateTaskSpec(kind, env.ScheduleValue); err != nil {
		logger.WarnCF("ipc", "rejected invalid schedule_task", map[string]interface{}{
			"source_folder": sourceFolder,
			"error":         err.Error(),
		})
		return
	}

	contextMode := model.ContextMode(env.ContextMode)
	if contextMode != model.ContextGroup && contextMode != model.ContextIsolated {
		contextMode = model.ContextGroup
	}

	task := model.ScheduledTask{
		ID:            deriveTaskID(sourceFolder, env.Timestamp, env.Prompt),
		ChatFolder:    target.Folder,
		ChatJID:       target.JID,
		Prompt:        env.Prompt,
		ScheduleKind:  kind,
		ScheduleValue: env.ScheduleValue,
		ContextMode:   contextMode,
		Status:        model.TaskActive,
		CreatedAt:     time.Now(),
	}

	if kind == model.ScheduleOnce {
		at, _ := time.Parse(time.RFC3339, env.ScheduleValue)
		task.NextRun = &at
	} else if kind == model.ScheduleCron {
		next, err := cronNextFromNow(env.ScheduleValue, w.loc)
		if err == nil {
			task.NextRun = &next
		}
	} else {
		next := time.Now().In(w.loc)
		task.NextRun = &next
	}

	if err := w.store.CreateTask(task); err != nil {
		logger.ErrorCF("ipc", "creating scheduled task failed", map[string]interface{}{"error": err.Error()})
	}
}

func (w *Watcher) dispatchTaskAction(sourceFolder, dir, name string, raw []byte, action string) {
	var env taskActionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.TaskID == "" {
		if err == nil {
			err = fmt.Errorf("missing required field(s) in %s envelope", action)
		}
		w.quarantine(sourceFolder, dir, name, err)
		return
	}

	task, err := w.store.GetTask(env.TaskID)
	if err != nil {
		logger.WarnCF("ipc", "task action references unknown task", map[string]interface{}{
			"source_folder": sourceFolder,
			"task_id":       env.TaskID,
		})
		return
	}
	if task.ChatFolder != sourceFolder && !w.isMainSource(sourceFolder) {
		logger.WarnCF("ipc", "blocked unauthorized task action", map[string]interface{}{
			"source_folder": sourceFolder,
			"task_id":       env.TaskID,
			"action":        action,
		})
		return
	}

	switch action {
	case "pause_task":
		task.Status = model.TaskPaused
		if err := w.store.UpdateTask(task); err != nil {
			logger.ErrorCF("ipc", "pausing task failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		}
	case "resume_task":
		task.Status = model.TaskActive
		switch task.ScheduleKind {
		case model.ScheduleCron:
			if next, err := cronNextFromNow(task.ScheduleValue, w.loc); err == nil {
				task.NextRun = &next
			}
		case model.ScheduleInterval:
			if ms, err := parseMillis(task.ScheduleValue); err == nil {
				next := time.Now().In(w.loc).Add(time.Duration(ms) * time.Millisecond)
				task.NextRun = &next
			}
		}
		if err := w.store.UpdateTask(task); err != nil {
			logger.ErrorCF("ipc", "resuming task failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		}
	case "cancel_task":
		if err := w.store.DeleteTask(task.ID); err != nil {
			logger.ErrorCF("ipc", "cancelling task failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		}
	}
}

// deriveTaskID makes create_task idempotent per file: a retried apply
// of the same envelope (same source, timestamp, prompt) always yields
// the same id, so Store.CreateTask's upsert-on-conflict behavior turns
// a crash-before-delete replay into a no-op rather than a duplicate row.
func deriveTaskID(sourceFolder, timestamp, prompt string) string {
	h := sha256.Sum256([]byte(sourceFolder + "|" + timestamp + "|" + prompt))
	return "task-" + hex.EncodeToString(h[:])[:24]
}

func cronNextFromNow(expr string, loc *time.Location) (time.Time, error) {
	return gronx.NextTickAfter(expr, time.Now().In(loc), false)
}

func parseMillis(value string) (int64, error) {
	return strconv.ParseInt(value, 10, 64)
}

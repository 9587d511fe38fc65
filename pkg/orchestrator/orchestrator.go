// Package orchestrator owns the inbound loop and cursor discipline: it
// persists every inbound Channel message, periodically advances the
// global seen_cursor, and per chat either routes accumulated text to an
// already-active session or asks Queue to admit a fresh one. The
// optimistic-advance/rollback-on-failure cursor handling and the
// strip-then-send outbound sanitization are adapted from picoclaw's
// AgentLoop.runAgentLoop/routeMessages pairing in pkg/agent/loop.go,
// generalized from one in-process agent loop into Store-durable cursors
// that survive a crash between persist and process.
package orchestrator

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pocketbrain/pocketbrain/pkg/logger"
	"github.com/pocketbrain/pocketbrain/pkg/model"
	"github.com/pocketbrain/pocketbrain/pkg/queue"
	"github.com/pocketbrain/pocketbrain/pkg/sessionmgr"
	"github.com/pocketbrain/pocketbrain/pkg/store"
)

// SendFunc delivers text to jid through whichever Channel owns it.
type SendFunc func(ctx context.Context, jid, text string) error

var internalTagRe = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// Sanitize strips <internal>...</internal> segments before delivery,
// the single outbound rule every path through the core obeys.
func Sanitize(text string) string {
	return strings.TrimSpace(internalTagRe.ReplaceAllString(text, ""))
}

// Orchestrator owns the inbound loop and cursor discipline.
type Orchestrator struct {
	store    *store.Store
	queue    *queue.Queue
	sessions *sessionmgr.Manager
	send     SendFunc

	TickInterval time.Duration
	IdleTimeout  time.Duration

	// InstructionsDir, if set, holds one optional "<folder>.md" file per
	// chat whose contents are injected into that chat's first prompt on
	// a new session. Empty disables the feature entirely.
	InstructionsDir string
}

// New creates an Orchestrator. The Queue is wired in afterward via
// SetQueue, since Queue's own constructor needs Orchestrator.ProcessBatch.
func New(st *store.Store, q *queue.Queue, sessions *sessionmgr.Manager, send SendFunc) *Orchestrator {
	return &Orchestrator{
		store:        st,
		queue:        q,
		sessions:     sessions,
		send:         send,
		TickInterval: 2 * time.Second,
		IdleTimeout:  30 * time.Minute,
	}
}

// readInstructions returns the trimmed contents of dir/folder.md, or ""
// if dir is unset or the file doesn't exist. Any other read error is
// logged and treated the same as absent, since a missing instructions
// file is never fatal to processing a chat's pending messages.
func readInstructions(dir, folder string) string {
	if dir == "" {
		return ""
	}
	raw, err := os.ReadFile(filepath.Join(dir, folder+".md"))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WarnCF("orchestrator", "reading instructions file failed", map[string]interface{}{"chat_folder": folder, "error": err.Error()})
		}
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// SetQueue wires the Queue in after construction, breaking the
// Orchestrator/Queue initialization cycle (Queue.New needs ProcessBatch,
// which is a method on *Orchestrator).
func (o *Orchestrator) SetQueue(q *queue.Queue) {
	o.queue = q
}

// OnMessage persists msg if its chat is registered; unregistered chats
// are dropped silently. /model and /new are intercepted here and
// answered directly, without spending a session turn or entering the
// Queue, mirroring picoclaw's AgentLoop.processMessage command
// interception (pkg/agent/loop.go's handleModelCommand) ahead of
// regular message routing.
func (o *Orchestrator) OnMessage(msg model.Message) {
	chat, err := o.store.GetChatByJID(msg.ChatJID)
	if err != nil {
		return
	}

	if reply, handled := o.handleCommand(chat, msg.Content); handled {
		if reply != "" {
			if err := o.send(context.Background(), chat.JID, reply); err != nil {
				logger.WarnCF("orchestrator", "replying to command failed", map[string]interface{}{"chat_jid": chat.JID, "error": err.Error()})
			}
		}
		return
	}

	if err := o.store.RecordMessage(msg); err != nil {
		logger.ErrorCF("orchestrator", "recording inbound message failed", map[string]interface{}{
			"chat_jid": msg.ChatJID,
			"error":    err.Error(),
		})
	}
}

// handleCommand recognizes /model and /new. It reports (reply, true) if
// content was a recognized command, (_, false) otherwise.
func (o *Orchestrator) handleCommand(chat model.Chat, content string) (string, bool) {
	trimmed := strings.TrimSpace(content)

	switch {
	case trimmed == "/new":
		return o.handleNewCommand(chat)
	case trimmed == "/model" || strings.HasPrefix(trimmed, "/model "):
		return o.handleModelCommand(chat, trimmed)
	default:
		return "", false
	}
}

// handleNewCommand aborts chat's active session (if any), clears its
// persisted session id, so the next message starts fresh.
func (o *Orchestrator) handleNewCommand(chat model.Chat) (string, bool) {
	o.sessions.AbortSession(context.Background(), chat.Folder)
	if err := o.store.ClearSession(chat.Folder); err != nil {
		logger.ErrorCF("orchestrator", "clearing session failed", map[string]interface{}{"chat_folder": chat.Folder, "error": err.Error()})
		return fmt.Sprintf("Failed to start a new session: %v", err), true
	}
	return "Started a new session.", true
}

// handleModelCommand shows or switches the model backing chat's active
// session. Scoped per-chat: it only affects chat's own session, not the
// process-wide default every other chat still uses. Switching requires
// an already-running AgentRuntime session (one is created lazily on
// the chat's next message if none exists yet) and a ModelSwitcher-
// capable backend; neither being true degrades to an explanatory reply
// rather than a silent no-op.
func (o *Orchestrator) handleModelCommand(chat model.Chat, trimmed string) (string, bool) {
	sessionID, _ := o.store.GetSession(chat.Folder)
	if sessionID == "" {
		return "No active session yet for this chat — send a message first, then /model.", true
	}

	parts := strings.Fields(trimmed)
	if len(parts) == 1 {
		current := o.sessions.CurrentModel(sessionID)
		if current == "" {
			return "This backend does not support switching models.", true
		}
		return fmt.Sprintf("Current model: `%s`", current), true
	}

	newModel := parts[1]
	if !o.sessions.SetSessionModel(sessionID, newModel) {
		return "This backend does not support switching models.", true
	}
	return fmt.Sprintf("Model switched to `%s`.", newModel), true
}

// Run ticks until ctx is cancelled. It performs boot recovery first.
func (o *Orchestrator) Run(ctx context.Context) {
	o.recoverOnBoot()

	ticker := time.NewTicker(o.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick()
		}
	}
}

// recoverOnBoot enqueues a fresh session for every registered chat that
// has messages pending since its last processed cursor, handling the
// crash-between-persist-and-process case.
func (o *Orchestrator) recoverOnBoot() {
	chats, err := o.store.ListChats()
	if err != nil {
		logger.ErrorCF("orchestrator", "listing chats for boot recovery failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, chat := range chats {
		processed, _ := o.store.GetProcessedCursor(chat.JID)
		pending, err := o.store.MessagesAfter(chat.JID, processed)
		if err != nil || len(pending) == 0 {
			continue
		}
		logger.InfoCF("orchestrator", "recovering pending messages on boot", map[string]interface{}{
			"chat_folder": chat.Folder,
			"count":       len(pending),
		})
		o.queue.EnqueueNew(chat.Folder)
	}
}

func (o *Orchestrator) tick() {
	seen, err := o.store.GetSeenCursor()
	if err != nil {
		logger.ErrorCF("orchestrator", "reading seen cursor failed", map[string]interface{}{"error": err.Error()})
		return
	}

	msgs, err := o.store.MessagesAfterGlobal(seen)
	if err != nil {
		logger.ErrorCF("orchestrator", "reading global messages failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(msgs) == 0 {
		return
	}

	if err := o.store.SetSeenCursor(msgs[len(msgs)-1].Timestamp); err != nil {
		logger.ErrorCF("orchestrator", "advancing seen cursor failed", map[string]interface{}{"error": err.Error()})
	}

	affected := make(map[string]bool)
	var order []string
	for _, m := range msgs {
		if !affected[m.ChatJID] {
			affected[m.ChatJID] = true
			order = append(order, m.ChatJID)
		}
	}

	for _, jid := range order {
		chat, err := o.store.GetChatByJID(jid)
		if err != nil {
			continue
		}
		o.tickChat(chat)
	}
}

func (o *Orchestrator) tickChat(chat model.Chat) {
	processed, err := o.store.GetProcessedCursor(chat.JID)
	if err != nil {
		logger.ErrorCF("orchestrator", "reading processed cursor failed", map[string]interface{}{"chat_jid": chat.JID, "error": err.Error()})
		return
	}

	pending, err := o.store.MessagesAfter(chat.JID, processed)
	if err != nil || len(pending) == 0 {
		return
	}

	prompt := FormatBatch(pending)

	if o.queue.RouteFollowup(context.Background(), chat.Folder, prompt) {
		if err := o.store.SetProcessedCursor(chat.JID, pending[len(pending)-1].Timestamp); err != nil {
			logger.ErrorCF("orchestrator", "advancing processed cursor failed", map[string]interface{}{"chat_jid": chat.JID, "error": err.Error()})
		}
		return
	}

	o.queue.EnqueueNew(chat.Folder)
}

// ProcessBatch is the Queue-invoked thunk for a fresh message-batch
// session on folder. It satisfies queue.ProcessBatchFunc.
func (o *Orchestrator) ProcessBatch(ctx context.Context, folder string) error {
	chat, err := o.store.GetChatByFolder(folder)
	if err != nil {
		return fmt.Errorf("loading chat %s: %w", folder, err)
	}

	previous, err := o.store.GetProcessedCursor(chat.JID)
	if err != nil {
		return fmt.Errorf("reading processed cursor: %w", err)
	}

	pending, err := o.store.MessagesAfter(chat.JID, previous)
	if err != nil {
		return fmt.Errorf("reading pending messages: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	newCursor := pending[len(pending)-1].Timestamp
	if err := o.store.SetProcessedCursor(chat.JID, newCursor); err != nil {
		return fmt.Errorf("advancing processed cursor: %w", err)
	}

	sessionID, _ := o.store.GetSession(folder)
	prompt := FormatBatch(pending)
	instructions := readInstructions(o.InstructionsDir, chat.Folder)

	outputSentToUser := false
	deliver := func(text string) {
		clean := Sanitize(text)
		if clean == "" {
			return
		}
		if err := o.send(ctx, chat.JID, clean); err != nil {
			logger.WarnCF("orchestrator", "delivering output failed", map[string]interface{}{"chat_jid": chat.JID, "error": err.Error()})
			return
		}
		outputSentToUser = true
	}

	idleTimer := time.AfterFunc(o.IdleTimeout, func() {
		o.queue.RequestIdleAbort(context.Background(), folder)
	})
	defer idleTimer.Stop()

	var sessionErr error
	done := make(chan struct{})

	o.sessions.RunSession(ctx, sessionmgr.Input{
		Chat:             chat,
		SessionID:        sessionID,
		Prompt:           prompt,
		IsNewSession:     sessionID == "",
		InstructionsText: instructions,
		StreamCallback: func(fullText string) {
			idleTimer.Reset(o.IdleTimeout)
			deliver(fullText)
		},
	}, func(result sessionmgr.Result) {
		if result.NewSessionID != "" {
			if err := o.store.SetSession(folder, result.NewSessionID); err != nil {
				logger.ErrorCF("orchestrator", "persisting session id failed", map[string]interface{}{"chat_folder": folder, "error": err.Error()})
			}
			return
		}
		if !result.Final {
			return
		}
		idleTimer.Reset(o.IdleTimeout)
		if result.Err != nil {
			sessionErr = result.Err
		} else {
			deliver(result.Text)
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

	if sessionErr != nil {
		if outputSentToUser {
			return nil
		}
		if err := o.store.SetProcessedCursor(chat.JID, previous); err != nil {
			logger.ErrorCF("orchestrator", "rolling back processed cursor failed", map[string]interface{}{"chat_jid": chat.JID, "error": err.Error()})
		}
		return sessionErr
	}

	return nil
}

// FormatBatch formats N accumulated messages into a stable,
// round-trip-safe prompt block: one XML-escaped entry per message
// tagged with sender and timestamp.
func FormatBatch(msgs []model.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.Sender
		}
		b.WriteString(fmt.Sprintf("  <message sender=%q timestamp=%q>", escapeXML(sender), escapeXML(m.Timestamp)))
		b.WriteString(escapeXML(m.Content))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

func escapeXML(s string) string {
	var buf strings.Builder
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

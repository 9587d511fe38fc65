// Package sessionmgr drives an AgentRuntime on behalf of one chat at a
// time, collecting its reply robustly and maintaining the per-chat
// in-memory ActiveSession the Queue consults for follow-up routing.
// The prompt-execution protocol (subscribe, submit async, consume
// filtered events, canonical finalization) is adapted from picoclaw's
// AgentLoop.runLLMIteration/ChatStream pairing in pkg/agent/loop.go,
// generalized from a single streaming Chat call into the multi-event,
// multi-backend AgentRuntime contract.
package sessionmgr

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketbrain/pocketbrain/pkg/agentruntime"
	"github.com/pocketbrain/pocketbrain/pkg/bus"
	"github.com/pocketbrain/pocketbrain/pkg/logger"
	"github.com/pocketbrain/pocketbrain/pkg/model"
)

// OnOutput is called with each result SessionManager produces for a
// chat, in order: one final call for the first prompt carrying either
// its text or an error, then a session-id marker call (see
// Result.NewSessionID), then one further final call for every follow-up
// that SendFollowUp routes into the session. Streamed partial text goes
// to Input.StreamCallback, not here.
type OnOutput func(result Result)

// Result is one unit of output delivered to a chat's OnOutput callback.
type Result struct {
	Text     string
	Err      error
	Final    bool
	Streamed bool

	// NewSessionID is set only on the separate, non-final marker call
	// made after the first prompt's final result. It carries the session
	// id run_session used, whether newly created or reused, so the caller
	// can persist it.
	NewSessionID string
}

// Input is what run_session needs to compose and route one prompt.
type Input struct {
	Chat             model.Chat
	SessionID        string // "" means create a new session
	Prompt           string
	IsNewSession     bool
	InstructionsText string // chat-specific instructions, injected on new sessions only
	StreamCallback   func(fullText string)
}

// ActiveSession is the in-memory record of a chat's live AgentRuntime
// session. It is rebuilt from scratch on every run_session call and torn
// down by abort_session; it never touches the Store.
type ActiveSession struct {
	mu            sync.Mutex
	SessionID     string
	ContextPrefix string
	Busy          bool
	onOutput      OnOutput
	endSignal     chan struct{}
	cancelPrompt  context.CancelFunc
}

const (
	defaultSessionInitTimeout    = 15 * time.Second
	defaultPromptStreamTimeout   = 120 * time.Second
	defaultCanonicalFetchTimeout = 30 * time.Second
	defaultOverallPromptTimeout  = 5 * time.Minute
	streamFlushInterval          = 1500 * time.Millisecond
)

// Manager drives AgentRuntime on behalf of many chats, one ActiveSession
// per chat folder at a time.
type Manager struct {
	runtime agentruntime.AgentRuntime

	mu       sync.Mutex
	sessions map[string]*ActiveSession // keyed by chat folder

	SessionInitTimeout    time.Duration
	PromptStreamTimeout   time.Duration
	CanonicalFetchTimeout time.Duration

	// OverallPromptTimeout bounds a whole prompt (submit through
	// canonical finalization) when the caller hasn't already attached
	// its own deadline to ctx. Queue drives ProcessBatch/RunTask under
	// context.Background(), so this is what actually caps those.
	OverallPromptTimeout time.Duration
}

// New creates a Manager driving runtime.
func New(runtime agentruntime.AgentRuntime) *Manager {
	return &Manager{
		runtime:               runtime,
		sessions:              make(map[string]*ActiveSession),
		SessionInitTimeout:     defaultSessionInitTimeout,
		PromptStreamTimeout:    defaultPromptStreamTimeout,
		CanonicalFetchTimeout:  defaultCanonicalFetchTimeout,
		OverallPromptTimeout:   defaultOverallPromptTimeout,
	}
}

// contextPrefix builds the immutable XML block re-injected on every
// prompt for a chat, per the identity fields that survive AgentRuntime
// compaction.
func contextPrefix(chat model.Chat) string {
	return fmt.Sprintf(
		"<pocketbrain_context>\nchatJid: %s\nchatFolder: %s\nisMain: %t\n</pocketbrain_context>",
		escapeXML(chat.JID), escapeXML(chat.Folder), chat.IsMain,
	)
}

func escapeXML(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}

// RunSession is the primary entry point: resolve or create a session,
// register the ActiveSession, compose the first prompt, run it, and
// report results through onOutput until end_signal resolves.
func (m *Manager) RunSession(ctx context.Context, in Input, onOutput OnOutput) {
	sessionID, isNew, err := m.resolveSession(ctx, in.Chat, in.SessionID)
	if err != nil {
		onOutput(Result{Err: fmt.Errorf("resolving session: %w", err), Final: true})
		return
	}

	active := &ActiveSession{
		SessionID:     sessionID,
		ContextPrefix: contextPrefix(in.Chat),
		onOutput:      onOutput,
		endSignal:     make(chan struct{}),
	}
	m.register(in.Chat.Folder, active)
	defer m.unregister(in.Chat.Folder)

	prompt := m.composeFirstPrompt(in, active.ContextPrefix, isNew)

	active.mu.Lock()
	active.Busy = true
	active.mu.Unlock()

	m.runPrompt(ctx, active, sessionID, prompt, in.StreamCallback, func(text string, runErr error) {
		active.mu.Lock()
		active.Busy = false
		active.mu.Unlock()

		onOutput(Result{Text: text, Err: runErr, Final: true})
		onOutput(Result{NewSessionID: sessionID})
	})

	<-active.endSignal
}

func (m *Manager) composeFirstPrompt(in Input, contextPrefix string, isNew bool) string {
	var b strings.Builder
	b.WriteString(contextPrefix)
	b.WriteString("\n\n")
	if isNew && in.InstructionsText != "" {
		b.WriteString(in.InstructionsText)
		b.WriteString("\n\n")
	}
	b.WriteString(in.Prompt)
	return b.String()
}

// resolveSession implements run_session step 1: reuse an existing
// session id if it still checks out, otherwise create a fresh one.
func (m *Manager) resolveSession(ctx context.Context, chat model.Chat, sessionID string) (string, bool, error) {
	if sessionID != "" {
		checkCtx, cancel := context.WithTimeout(ctx, m.SessionInitTimeout)
		err := m.runtime.GetSession(checkCtx, sessionID)
		cancel()
		if err == nil {
			return sessionID, false, nil
		}

		logger.WarnCF("sessionmgr", "session stale, recreating", map[string]interface{}{
			"chat_folder": chat.Folder,
			"session_id":  sessionID,
			"error":       err.Error(),
		})
		go func() {
			delCtx, delCancel := context.WithTimeout(context.Background(), m.SessionInitTimeout)
			defer delCancel()
			_ = m.runtime.DeleteSession(delCtx, sessionID)
		}()
	}

	createCtx, cancel := context.WithTimeout(ctx, m.SessionInitTimeout)
	defer cancel()
	newID, err := m.runtime.CreateSession(createCtx, chat.Name)
	if err != nil {
		return "", false, err
	}
	if newID == "" {
		return "", false, fmt.Errorf("no session ID")
	}
	return newID, true, nil
}

func (m *Manager) register(folder string, active *ActiveSession) {
	m.mu.Lock()
	m.sessions[folder] = active
	m.mu.Unlock()
}

func (m *Manager) unregister(folder string) {
	m.mu.Lock()
	delete(m.sessions, folder)
	m.mu.Unlock()
}

// SendFollowUp routes text to the chat's ActiveSession if one exists and
// is not busy. Returns false (not accepted) otherwise.
func (m *Manager) SendFollowUp(ctx context.Context, folder, text string) bool {
	m.mu.Lock()
	active, ok := m.sessions[folder]
	m.mu.Unlock()
	if !ok {
		return false
	}

	active.mu.Lock()
	if active.Busy {
		active.mu.Unlock()
		return false
	}
	active.Busy = true
	sessionID := active.SessionID
	prefix := active.ContextPrefix
	onOutput := active.onOutput
	active.mu.Unlock()

	prompt := prefix + "\n\n" + text

	m.runPrompt(ctx, active, sessionID, prompt, nil, func(reply string, err error) {
		active.mu.Lock()
		active.Busy = false
		active.mu.Unlock()
		onOutput(Result{Text: reply, Err: err, Final: true})
	})
	return true
}

// AbortSession requests AgentRuntime to interrupt the chat's busy
// session, resolves end_signal, and drops the ActiveSession.
func (m *Manager) AbortSession(ctx context.Context, folder string) {
	m.mu.Lock()
	active, ok := m.sessions[folder]
	m.mu.Unlock()
	if !ok {
		return
	}

	active.mu.Lock()
	busy := active.Busy
	sessionID := active.SessionID
	active.mu.Unlock()

	if busy {
		if err := m.runtime.Abort(ctx, sessionID); err != nil {
			logger.WarnCF("sessionmgr", "abort failed, continuing", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
	}

	m.closeEndSignal(active)
	m.unregister(folder)
}

// SetSessionModel applies a per-session model override if the runtime
// backend implements agentruntime.ModelSwitcher. ok reports whether the
// backend supports switching at all (not whether sessionID exists).
func (m *Manager) SetSessionModel(sessionID, newModel string) (ok bool) {
	sw, ok := m.runtime.(agentruntime.ModelSwitcher)
	if !ok {
		return false
	}
	sw.SetSessionModel(sessionID, newModel)
	return true
}

// CurrentModel reports sessionID's active model, or "" if the runtime
// doesn't implement agentruntime.ModelSwitcher.
func (m *Manager) CurrentModel(sessionID string) string {
	sw, ok := m.runtime.(agentruntime.ModelSwitcher)
	if !ok {
		return ""
	}
	return sw.CurrentModel(sessionID)
}

// RunIsolated runs one prompt in a brand-new session that is deleted
// immediately afterward and never registered as the chat's
// ActiveSession or persisted to Store — no history accumulates and no
// follow-up can be routed to it. Adapted from picoclaw's
// ProcessHeartbeat/ProcessDirectWithChannel, which drive a one-off LLM
// turn (SessionKey "heartbeat", NoHistory true) outside any chat's
// ongoing conversation. Used for context_mode=isolated scheduled tasks
// and any future periodic heartbeat tick.
func (m *Manager) RunIsolated(ctx context.Context, chat model.Chat, prompt string, streamCb func(string)) (string, error) {
	createCtx, cancel := context.WithTimeout(ctx, m.SessionInitTimeout)
	sessionID, err := m.runtime.CreateSession(createCtx, chat.Name)
	cancel()
	if err != nil {
		return "", fmt.Errorf("creating isolated session: %w", err)
	}
	defer func() {
		delCtx, delCancel := context.WithTimeout(context.Background(), m.SessionInitTimeout)
		defer delCancel()
		if err := m.runtime.DeleteSession(delCtx, sessionID); err != nil {
			logger.WarnCF("sessionmgr", "deleting isolated session failed", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
	}()

	active := &ActiveSession{
		SessionID:     sessionID,
		ContextPrefix: contextPrefix(chat),
		endSignal:     make(chan struct{}),
	}

	full := active.ContextPrefix + "\n\n" + prompt

	var text string
	var runErr error
	done := make(chan struct{})
	m.runPrompt(ctx, active, sessionID, full, streamCb, func(t string, e error) {
		text, runErr = t, e
		close(done)
	})
	<-done

	return text, runErr
}

func (m *Manager) closeEndSignal(active *ActiveSession) {
	active.mu.Lock()
	defer active.mu.Unlock()
	select {
	case <-active.endSignal:
	default:
		close(active.endSignal)
	}
}

// runPrompt implements the protocol in full: subscribe, submit async,
// consume the session's own event stream, canonical finalization, error
// precedence. done is invoked exactly once with the final text (or
// error).
func (m *Manager) runPrompt(ctx context.Context, active *ActiveSession, sessionID, text string, streamCb func(string), done func(string, error)) {
	messageID := uuid.NewString()

	var notifier *bus.StreamNotifier
	if streamCb != nil {
		notifier = bus.NewStreamNotifier(streamFlushInterval, streamCb)
	}

	// Bound the whole prompt when the caller hasn't already set its own
	// deadline (Queue drives ProcessBatch/RunTask under a bare
	// background context, so this is what actually caps them).
	overallCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && m.OverallPromptTimeout > 0 {
		var overallCancel context.CancelFunc
		overallCtx, overallCancel = context.WithTimeout(ctx, m.OverallPromptTimeout)
		defer overallCancel()
	}

	// Subscribe before PromptAsync so no event can be published before a
	// consumer exists to receive it.
	events, unsubscribe := m.runtime.Subscribe(sessionID)
	defer unsubscribe()

	promptCtx, cancel := context.WithCancel(overallCtx)
	active.mu.Lock()
	active.cancelPrompt = cancel
	active.mu.Unlock()

	if err := m.runtime.PromptAsync(promptCtx, sessionID, messageID, text); err != nil {
		cancel()
		if notifier != nil {
			notifier.Flush()
		}
		done("", fmt.Errorf("submitting prompt: %w", err))
		return
	}

	parts := make(map[string]string)
	var partOrder []string
	var streamErr error
	sawTargetMessage := false

	streamTimer := time.NewTimer(m.PromptStreamTimeout)
	defer streamTimer.Stop()

consume:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break consume
			}
			if ev.SessionID != sessionID || (ev.MessageID != "" && ev.MessageID != messageID) {
				continue
			}

			switch ev.Type {
			case agentruntime.EventPartUpdated:
				if _, seen := parts[ev.PartID]; !seen {
					partOrder = append(partOrder, ev.PartID)
				}
				if ev.Delta != "" {
					parts[ev.PartID] += ev.Delta
				} else {
					parts[ev.PartID] = ev.FullText
				}
				if notifier != nil {
					notifier.Append(ev.Delta)
				}
			case agentruntime.EventMessageUpdated:
				sawTargetMessage = true
				if ev.Err != "" {
					streamErr = fmt.Errorf("%s", ev.Err)
				}
			case agentruntime.EventSessionIdle:
				if sawTargetMessage {
					break consume
				}
			}
		case <-streamTimer.C:
			streamErr = fmt.Errorf("stream timeout")
			break consume
		case <-promptCtx.Done():
			streamErr = promptCtx.Err()
			break consume
		}
	}
	cancel()

	streamedText := strings.Join(orderedValues(parts, partOrder), "")
	if notifier != nil {
		notifier.Flush()
	}

	// Derived from the caller's ctx (not Background) so an external
	// cancellation of RunSession/SendFollowUp also aborts this fetch.
	canonicalCtx, canonicalCancel := context.WithTimeout(ctx, m.CanonicalFetchTimeout)
	canonical, canonErr := m.runtime.GetMessage(canonicalCtx, sessionID, messageID)
	canonicalCancel()

	finalText := streamedText
	var canonicalErr error
	if canonErr == nil {
		if canonical.Err != "" {
			canonicalErr = fmt.Errorf("%s", canonical.Err)
		}
		if t := canonical.Text(); t != "" {
			finalText = t
		}
	}

	switch {
	case canonicalErr != nil:
		done("", canonicalErr)
	case streamErr != nil:
		done("", streamErr)
	default:
		done(finalText, nil)
	}
}

func orderedValues(parts map[string]string, order []string) []string {
	out := make([]string, 0, len(order))
	for _, id := range order {
		out = append(out, parts[id])
	}
	return out
}

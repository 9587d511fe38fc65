// Package engine holds the session/event bookkeeping shared by every
// concrete AgentRuntime adapter (claude, openai): a session table keyed
// by opaque id, a per-session event fan-out, and canonical-message
// storage. Each adapter drives its own model SDK but delegates state
// tracking here so the two backends don't duplicate it.
package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pocketbrain/pocketbrain/pkg/agentruntime"
)

// Session is one logical conversation's mutable state.
type Session struct {
	mu      sync.Mutex
	History []agentruntime.Message
	Busy    bool
	cancel  func()
}

// Lock/Unlock expose the session's mutex for adapters that need to hold
// it across a model call (to serialize follow-ups against the same id).
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// SetCancel stores the cancel func for the in-flight prompt, if any.
func (s *Session) SetCancel(cancel func()) { s.cancel = cancel }

// Cancel invokes the stored cancel func, if any, and clears it.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

type messageKey struct {
	sessionID string
	messageID string
}

// Engine is the shared bookkeeping core for one AgentRuntime adapter.
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	subMu sync.Mutex
	subs  map[string][]chan agentruntime.Event // sessionID -> subscriber channels

	msgMu    sync.Mutex
	messages map[messageKey]agentruntime.CanonicalMessage
}

// New creates an Engine ready to track sessions and fan out events.
func New() *Engine {
	return &Engine{
		sessions: make(map[string]*Session),
		subs:     make(map[string][]chan agentruntime.Event),
		messages: make(map[messageKey]agentruntime.CanonicalMessage),
	}
}

// CreateSession allocates a new session id and initial history.
func (e *Engine) CreateSession(systemPrompt string) string {
	id := uuid.NewString()
	hist := []agentruntime.Message{}
	if systemPrompt != "" {
		hist = append(hist, agentruntime.Message{Role: "system", Content: systemPrompt})
	}
	e.mu.Lock()
	e.sessions[id] = &Session{History: hist}
	e.mu.Unlock()
	return id
}

// Get returns the session for id, or ok=false if unknown (stale).
func (e *Engine) Get(id string) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	return s, ok
}

// Delete discards a session's state.
func (e *Engine) Delete(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, id)
}

// Subscribe registers a fresh channel that receives every event emitted
// for sessionID from this point on. Callers must subscribe before
// triggering work that emits events for that session, or an event can
// be published before the subscriber is registered. The returned func
// unsubscribes; it does not close the channel, since a publish in
// flight could otherwise race the unsubscribe and panic on a send to a
// closed channel. Call it once the consumer is done reading.
func (e *Engine) Subscribe(sessionID string) (<-chan agentruntime.Event, func()) {
	ch := make(chan agentruntime.Event, 32)

	e.subMu.Lock()
	e.subs[sessionID] = append(e.subs[sessionID], ch)
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		subs := e.subs[sessionID]
		for i, c := range subs {
			if c == ch {
				e.subs[sessionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(e.subs[sessionID]) == 0 {
			delete(e.subs, sessionID)
		}
	}
	return ch, cancel
}

// publish fans ev out to every subscriber currently registered for its
// session. A subscriber that isn't draining its channel fast enough
// just misses the send rather than blocking every other subscriber or
// the emitting goroutine.
func (e *Engine) publish(ev agentruntime.Event) {
	e.subMu.Lock()
	subs := append([]chan agentruntime.Event(nil), e.subs[ev.SessionID]...)
	e.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// EmitPartUpdated pushes a part.updated event.
func (e *Engine) EmitPartUpdated(sessionID, messageID, partID, delta, fullText string) {
	e.publish(agentruntime.Event{
		Type:      agentruntime.EventPartUpdated,
		SessionID: sessionID,
		MessageID: messageID,
		PartID:    partID,
		Delta:     delta,
		FullText:  fullText,
	})
}

// EmitMessageUpdated pushes a message.updated event, optionally carrying
// an error string.
func (e *Engine) EmitMessageUpdated(sessionID, messageID, errText string) {
	e.publish(agentruntime.Event{
		Type:      agentruntime.EventMessageUpdated,
		SessionID: sessionID,
		MessageID: messageID,
		Err:       errText,
	})
}

// EmitSessionIdle pushes a session.idle event.
func (e *Engine) EmitSessionIdle(sessionID string) {
	e.publish(agentruntime.Event{
		Type:      agentruntime.EventSessionIdle,
		SessionID: sessionID,
	})
}

// StoreCanonical records the authoritative result for (sessionID, messageID).
func (e *Engine) StoreCanonical(sessionID, messageID string, msg agentruntime.CanonicalMessage) {
	e.msgMu.Lock()
	defer e.msgMu.Unlock()
	e.messages[messageKey{sessionID, messageID}] = msg
}

// GetCanonical fetches a previously stored canonical message.
func (e *Engine) GetCanonical(sessionID, messageID string) (agentruntime.CanonicalMessage, error) {
	e.msgMu.Lock()
	defer e.msgMu.Unlock()
	msg, ok := e.messages[messageKey{sessionID, messageID}]
	if !ok {
		return agentruntime.CanonicalMessage{}, fmt.Errorf("engine: no canonical message for session=%s message=%s", sessionID, messageID)
	}
	return msg, nil
}

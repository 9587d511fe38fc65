// Package mock is an in-memory, scriptable AgentRuntime used by the
// core's own test suite. It never calls out to a real model; callers
// script responses (or failures) per prompt via Script.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pocketbrain/pocketbrain/pkg/agentruntime"
)

// Response scripts one PromptAsync outcome.
type Response struct {
	Text        string
	Err         error // if set, reported as a canonical message error
	StreamError bool  // if true, emit no part.updated before the error
}

// Runtime is a scriptable fake satisfying agentruntime.AgentRuntime.
type Runtime struct {
	mu       sync.Mutex
	sessions map[string]bool

	subMu sync.Mutex
	subs  map[string][]chan agentruntime.Event

	// Responses is consumed in order, one per PromptAsync call. When
	// exhausted, an empty success response is used.
	Responses []Response
	nextResp  int

	// StaleSessions marks session ids that GetSession should reject.
	StaleSessions map[string]bool

	// SendCalls records every delivered prompt's text, for assertions.
	SendCalls []string

	canonical map[string]agentruntime.CanonicalMessage
}

// New creates an empty mock runtime.
func New() *Runtime {
	return &Runtime{
		sessions:      make(map[string]bool),
		subs:          make(map[string][]chan agentruntime.Event),
		StaleSessions: make(map[string]bool),
		canonical:     make(map[string]agentruntime.CanonicalMessage),
	}
}

func (r *Runtime) CreateSession(ctx context.Context, title string) (string, error) {
	id := uuid.NewString()
	r.mu.Lock()
	r.sessions[id] = true
	r.mu.Unlock()
	return id, nil
}

func (r *Runtime) GetSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StaleSessions[sessionID] {
		return agentruntime.ErrStale
	}
	if !r.sessions[sessionID] {
		return agentruntime.ErrStale
	}
	return nil
}

func (r *Runtime) DeleteSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}

func (r *Runtime) PromptAsync(ctx context.Context, sessionID, messageID, text string) error {
	r.mu.Lock()
	if !r.sessions[sessionID] {
		r.mu.Unlock()
		return fmt.Errorf("mock: unknown session %s", sessionID)
	}
	r.SendCalls = append(r.SendCalls, text)

	var resp Response
	if r.nextResp < len(r.Responses) {
		resp = r.Responses[r.nextResp]
		r.nextResp++
	}
	var canonical agentruntime.CanonicalMessage
	if resp.Err != nil {
		canonical = agentruntime.CanonicalMessage{Err: resp.Err.Error()}
	} else {
		canonical = agentruntime.CanonicalMessage{Parts: []agentruntime.MessagePart{{ID: "p0", Text: resp.Text}}}
	}
	r.canonical[sessionID+"/"+messageID] = canonical
	r.mu.Unlock()

	go r.deliver(sessionID, messageID, resp)
	return nil
}

func (r *Runtime) deliver(sessionID, messageID string, resp Response) {
	if resp.Err != nil {
		if !resp.StreamError {
			r.publish(agentruntime.Event{Type: agentruntime.EventPartUpdated, SessionID: sessionID, MessageID: messageID, PartID: "p0", FullText: resp.Text})
		}
		r.publish(agentruntime.Event{Type: agentruntime.EventMessageUpdated, SessionID: sessionID, MessageID: messageID, Err: resp.Err.Error()})
		r.publish(agentruntime.Event{Type: agentruntime.EventSessionIdle, SessionID: sessionID})
		return
	}

	r.publish(agentruntime.Event{Type: agentruntime.EventPartUpdated, SessionID: sessionID, MessageID: messageID, PartID: "p0", FullText: resp.Text})
	r.publish(agentruntime.Event{Type: agentruntime.EventMessageUpdated, SessionID: sessionID, MessageID: messageID})
	r.publish(agentruntime.Event{Type: agentruntime.EventSessionIdle, SessionID: sessionID})
}

// Subscribe registers a fresh per-session channel, mirroring the real
// engine's fan-out so tests exercise the same subscribe-before-prompt
// contract the core relies on.
func (r *Runtime) Subscribe(sessionID string) (<-chan agentruntime.Event, func()) {
	ch := make(chan agentruntime.Event, 32)

	r.subMu.Lock()
	r.subs[sessionID] = append(r.subs[sessionID], ch)
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		subs := r.subs[sessionID]
		for i, c := range subs {
			if c == ch {
				r.subs[sessionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(r.subs[sessionID]) == 0 {
			delete(r.subs, sessionID)
		}
	}
	return ch, cancel
}

func (r *Runtime) publish(ev agentruntime.Event) {
	r.subMu.Lock()
	subs := append([]chan agentruntime.Event(nil), r.subs[ev.SessionID]...)
	r.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (r *Runtime) GetMessage(ctx context.Context, sessionID, messageID string) (agentruntime.CanonicalMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canonical[sessionID+"/"+messageID], nil
}

func (r *Runtime) Abort(ctx context.Context, sessionID string) error {
	return nil
}

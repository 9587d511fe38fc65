// Package fallback wraps a primary and fallback AgentRuntime, the same
// shape as picoclaw's pkg/providers/fallback_provider.go: it tries the
// primary, falls back transparently on error, and logs when it does so.
// Because AgentRuntime is session-stateful rather than one-shot like the
// old LLMProvider.Chat, the fallback decision is pinned at
// CreateSession time per session id and every later call for
// that id is routed to whichever backend is currently serving it.
package fallback

import (
	"context"
	"fmt"
	"sync"

	"github.com/pocketbrain/pocketbrain/pkg/agentruntime"
	"github.com/pocketbrain/pocketbrain/pkg/logger"
)

// Runtime is a primary+fallback AgentRuntime.
type Runtime struct {
	primary  agentruntime.AgentRuntime
	fallback agentruntime.AgentRuntime

	mu     sync.RWMutex
	routes map[string]agentruntime.AgentRuntime // sessionID -> backend
}

// New wraps primary and fallback behind a single AgentRuntime.
func New(primary, fallbackRuntime agentruntime.AgentRuntime) *Runtime {
	return &Runtime{
		primary:  primary,
		fallback: fallbackRuntime,
		routes:   make(map[string]agentruntime.AgentRuntime),
	}
}

func (r *Runtime) CreateSession(ctx context.Context, title string) (string, error) {
	id, err := r.primary.CreateSession(ctx, title)
	if err == nil {
		r.route(id, r.primary)
		return id, nil
	}

	logger.WarnCF("agentruntime.fallback", "primary CreateSession failed, falling back", map[string]interface{}{"error": err.Error()})

	id, fbErr := r.fallback.CreateSession(ctx, title)
	if fbErr != nil {
		return "", fmt.Errorf("primary failed: %w; fallback also failed: %v", err, fbErr)
	}
	r.route(id, r.fallback)
	return id, nil
}

func (r *Runtime) route(sessionID string, backend agentruntime.AgentRuntime) {
	r.mu.Lock()
	r.routes[sessionID] = backend
	r.mu.Unlock()
}

func (r *Runtime) backendFor(sessionID string) (agentruntime.AgentRuntime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.routes[sessionID]
	return b, ok
}

func (r *Runtime) GetSession(ctx context.Context, sessionID string) error {
	backend, ok := r.backendFor(sessionID)
	if !ok {
		return agentruntime.ErrStale
	}
	return backend.GetSession(ctx, sessionID)
}

func (r *Runtime) DeleteSession(ctx context.Context, sessionID string) error {
	backend, ok := r.backendFor(sessionID)
	if !ok {
		return nil
	}
	r.mu.Lock()
	delete(r.routes, sessionID)
	r.mu.Unlock()
	return backend.DeleteSession(ctx, sessionID)
}

func (r *Runtime) PromptAsync(ctx context.Context, sessionID, messageID, text string) error {
	backend, ok := r.backendFor(sessionID)
	if !ok {
		return fmt.Errorf("fallback: unknown session %s", sessionID)
	}
	return backend.PromptAsync(ctx, sessionID, messageID, text)
}

// Subscribe forwards to whichever backend is currently routing
// sessionID, since Subscribe is inherently a per-session call and the
// backend is already pinned at CreateSession time. A session with no
// route yet (the caller raced ahead of CreateSession, or is probing a
// stale id) gets a closed, empty channel and a no-op cancel instead of
// blocking forever on a route that will never arrive.
func (r *Runtime) Subscribe(sessionID string) (<-chan agentruntime.Event, func()) {
	backend, ok := r.backendFor(sessionID)
	if !ok {
		ch := make(chan agentruntime.Event)
		close(ch)
		return ch, func() {}
	}
	return backend.Subscribe(sessionID)
}

func (r *Runtime) GetMessage(ctx context.Context, sessionID, messageID string) (agentruntime.CanonicalMessage, error) {
	backend, ok := r.backendFor(sessionID)
	if !ok {
		return agentruntime.CanonicalMessage{}, fmt.Errorf("fallback: unknown session %s", sessionID)
	}
	return backend.GetMessage(ctx, sessionID, messageID)
}

func (r *Runtime) Abort(ctx context.Context, sessionID string) error {
	backend, ok := r.backendFor(sessionID)
	if !ok {
		return nil
	}
	return backend.Abort(ctx, sessionID)
}

// SetSessionModel forwards to whichever backend is currently routing
// sessionID, if that backend implements agentruntime.ModelSwitcher.
func (r *Runtime) SetSessionModel(sessionID, model string) {
	backend, ok := r.backendFor(sessionID)
	if !ok {
		return
	}
	if sw, ok := backend.(agentruntime.ModelSwitcher); ok {
		sw.SetSessionModel(sessionID, model)
	}
}

// CurrentModel forwards to whichever backend is currently routing
// sessionID. Returns "" if the backend doesn't implement ModelSwitcher
// or sessionID is unrouted.
func (r *Runtime) CurrentModel(sessionID string) string {
	backend, ok := r.backendFor(sessionID)
	if !ok {
		return ""
	}
	if sw, ok := backend.(agentruntime.ModelSwitcher); ok {
		return sw.CurrentModel(sessionID)
	}
	return ""
}

// Primary returns the underlying primary runtime.
func (r *Runtime) Primary() agentruntime.AgentRuntime { return r.primary }

// Fallback returns the underlying fallback runtime.
func (r *Runtime) Fallback() agentruntime.AgentRuntime { return r.fallback }

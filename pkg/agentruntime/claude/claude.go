// Package claude adapts github.com/anthropics/anthropic-sdk-go into the
// agentruntime.AgentRuntime contract. Message translation and the OAuth
// bearer middleware are carried over from picoclaw's claude_provider.go;
// session/event bookkeeping comes from the shared engine package, since
// Anthropic's raw Messages API is itself stateless.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/pocketbrain/pocketbrain/pkg/agentruntime"
	"github.com/pocketbrain/pocketbrain/pkg/agentruntime/internal/engine"
	"github.com/pocketbrain/pocketbrain/pkg/logger"
)

// Runtime is a Claude-backed AgentRuntime.
type Runtime struct {
	client *anthropic.Client
	model  string
	tools  *agentruntime.ToolRegistry
	eng    *engine.Engine

	modelMu       sync.Mutex
	sessionModels map[string]string
}

// New creates a Runtime authenticating with a static API key.
func New(apiKey, baseURL, model string, tools *agentruntime.ToolRegistry) *Runtime {
	client := anthropic.NewClient(
		option.WithAuthToken(apiKey),
		option.WithBaseURL(baseURL),
	)
	return &Runtime{client: &client, model: model, tools: tools, eng: engine.New(), sessionModels: make(map[string]string)}
}

// NewOAuth creates a Runtime authenticating via OAuth Bearer token.
// Claude Max/Pro subscriptions send OAuth tokens as Authorization:
// Bearer, never x-api-key.
func NewOAuth(tokenSource func() (string, error), baseURL, model string, tools *agentruntime.ToolRegistry) *Runtime {
	client := anthropic.NewClient(
		option.WithBaseURL(baseURL),
		option.WithMiddleware(oauthBearerMiddleware(tokenSource)),
	)
	return &Runtime{client: &client, model: model, tools: tools, eng: engine.New(), sessionModels: make(map[string]string)}
}

// oauthBearerMiddleware replaces the SDK's default x-api-key auth with
// Authorization: Bearer for OAuth tokens, mirroring the Claude CLI's own
// approach: strip x-api-key, set the CLI user-agent and beta headers
// OAuth-authenticated requests require.
func oauthBearerMiddleware(tokenSource func() (string, error)) option.Middleware {
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		token, err := tokenSource()
		if err != nil {
			return nil, fmt.Errorf("refreshing OAuth token: %w", err)
		}
		req.Header.Del("X-Api-Key")
		req.Header.Del("x-api-key")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("User-Agent", "claude-cli/2.1.2 (external, cli)")
		req.Header.Set("anthropic-beta", "oauth-2025-04-20,interleaved-thinking-2025-05-14")
		q := req.URL.Query()
		q.Set("beta", "true")
		req.URL.RawQuery = q.Encode()
		return next(req)
	}
}

func (r *Runtime) CreateSession(ctx context.Context, title string) (string, error) {
	return r.eng.CreateSession(fmt.Sprintf("Session: %s", title)), nil
}

func (r *Runtime) GetSession(ctx context.Context, sessionID string) error {
	if _, ok := r.eng.Get(sessionID); !ok {
		return agentruntime.ErrStale
	}
	return nil
}

func (r *Runtime) DeleteSession(ctx context.Context, sessionID string) error {
	r.eng.Delete(sessionID)
	r.modelMu.Lock()
	delete(r.sessionModels, sessionID)
	r.modelMu.Unlock()
	return nil
}

// SetSessionModel overrides the model used for sessionID's remaining
// turns, satisfying agentruntime.ModelSwitcher.
func (r *Runtime) SetSessionModel(sessionID, model string) {
	r.modelMu.Lock()
	r.sessionModels[sessionID] = model
	r.modelMu.Unlock()
}

// CurrentModel returns sessionID's active model: its override if one was
// set via SetSessionModel, otherwise the runtime's configured default.
func (r *Runtime) CurrentModel(sessionID string) string {
	r.modelMu.Lock()
	defer r.modelMu.Unlock()
	if m, ok := r.sessionModels[sessionID]; ok {
		return m
	}
	return r.model
}

func (r *Runtime) Subscribe(sessionID string) (<-chan agentruntime.Event, func()) {
	return r.eng.Subscribe(sessionID)
}

func (r *Runtime) GetMessage(ctx context.Context, sessionID, messageID string) (agentruntime.CanonicalMessage, error) {
	return r.eng.GetCanonical(sessionID, messageID)
}

func (r *Runtime) Abort(ctx context.Context, sessionID string) error {
	if sess, ok := r.eng.Get(sessionID); ok {
		sess.Cancel()
	}
	return nil
}

const maxToolIterations = 10

func (r *Runtime) PromptAsync(ctx context.Context, sessionID, messageID, text string) error {
	sess, ok := r.eng.Get(sessionID)
	if !ok {
		return fmt.Errorf("claude: unknown session %s", sessionID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess.Lock()
	sess.SetCancel(cancel)
	sess.History = append(sess.History, agentruntime.Message{Role: "user", Content: text})
	history := append([]agentruntime.Message(nil), sess.History...)
	sess.Unlock()

	go r.runIterations(runCtx, sess, sessionID, messageID, history)
	return nil
}

func (r *Runtime) runIterations(ctx context.Context, sess *engine.Session, sessionID, messageID string, history []agentruntime.Message) {
	defer r.eng.EmitSessionIdle(sessionID)

	var finalText string
	var failErr error

	for i := 0; i < maxToolIterations; i++ {
		params, err := buildParams(history, r.tools.Definitions(), r.CurrentModel(sessionID))
		if err != nil {
			failErr = err
			break
		}

		resp, err := r.client.Messages.New(ctx, params)
		if err != nil {
			failErr = fmt.Errorf("claude API call: %w", err)
			break
		}

		text, toolCalls := parseResponse(resp)
		if text != "" {
			finalText += text
			r.eng.EmitPartUpdated(sessionID, messageID, fmt.Sprintf("p%d", i), "", finalText)
		}

		if len(toolCalls) == 0 {
			break
		}

		history = append(history, agentruntime.Message{Role: "assistant", Content: text, ToolCalls: toolCalls})
		for _, tc := range toolCalls {
			result, invokeErr := r.tools.Invoke(ctx, tc.Name, tc.Arguments)
			if invokeErr != nil {
				result = agentruntime.ToolResult{ForModel: invokeErr.Error(), IsError: true}
			}
			logger.DebugCF("agentruntime.claude", "tool invoked", map[string]interface{}{
				"tool": tc.Name, "is_error": result.IsError,
			})
			history = append(history, agentruntime.Message{Role: "tool", ToolCallID: tc.ID, Content: result.ForModel})
		}
	}

	sess.Lock()
	sess.History = history
	if finalText != "" {
		sess.History = append(sess.History, agentruntime.Message{Role: "assistant", Content: finalText})
	}
	sess.SetCancel(nil)
	sess.Unlock()

	canonical := agentruntime.CanonicalMessage{Parts: []agentruntime.MessagePart{{ID: "p0", Text: finalText}}}
	errText := ""
	if failErr != nil {
		errText = failErr.Error()
		canonical.Err = errText
	}
	r.eng.StoreCanonical(sessionID, messageID, canonical)
	r.eng.EmitMessageUpdated(sessionID, messageID, errText)
}

func buildParams(messages []agentruntime.Message, tools []agentruntime.ToolDefinition, model string) (anthropic.MessageNewParams, error) {
	var system []anthropic.TextBlockParam
	var out []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					args := tc.Arguments
					if args == nil {
						args = map[string]interface{}{}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
				}
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			} else {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case "tool":
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  out,
		MaxTokens: 4096,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = translateTools(tools)
	}
	return params, nil
}

func translateTools(tools []agentruntime.ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Function.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Function.Parameters["properties"],
			},
		}
		if t.Function.Description != "" {
			tool.Description = anthropic.String(t.Function.Description)
		}
		if req, ok := t.Function.Parameters["required"].([]interface{}); ok {
			required := make([]string, 0, len(req))
			for _, v := range req {
				if s, ok := v.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

func parseResponse(resp *anthropic.Message) (string, []agentruntime.ToolCall) {
	var text string
	var calls []agentruntime.ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			var args map[string]interface{}
			if err := json.Unmarshal(tu.Input, &args); err != nil {
				args = map[string]interface{}{"raw": string(tu.Input)}
			}
			calls = append(calls, agentruntime.ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
		}
	}
	return text, calls
}

// NewMessageID generates a fresh message id the way the host is
// expected to for the runPrompt protocol.
func NewMessageID() string {
	return uuid.NewString()
}

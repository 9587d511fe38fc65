// Package openai adapts github.com/openai/openai-go/v3 into the
// agentruntime.AgentRuntime contract. It mirrors pkg/agentruntime/claude
// structurally (same engine-backed session bookkeeping, same tool-call
// iteration shape) but speaks the OpenAI chat-completions wire format,
// the way picoclaw's own provider package pairs a Claude and an OpenAI
// backend behind the same LLMProvider interface.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/pocketbrain/pocketbrain/pkg/agentruntime"
	"github.com/pocketbrain/pocketbrain/pkg/agentruntime/internal/engine"
	"github.com/pocketbrain/pocketbrain/pkg/logger"
)

// Runtime is an OpenAI-backed AgentRuntime.
type Runtime struct {
	client openai.Client
	model  string
	tools  *agentruntime.ToolRegistry
	eng    *engine.Engine

	modelMu       sync.Mutex
	sessionModels map[string]string
}

// New creates a Runtime authenticating with a static API key.
func New(apiKey, baseURL, model string, tools *agentruntime.ToolRegistry) *Runtime {
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)
	return &Runtime{client: client, model: model, tools: tools, eng: engine.New(), sessionModels: make(map[string]string)}
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
		return fmt.Errorf("openai: unknown session %s", sessionID)
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
		params := buildParams(history, r.tools.Definitions(), r.CurrentModel(sessionID))

		resp, err := r.client.Chat.Completions.New(ctx, params)
		if err != nil {
			failErr = fmt.Errorf("openai API call: %w", err)
			break
		}
		if len(resp.Choices) == 0 {
			failErr = fmt.Errorf("openai: empty choices in response")
			break
		}

		msg := resp.Choices[0].Message
		toolCalls := translateToolCalls(msg.ToolCalls)

		if msg.Content != "" {
			finalText += msg.Content
			r.eng.EmitPartUpdated(sessionID, messageID, fmt.Sprintf("p%d", i), "", finalText)
		}

		if len(toolCalls) == 0 {
			break
		}

		history = append(history, agentruntime.Message{Role: "assistant", Content: msg.Content, ToolCalls: toolCalls})
		for _, tc := range toolCalls {
			result, invokeErr := r.tools.Invoke(ctx, tc.Name, tc.Arguments)
			if invokeErr != nil {
				result = agentruntime.ToolResult{ForModel: invokeErr.Error(), IsError: true}
			}
			logger.DebugCF("agentruntime.openai", "tool invoked", map[string]interface{}{
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

func buildParams(messages []agentruntime.Message, tools []agentruntime.ToolDefinition, model string) openai.ChatCompletionNewParams {
	var out []openai.ChatCompletionMessageParamUnion

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(msg.Content))
		case "user":
			out = append(out, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					argsJSON, _ := json.Marshal(tc.Arguments)
					calls = append(calls, openai.ChatCompletionMessageToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(argsJSON),
						},
					})
				}
				out = append(out, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)},
						ToolCalls: calls,
					},
				})
			} else {
				out = append(out, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: out,
	}
	if len(tools) > 0 {
		params.Tools = translateTools(tools)
	}
	return params
}

func translateTools(tools []agentruntime.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	result := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Function.Name,
			Description: openai.String(t.Function.Description),
			Parameters:  openai.FunctionParameters(t.Function.Parameters),
		}))
	}
	return result
}

func translateToolCalls(calls []openai.ChatCompletionMessageToolCall) []agentruntime.ToolCall {
	out := make([]agentruntime.ToolCall, 0, len(calls))
	for _, c := range calls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(c.Function.Arguments), &args); err != nil {
			args = map[string]interface{}{"raw": c.Function.Arguments}
		}
		out = append(out, agentruntime.ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: args})
	}
	return out
}

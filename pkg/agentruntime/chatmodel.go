package agentruntime

import "context"

// Message is one turn of conversation history fed to an underlying
// chat-completions-style model. Adapted from the message shape
// picoclaw's provider package builds against Claude and OpenAI alike.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// ToolDefinition describes a tool available to the model, in the
// OpenAI-compatible function-calling shape both anthropic-sdk-go and
// openai-go/v3 translate from.
type ToolDefinition struct {
	Function ToolFunctionSchema
}

// ToolFunctionSchema is the JSON-schema description of one tool.
type ToolFunctionSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON schema: {"type":"object","properties":{...},"required":[...]}
}

// ToolResult is what a Tool.Invoke returns: text fed back to the model
// as a tool-result message.
type ToolResult struct {
	ForModel string
	IsError  bool
}

// Tool is something an agent runtime adapter can let the model call
// mid-conversation. Adapted from picoclaw's tools.Tool interface.
type Tool interface {
	Definition() ToolDefinition
	Invoke(ctx context.Context, args map[string]interface{}) (ToolResult, error)
}

// ToolRegistry resolves tool names to implementations for one runtime.
type ToolRegistry struct {
	tools map[string]Tool
}

// NewToolRegistry builds a registry from a list of tools.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Definition().Function.Name] = t
	}
	return r
}

// Definitions returns every registered tool's schema.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	if r == nil {
		return nil
	}
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Invoke runs the named tool, or returns an error result if unknown.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]interface{}) (ToolResult, error) {
	if r == nil {
		return ToolResult{ForModel: "no tools available", IsError: true}, nil
	}
	t, ok := r.tools[name]
	if !ok {
		return ToolResult{ForModel: "unknown tool: " + name, IsError: true}, nil
	}
	return t.Invoke(ctx, args)
}

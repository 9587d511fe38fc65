package agentruntime

import "context"

// ThinkTool lets the model externalize step-by-step reasoning without
// taking any action; the thought is recorded but never shown to the
// user. Adapted from picoclaw's tools.ThinkTool — the one concrete Tool
// this package ships, since every other tool picoclaw bundled (Moodle,
// email, specialists, messaging) depends on domain systems that have no
// home in this design; concrete tool execution beyond this reference
// implementation is left to whatever deploys an AgentRuntime backend.
type ThinkTool struct{}

// NewThinkTool creates a ThinkTool.
func NewThinkTool() ThinkTool { return ThinkTool{} }

// Definition implements Tool.
func (ThinkTool) Definition() ToolDefinition {
	return ToolDefinition{Function: ToolFunctionSchema{
		Name:        "think",
		Description: "Think through a problem step by step before acting. The thought is private and not shown to the user.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"thought": map[string]interface{}{
					"type":        "string",
					"description": "Step-by-step reasoning or analysis",
				},
			},
			"required": []string{"thought"},
		},
	}}
}

// Invoke implements Tool.
func (ThinkTool) Invoke(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	thought, _ := args["thought"].(string)
	if thought == "" {
		return ToolResult{ForModel: "thought is required", IsError: true}, nil
	}
	return ToolResult{ForModel: "Thought recorded."}, nil
}

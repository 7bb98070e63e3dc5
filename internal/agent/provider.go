package agent

import (
	"context"
	"encoding/json"
)

// Provider is a streaming LLM backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Complete sends a request and returns a channel of streamed chunks.
	// The channel is closed after a chunk with Done=true or Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name ("anthropic", "openai").
	Name() string
}

// CompletionRequest is one provider step: the full provider-visible
// conversation plus tool definitions.
type CompletionRequest struct {
	Model     string              `json:"model"`
	System    string              `json:"system,omitempty"`
	Messages  []CompletionMessage `json:"messages"`
	Tools     []ToolDef           `json:"tools,omitempty"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
}

// CompletionMessage is a single provider-visible message. Role is "user",
// "assistant", or "tool".
type CompletionMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolUses    []ToolUse    `json:"tool_uses,omitempty"`
	ToolOutputs []ToolOutput `json:"tool_outputs,omitempty"`
}

// ToolDef is the provider-facing tool schema. Approval gating never
// changes it.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ToolUse is the model's request to execute a tool.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolOutput is the result fed back for a ToolUse.
type ToolOutput struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// CompletionChunk is one streamed unit of a provider response. Token
// counts are populated on the final (Done) chunk only.
type CompletionChunk struct {
	Text         string   `json:"text,omitempty"`
	ToolUse      *ToolUse `json:"tool_use,omitempty"`
	Done         bool     `json:"done,omitempty"`
	Error        error    `json:"-"`
	InputTokens  int      `json:"input_tokens,omitempty"`
	OutputTokens int      `json:"output_tokens,omitempty"`
}

// Package agent implements the per-agent worker: the conversation
// transcript, the provider tool loop, and approval-gated tool execution.
package agent

import (
	"context"
	"encoding/json"
	"time"
)

// Config is the immutable identity of an agent. Created on agent
// registration, never mutated, removed on delete.
type Config struct {
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	System    string    `json:"system"`
	Backend   string    `json:"backend,omitempty"`
	Workflow  string    `json:"workflow,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Role values for transcript entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message status values. While streaming, exactly one assistant entry has
// StatusResponding and is updated in place; only StatusComplete entries
// are sent to the provider on later turns.
const (
	StatusResponding = "responding"
	StatusComplete   = "complete"
)

// Message is one transcript entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCall records one tool invocation within a turn. It lives in the
// turn's Response, not in the persisted transcript.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Result    string          `json:"result"`
	TimingMs  int64           `json:"timingMs"`
}

// Approval status values.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
)

// PendingApproval is a gated tool call awaiting an explicit decision.
type PendingApproval struct {
	ID          string          `json:"id"`
	ToolName    string          `json:"toolName"`
	ToolCallID  string          `json:"toolCallId,omitempty"`
	Arguments   json.RawMessage `json:"arguments"`
	RequestedAt time.Time       `json:"requestedAt"`
	Status      string          `json:"status"`
	DenyReason  string          `json:"denyReason,omitempty"`
}

// TokenUsage counters are additive across turns.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Add accumulates another turn's usage.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Total += other.Total
}

// SessionState is the persistable unit written to the state store after
// every turn.
type SessionState struct {
	ID               string            `json:"id"`
	CreatedAt        time.Time         `json:"createdAt"`
	Messages         []Message         `json:"messages"`
	TotalUsage       TokenUsage        `json:"totalUsage"`
	PendingApprovals []PendingApproval `json:"pendingApprovals,omitempty"`
}

// Clone returns a deep copy safe to hand outside the worker's lock.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	out.PendingApprovals = append([]PendingApproval(nil), s.PendingApprovals...)
	return &out
}

// Response is the result of one turn.
type Response struct {
	Content          string            `json:"content"`
	ToolCalls        []ToolCall        `json:"toolCalls,omitempty"`
	PendingApprovals []PendingApproval `json:"pendingApprovals,omitempty"`
	Usage            TokenUsage        `json:"usage"`
	LatencyMs        int64             `json:"latencyMs"`
}

// Tool is an executable capability offered to the model. Execute receives
// the arguments the model produced, matching Schema. Approval, when set,
// is the predicate consulted for gating: if it returns true and
// auto-approve is off, the call is parked as a PendingApproval instead of
// executing.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Execute     func(ctx context.Context, args json.RawMessage) (string, error)
	Approval    func(args json.RawMessage) bool
}

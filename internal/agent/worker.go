package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentd/internal/classify"
	"github.com/haasonsaas/agentd/internal/health"
	"github.com/haasonsaas/agentd/internal/retry"
)

const (
	// DefaultMaxTokens caps a single provider step's generation.
	DefaultMaxTokens = 4096

	// DefaultMaxSteps caps the tool loop within one turn.
	DefaultMaxSteps = 200
)

// StepInfo is passed to OnStepFinish once per provider step.
type StepInfo struct {
	StepNumber int
	ToolCalls  []ToolCall
	Usage      TokenUsage
}

// SendOptions tune a single turn.
type SendOptions struct {
	OnStepFinish func(StepInfo)
}

// StreamEvent is one element of a streamed turn: text chunks, then either
// a final Response or an error.
type StreamEvent struct {
	Text     string
	Response *Response
	Err      error
}

// Options configure a new worker.
type Options struct {
	Tools       []Tool
	AutoApprove *bool // nil means true
	MaxTokens   int
	MaxSteps    int
	Retry       *retry.Config
	Tracker     *health.Tracker
	Logger      *slog.Logger

	// Restored state from a previous daemon generation. A nil value
	// starts a fresh session.
	State *SessionState
}

// Worker runs one agent's conversation. Turns are serialized; at most one
// is in flight at a time.
type Worker struct {
	cfg      Config
	provider Provider
	logger   *slog.Logger
	tracker  *health.Tracker
	retryCfg retry.Config

	maxTokens int
	maxSteps  int

	turnMu sync.Mutex // held for the duration of a turn

	mu          sync.Mutex // guards everything below
	tools       []Tool
	toolIndex   map[string]*Tool
	toolDefs    []ToolDef // wired provider-facing defs; nil forces rebuild
	autoApprove bool
	state       *SessionState
}

// NewWorker creates a worker for cfg backed by provider.
func NewWorker(cfg Config, provider Provider, opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", cfg.Name)

	tracker := opts.Tracker
	if tracker == nil {
		tracker = health.NewTracker(0, logger)
	}

	retryCfg := retry.DefaultConfig()
	if opts.Retry != nil {
		retryCfg = *opts.Retry
	}
	if retryCfg.Label == "" {
		retryCfg.Label = cfg.Name
	}
	if retryCfg.Logger == nil {
		retryCfg.Logger = logger
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	st := opts.State
	if st == nil {
		st = &SessionState{ID: uuid.NewString(), CreatedAt: time.Now()}
	}

	w := &Worker{
		cfg:         cfg,
		provider:    provider,
		logger:      logger,
		tracker:     tracker,
		retryCfg:    retryCfg,
		maxTokens:   maxTokens,
		maxSteps:    maxSteps,
		autoApprove: opts.AutoApprove == nil || *opts.AutoApprove,
		state:       st,
	}
	w.setToolsLocked(opts.Tools)
	return w
}

// Config returns the agent's immutable config.
func (w *Worker) Config() Config { return w.cfg }

// Health returns the worker's health tracker.
func (w *Worker) Health() *health.Tracker { return w.tracker }

// State returns a deep copy of the session state.
func (w *Worker) State() *SessionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Clone()
}

// Clear resets the transcript, usage, and approvals while keeping the
// session identity.
func (w *Worker) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Messages = nil
	w.state.TotalUsage = TokenUsage{}
	w.state.PendingApprovals = nil
}

// SetTools replaces the tool set. The wired provider defs are rebuilt on
// the next turn.
func (w *Worker) SetTools(tools []Tool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setToolsLocked(tools)
}

func (w *Worker) setToolsLocked(tools []Tool) {
	w.tools = tools
	w.toolIndex = make(map[string]*Tool, len(tools))
	for i := range tools {
		w.toolIndex[tools[i].Name] = &tools[i]
	}
	w.toolDefs = nil
}

// SetAutoApprove flips approval gating. The wired defs are invalidated so
// the next turn rebuilds them.
func (w *Worker) SetAutoApprove(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.autoApprove = v
	w.toolDefs = nil
}

// wiredDefs returns the cached provider-facing tool schemas, rebuilding
// if invalidated. Gating never changes the schemas, only execution.
func (w *Worker) wiredDefs() []ToolDef {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.toolDefs == nil && len(w.tools) > 0 {
		defs := make([]ToolDef, 0, len(w.tools))
		for _, t := range w.tools {
			defs = append(defs, ToolDef{Name: t.Name, Description: t.Description, Schema: t.Schema})
		}
		w.toolDefs = defs
	}
	return w.toolDefs
}

// Send runs one synchronous turn.
func (w *Worker) Send(ctx context.Context, input string, opts *SendOptions) (*Response, error) {
	return w.run(ctx, input, opts, nil)
}

// SendStream runs one turn, emitting text chunks as they arrive. The
// channel carries zero or more Text events followed by exactly one event
// holding either the final Response or an error, then closes.
func (w *Worker) SendStream(ctx context.Context, input string, opts *SendOptions) <-chan StreamEvent {
	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		resp, err := w.run(ctx, input, opts, events)
		if err != nil {
			events <- StreamEvent{Err: err}
			return
		}
		events <- StreamEvent{Response: resp}
	}()
	return events
}

type stepResult struct {
	text     string
	toolUses []ToolUse
	usage    TokenUsage
}

func (w *Worker) run(ctx context.Context, input string, opts *SendOptions, stream chan<- StreamEvent) (*Response, error) {
	w.turnMu.Lock()
	defer w.turnMu.Unlock()

	start := time.Now()
	now := time.Now()

	w.mu.Lock()
	w.state.Messages = append(w.state.Messages, Message{
		Role: RoleUser, Content: input, Status: StatusComplete, Timestamp: now,
	})
	respondingIdx := -1
	if stream != nil {
		w.state.Messages = append(w.state.Messages, Message{
			Role: RoleAssistant, Status: StatusResponding, Timestamp: now,
		})
		respondingIdx = len(w.state.Messages) - 1
	}
	msgs := w.providerMessagesLocked()
	model := w.cfg.Model
	system := w.cfg.System
	w.mu.Unlock()

	var (
		fullText  string
		turnCalls []ToolCall
		turnUsage TokenUsage
	)

	step := 0
	for ; step < w.maxSteps; step++ {
		req := &CompletionRequest{
			Model:     model,
			System:    system,
			Messages:  msgs,
			Tools:     w.wiredDefs(),
			MaxTokens: w.maxTokens,
		}

		sr, err := w.completeStep(ctx, req, stream, respondingIdx, &fullText)
		if err != nil {
			w.tracker.RecordFailure(classify.Classify(err))
			w.dropResponding(respondingIdx)
			return nil, err
		}
		w.tracker.RecordSuccess()
		turnUsage.Add(sr.usage)

		stepCalls := w.executeToolUses(ctx, sr, &msgs)
		turnCalls = append(turnCalls, stepCalls...)

		if opts != nil && opts.OnStepFinish != nil {
			opts.OnStepFinish(StepInfo{StepNumber: step + 1, ToolCalls: stepCalls, Usage: sr.usage})
		}
		if len(sr.toolUses) == 0 {
			break
		}
	}
	if step == w.maxSteps {
		w.logger.Warn("turn hit step cap", "max_steps", w.maxSteps)
	}

	w.mu.Lock()
	if respondingIdx >= 0 {
		w.state.Messages[respondingIdx].Content = fullText
		w.state.Messages[respondingIdx].Status = StatusComplete
	} else {
		w.state.Messages = append(w.state.Messages, Message{
			Role: RoleAssistant, Content: fullText, Status: StatusComplete, Timestamp: time.Now(),
		})
	}
	w.state.TotalUsage.Add(turnUsage)
	var stillPending []PendingApproval
	for _, pa := range w.state.PendingApprovals {
		if pa.Status == ApprovalPending {
			stillPending = append(stillPending, pa)
		}
	}
	w.mu.Unlock()

	return &Response{
		Content:          fullText,
		ToolCalls:        turnCalls,
		PendingApprovals: stillPending,
		Usage:            turnUsage,
		LatencyMs:        time.Since(start).Milliseconds(),
	}, nil
}

// completeStep calls the provider behind the retry engine and consumes the
// stream. Once any text has been forwarded to the caller a mid-stream
// failure is no longer retried, to avoid emitting duplicate chunks.
func (w *Worker) completeStep(ctx context.Context, req *CompletionRequest, stream chan<- StreamEvent, respondingIdx int, fullText *string) (*stepResult, error) {
	base := *fullText
	return retry.DoWithValue(ctx, w.retryCfg, func() (*stepResult, error) {
		// discard partial text from a failed earlier attempt
		*fullText = base
		if respondingIdx >= 0 {
			w.mu.Lock()
			w.state.Messages[respondingIdx].Content = base
			w.mu.Unlock()
		}

		ch, err := w.provider.Complete(ctx, req)
		if err != nil {
			return nil, err
		}

		sr := &stepResult{}
		emitted := false
		for chunk := range ch {
			switch {
			case chunk.Error != nil:
				if emitted {
					ce := classify.Classify(chunk.Error)
					return nil, &classify.Error{
						Class:     ce.Class,
						Message:   ce.Message,
						Status:    ce.Status,
						Retryable: false,
						Cause:     chunk.Error,
					}
				}
				return nil, chunk.Error
			case chunk.ToolUse != nil:
				sr.toolUses = append(sr.toolUses, *chunk.ToolUse)
			case chunk.Done:
				sr.usage = TokenUsage{
					Input:  chunk.InputTokens,
					Output: chunk.OutputTokens,
					Total:  chunk.InputTokens + chunk.OutputTokens,
				}
			case chunk.Text != "":
				sr.text += chunk.Text
				*fullText += chunk.Text
				if stream != nil {
					emitted = true
					stream <- StreamEvent{Text: chunk.Text}
					w.mu.Lock()
					w.state.Messages[respondingIdx].Content = *fullText
					w.mu.Unlock()
				}
			}
		}
		return sr, nil
	})
}

// executeToolUses runs the step's tool calls, appends the assistant and
// tool messages to the provider-visible conversation, and returns the
// turn records.
func (w *Worker) executeToolUses(ctx context.Context, sr *stepResult, msgs *[]CompletionMessage) []ToolCall {
	if len(sr.toolUses) == 0 {
		return nil
	}

	assistant := CompletionMessage{Role: RoleAssistant, Content: sr.text, ToolUses: sr.toolUses}
	toolMsg := CompletionMessage{Role: RoleTool}
	var calls []ToolCall

	for _, tu := range sr.toolUses {
		t0 := time.Now()
		result, isErr := w.invokeTool(ctx, tu)
		calls = append(calls, ToolCall{
			Name:      tu.Name,
			Arguments: tu.Input,
			Result:    result,
			TimingMs:  time.Since(t0).Milliseconds(),
		})
		toolMsg.ToolOutputs = append(toolMsg.ToolOutputs, ToolOutput{
			ToolUseID: tu.ID,
			Content:   result,
			IsError:   isErr,
		})
	}
	*msgs = append(*msgs, assistant, toolMsg)
	return calls
}

// invokeTool executes one tool call, applying the approval gate. A gated
// call records a PendingApproval and returns the sentinel payload in place
// of the real result.
func (w *Worker) invokeTool(ctx context.Context, tu ToolUse) (string, bool) {
	w.mu.Lock()
	tool := w.toolIndex[tu.Name]
	gated := tool != nil && !w.autoApprove && tool.Approval != nil && tool.Approval(tu.Input)
	var approvalID string
	if gated {
		pa := PendingApproval{
			ID:          uuid.NewString(),
			ToolName:    tu.Name,
			ToolCallID:  tu.ID,
			Arguments:   tu.Input,
			RequestedAt: time.Now(),
			Status:      ApprovalPending,
		}
		w.state.PendingApprovals = append(w.state.PendingApprovals, pa)
		approvalID = pa.ID
	}
	w.mu.Unlock()

	if tool == nil {
		return fmt.Sprintf("unknown tool: %s", tu.Name), true
	}
	if gated {
		w.logger.Info("tool call gated for approval", "tool", tu.Name, "approval_id", approvalID)
		sentinel, _ := json.Marshal(map[string]any{
			"approvalRequired": true,
			"approvalId":       approvalID,
		})
		return string(sentinel), false
	}

	out, err := tool.Execute(ctx, tu.Input)
	if err != nil {
		return err.Error(), true
	}
	return out, false
}

// providerMessagesLocked projects the transcript onto provider messages,
// skipping any in-flight responding entry. Caller holds w.mu.
func (w *Worker) providerMessagesLocked() []CompletionMessage {
	out := make([]CompletionMessage, 0, len(w.state.Messages))
	for _, m := range w.state.Messages {
		if m.Status != StatusComplete {
			continue
		}
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		out = append(out, CompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (w *Worker) dropResponding(idx int) {
	if idx < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if idx < len(w.state.Messages) && w.state.Messages[idx].Status == StatusResponding {
		w.state.Messages = append(w.state.Messages[:idx], w.state.Messages[idx+1:]...)
	}
}

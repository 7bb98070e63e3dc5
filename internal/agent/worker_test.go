package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/agentd/internal/classify"
	"github.com/haasonsaas/agentd/internal/retry"
)

func fastRetry(maxRetries int) *retry.Config {
	return &retry.Config{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

// scriptedProvider replays a fixed sequence of steps. Each step is a list
// of chunks sent in order, always terminated by a Done chunk.
type scriptedProvider struct {
	steps    [][]*CompletionChunk
	call     int
	requests []*CompletionRequest
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.requests = append(p.requests, req)
	if p.call >= len(p.steps) {
		return nil, errors.New("scripted provider exhausted")
	}
	step := p.steps[p.call]
	p.call++

	ch := make(chan *CompletionChunk, len(step))
	for _, c := range step {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func textStep(text string, in, out int) []*CompletionChunk {
	return []*CompletionChunk{
		{Text: text},
		{Done: true, InputTokens: in, OutputTokens: out},
	}
}

func toolStep(id, name, input string, in, out int) []*CompletionChunk {
	return []*CompletionChunk{
		{ToolUse: &ToolUse{ID: id, Name: name, Input: json.RawMessage(input)}},
		{Done: true, InputTokens: in, OutputTokens: out},
	}
}

func newTestWorker(p Provider, opts Options) *Worker {
	return NewWorker(Config{Name: "test", Model: "m", System: "sys"}, p, opts)
}

func TestSendSimpleTurn(t *testing.T) {
	p := &scriptedProvider{steps: [][]*CompletionChunk{textStep("hello there", 10, 5)}}
	w := newTestWorker(p, Options{})

	resp, err := w.Send(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Content != "hello there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.Total != 15 {
		t.Errorf("usage total = %d, want 15", resp.Usage.Total)
	}
	if resp.LatencyMs < 0 {
		t.Errorf("latency = %d", resp.LatencyMs)
	}

	st := w.State()
	if len(st.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(st.Messages))
	}
	if st.Messages[0].Role != RoleUser || st.Messages[1].Role != RoleAssistant {
		t.Errorf("roles = %s, %s", st.Messages[0].Role, st.Messages[1].Role)
	}
	for _, m := range st.Messages {
		if m.Status != StatusComplete {
			t.Errorf("message %q status = %s, want complete", m.Role, m.Status)
		}
	}
}

func TestSendToolLoop(t *testing.T) {
	p := &scriptedProvider{steps: [][]*CompletionChunk{
		toolStep("tc1", "lookup", `{"key":"x"}`, 10, 2),
		textStep("the value is 42", 12, 6),
	}}
	executed := false
	w := newTestWorker(p, Options{Tools: []Tool{{
		Name:   "lookup",
		Schema: json.RawMessage(`{"type":"object"}`),
		Execute: func(ctx context.Context, args json.RawMessage) (string, error) {
			executed = true
			return "42", nil
		},
	}}})

	var steps []StepInfo
	resp, err := w.Send(context.Background(), "what is x?", &SendOptions{
		OnStepFinish: func(si StepInfo) { steps = append(steps, si) },
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !executed {
		t.Error("tool was not executed")
	}
	if resp.Content != "the value is 42" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "lookup" || resp.ToolCalls[0].Result != "42" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.Total != 30 {
		t.Errorf("usage total = %d, want 30 (both steps)", resp.Usage.Total)
	}
	if len(steps) != 2 || steps[0].StepNumber != 1 || steps[1].StepNumber != 2 {
		t.Errorf("step callbacks = %+v", steps)
	}

	// the second provider request must carry the tool exchange
	if len(p.requests) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(p.requests))
	}
	last := p.requests[1].Messages
	if len(last) < 3 {
		t.Fatalf("second request messages = %d, want >= 3", len(last))
	}
	if last[len(last)-1].Role != RoleTool || last[len(last)-1].ToolOutputs[0].Content != "42" {
		t.Errorf("tool output message = %+v", last[len(last)-1])
	}
}

func TestSendStreamChunksThenResponse(t *testing.T) {
	p := &scriptedProvider{steps: [][]*CompletionChunk{{
		{Text: "hel"},
		{Text: "lo"},
		{Done: true, InputTokens: 3, OutputTokens: 2},
	}}}
	w := newTestWorker(p, Options{})

	var chunks []string
	var final *Response
	for ev := range w.SendStream(context.Background(), "hi", nil) {
		switch {
		case ev.Err != nil:
			t.Fatalf("stream error: %v", ev.Err)
		case ev.Response != nil:
			final = ev.Response
		default:
			chunks = append(chunks, ev.Text)
		}
	}
	if strings.Join(chunks, "") != "hello" {
		t.Errorf("chunks = %v", chunks)
	}
	if final == nil || final.Content != "hello" {
		t.Fatalf("final = %+v", final)
	}

	st := w.State()
	last := st.Messages[len(st.Messages)-1]
	if last.Role != RoleAssistant || last.Status != StatusComplete || last.Content != "hello" {
		t.Errorf("final assistant entry = %+v", last)
	}
}

func TestApprovalGateParksToolCall(t *testing.T) {
	p := &scriptedProvider{steps: [][]*CompletionChunk{
		toolStep("tc1", "delete_file", `{"path":"/tmp/x"}`, 5, 1),
		textStep("requested approval", 6, 2),
	}}
	executed := false
	off := false
	w := newTestWorker(p, Options{
		AutoApprove: &off,
		Tools: []Tool{{
			Name:   "delete_file",
			Schema: json.RawMessage(`{"type":"object"}`),
			Execute: func(ctx context.Context, args json.RawMessage) (string, error) {
				executed = true
				return "deleted", nil
			},
			Approval: func(args json.RawMessage) bool { return true },
		}},
	})

	resp, err := w.Send(context.Background(), "delete /tmp/x", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if executed {
		t.Fatal("gated tool must not execute during the turn")
	}
	if len(resp.PendingApprovals) != 1 {
		t.Fatalf("pending approvals = %d, want 1", len(resp.PendingApprovals))
	}
	pa := resp.PendingApprovals[0]
	if pa.ToolName != "delete_file" || pa.Status != ApprovalPending {
		t.Errorf("approval = %+v", pa)
	}

	// the model saw the sentinel, not the real result
	var sentinel struct {
		ApprovalRequired bool   `json:"approvalRequired"`
		ApprovalID       string `json:"approvalId"`
	}
	if err := json.Unmarshal([]byte(resp.ToolCalls[0].Result), &sentinel); err != nil {
		t.Fatalf("sentinel parse: %v", err)
	}
	if !sentinel.ApprovalRequired || sentinel.ApprovalID != pa.ID {
		t.Errorf("sentinel = %+v", sentinel)
	}

	// approve runs the real tool
	result, err := w.Approve(context.Background(), pa.ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !executed || result != "deleted" {
		t.Errorf("approve result = %q, executed = %v", result, executed)
	}

	// second resolution is rejected
	if _, err := w.Approve(context.Background(), pa.ID); !errors.Is(err, ErrApprovalResolved) {
		t.Errorf("second approve = %v, want ErrApprovalResolved", err)
	}
	if len(w.PendingApprovals()) != 0 {
		t.Error("approval still pending after resolution")
	}
}

func TestDenyApproval(t *testing.T) {
	p := &scriptedProvider{steps: [][]*CompletionChunk{
		toolStep("tc1", "delete_file", `{}`, 1, 1),
		textStep("ok", 1, 1),
	}}
	off := false
	w := newTestWorker(p, Options{
		AutoApprove: &off,
		Tools: []Tool{{
			Name:     "delete_file",
			Execute:  func(ctx context.Context, args json.RawMessage) (string, error) { return "gone", nil },
			Approval: func(args json.RawMessage) bool { return true },
		}},
	})

	resp, err := w.Send(context.Background(), "go", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	id := resp.PendingApprovals[0].ID

	if err := w.Deny(id, "too risky"); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if err := w.Deny(id, "again"); !errors.Is(err, ErrApprovalResolved) {
		t.Errorf("second deny = %v, want ErrApprovalResolved", err)
	}
	if _, err := w.Approve(context.Background(), id); !errors.Is(err, ErrApprovalResolved) {
		t.Errorf("approve after deny = %v, want ErrApprovalResolved", err)
	}

	st := w.State()
	if st.PendingApprovals[0].DenyReason != "too risky" {
		t.Errorf("deny reason = %q", st.PendingApprovals[0].DenyReason)
	}
}

func TestApproveUnknownID(t *testing.T) {
	w := newTestWorker(&scriptedProvider{}, Options{})
	if _, err := w.Approve(context.Background(), "nope"); !errors.Is(err, ErrApprovalNotFound) {
		t.Errorf("error = %v, want ErrApprovalNotFound", err)
	}
}

func TestAutoApproveSkipsGate(t *testing.T) {
	p := &scriptedProvider{steps: [][]*CompletionChunk{
		toolStep("tc1", "delete_file", `{}`, 1, 1),
		textStep("done", 1, 1),
	}}
	executed := false
	w := newTestWorker(p, Options{
		Tools: []Tool{{
			Name:     "delete_file",
			Execute:  func(ctx context.Context, args json.RawMessage) (string, error) { executed = true; return "gone", nil },
			Approval: func(args json.RawMessage) bool { return true },
		}},
	})

	resp, err := w.Send(context.Background(), "go", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !executed {
		t.Error("tool should execute directly under auto-approve")
	}
	if len(resp.PendingApprovals) != 0 {
		t.Errorf("pending approvals = %+v, want none", resp.PendingApprovals)
	}
}

func TestUsageAccumulatesAcrossTurns(t *testing.T) {
	p := &scriptedProvider{steps: [][]*CompletionChunk{
		textStep("one", 10, 5),
		textStep("two", 20, 10),
	}}
	w := newTestWorker(p, Options{})

	if _, err := w.Send(context.Background(), "a", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Send(context.Background(), "b", nil); err != nil {
		t.Fatal(err)
	}
	total := w.State().TotalUsage
	if total.Input != 30 || total.Output != 15 || total.Total != 45 {
		t.Errorf("total usage = %+v", total)
	}
}

func TestProviderErrorDropsRespondingEntry(t *testing.T) {
	p := &scriptedProvider{} // exhausted immediately
	w := newTestWorker(p, Options{})

	var gotErr error
	for ev := range w.SendStream(context.Background(), "hi", nil) {
		if ev.Err != nil {
			gotErr = ev.Err
		}
	}
	if gotErr == nil {
		t.Fatal("expected stream error")
	}
	for _, m := range w.State().Messages {
		if m.Status == StatusResponding {
			t.Error("dangling responding entry after failed turn")
		}
	}
}

func TestOnlyCompleteMessagesSentToProvider(t *testing.T) {
	p := &scriptedProvider{steps: [][]*CompletionChunk{
		textStep("first", 1, 1),
		textStep("second", 1, 1),
	}}
	w := newTestWorker(p, Options{})

	if _, err := w.Send(context.Background(), "a", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Send(context.Background(), "b", nil); err != nil {
		t.Fatal(err)
	}
	second := p.requests[1].Messages
	if len(second) != 3 {
		t.Fatalf("second request messages = %d, want 3 (user, assistant, user)", len(second))
	}
	if second[1].Content != "first" {
		t.Errorf("history assistant content = %q", second[1].Content)
	}
}

func TestTransientMidStreamErrorRetriesWithoutDuplicateText(t *testing.T) {
	p := &scriptedProvider{steps: [][]*CompletionChunk{
		{{Text: "hello "}, {Error: errors.New("service unavailable")}},
		textStep("hello world", 10, 5),
	}}
	w := newTestWorker(p, Options{Retry: fastRetry(1)})

	resp, err := w.Send(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Content != "hello world" {
		t.Errorf("content = %q, want %q", resp.Content, "hello world")
	}

	st := w.State()
	last := st.Messages[len(st.Messages)-1]
	if last.Content != "hello world" {
		t.Errorf("transcript content = %q, partial text from the failed attempt leaked", last.Content)
	}
}

func TestMidStreamErrorAfterEmittedTextNotRetried(t *testing.T) {
	shared := &classify.Error{Class: classify.ClassTransient, Message: "overloaded", Retryable: true}
	p := &scriptedProvider{steps: [][]*CompletionChunk{
		{{Text: "partial"}, {Error: shared}},
		textStep("should never be reached", 1, 1),
	}}
	w := newTestWorker(p, Options{Retry: fastRetry(2)})

	var gotErr error
	for ev := range w.SendStream(context.Background(), "hi", nil) {
		if ev.Err != nil {
			gotErr = ev.Err
		}
	}
	if gotErr == nil {
		t.Fatal("expected stream error")
	}
	if ce := classify.Classify(gotErr); ce.Retryable {
		t.Error("failure after emitted text classified retryable")
	}
	if p.call != 1 {
		t.Errorf("provider called %d times, want 1", p.call)
	}
	if !shared.Retryable {
		t.Error("shared classified error was mutated")
	}
}

func TestClearResetsSession(t *testing.T) {
	p := &scriptedProvider{steps: [][]*CompletionChunk{textStep("x", 5, 5)}}
	w := newTestWorker(p, Options{})
	if _, err := w.Send(context.Background(), "a", nil); err != nil {
		t.Fatal(err)
	}

	id := w.State().ID
	w.Clear()
	st := w.State()
	if len(st.Messages) != 0 || st.TotalUsage.Total != 0 {
		t.Errorf("state not cleared: %+v", st)
	}
	if st.ID != id {
		t.Errorf("session id changed on clear")
	}
}

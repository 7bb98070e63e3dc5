package agent

import "context"

// Handle abstracts dispatch to an agent, hiding whether the worker runs
// in-process or elsewhere.
type Handle interface {
	Send(ctx context.Context, input string, opts *SendOptions) (*Response, error)
	SendStream(ctx context.Context, input string, opts *SendOptions) <-chan StreamEvent
	State() *SessionState
}

// LocalHandle dispatches to an in-process worker.
type LocalHandle struct {
	w *Worker
}

// NewLocalHandle wraps a worker.
func NewLocalHandle(w *Worker) *LocalHandle { return &LocalHandle{w: w} }

// Worker returns the underlying worker.
func (h *LocalHandle) Worker() *Worker { return h.w }

func (h *LocalHandle) Send(ctx context.Context, input string, opts *SendOptions) (*Response, error) {
	return h.w.Send(ctx, input, opts)
}

func (h *LocalHandle) SendStream(ctx context.Context, input string, opts *SendOptions) <-chan StreamEvent {
	return h.w.SendStream(ctx, input, opts)
}

func (h *LocalHandle) State() *SessionState { return h.w.State() }

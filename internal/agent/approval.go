package agent

import (
	"context"
	"errors"
	"fmt"
)

// ErrApprovalNotFound is returned for unknown approval ids.
var ErrApprovalNotFound = errors.New("approval not found")

// ErrApprovalResolved is returned when an approval was already decided.
var ErrApprovalResolved = errors.New("approval already resolved")

// PendingApprovals returns approvals still awaiting a decision.
func (w *Worker) PendingApprovals() []PendingApproval {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []PendingApproval
	for _, pa := range w.state.PendingApprovals {
		if pa.Status == ApprovalPending {
			out = append(out, pa)
		}
	}
	return out
}

// Approve runs the gated tool call with its stored arguments and marks it
// approved. Unknown or already-resolved ids are rejected.
func (w *Worker) Approve(ctx context.Context, id string) (string, error) {
	w.mu.Lock()
	pa := w.findApprovalLocked(id)
	if pa == nil {
		w.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrApprovalNotFound, id)
	}
	if pa.Status != ApprovalPending {
		w.mu.Unlock()
		return "", fmt.Errorf("%w: %q is %s", ErrApprovalResolved, id, pa.Status)
	}
	tool := w.toolIndex[pa.ToolName]
	args := pa.Arguments
	w.mu.Unlock()

	if tool == nil {
		return "", fmt.Errorf("tool %q no longer registered", pa.ToolName)
	}
	result, err := tool.Execute(ctx, args)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	if pa := w.findApprovalLocked(id); pa != nil {
		pa.Status = ApprovalApproved
	}
	w.mu.Unlock()

	w.logger.Info("approval granted", "approval_id", id, "tool", pa.ToolName)
	return result, nil
}

// Deny marks the approval denied with an optional reason.
func (w *Worker) Deny(id, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	pa := w.findApprovalLocked(id)
	if pa == nil {
		return fmt.Errorf("%w: %q", ErrApprovalNotFound, id)
	}
	if pa.Status != ApprovalPending {
		return fmt.Errorf("%w: %q is %s", ErrApprovalResolved, id, pa.Status)
	}
	pa.Status = ApprovalDenied
	pa.DenyReason = reason
	w.logger.Info("approval denied", "approval_id", id, "tool", pa.ToolName, "reason", reason)
	return nil
}

func (w *Worker) findApprovalLocked(id string) *PendingApproval {
	for i := range w.state.PendingApprovals {
		if w.state.PendingApprovals[i].ID == id {
			return &w.state.PendingApprovals[i]
		}
	}
	return nil
}

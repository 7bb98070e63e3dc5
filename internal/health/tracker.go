// Package health tracks per-agent provider health as a three-state machine
// fed by classified success/failure events.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/agentd/internal/classify"
)

// Status is the coarse health of an agent's provider connection.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// DefaultThreshold is the consecutive-failure count at which transient
// failures escalate to unavailable.
const DefaultThreshold = 5

// State is a snapshot of the tracker.
type State struct {
	Status              Status          `json:"status"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	LastError           *classify.Error `json:"lastError,omitempty"`
	LastErrorAt         time.Time       `json:"lastErrorAt,omitzero"`
	LastSuccess         time.Time       `json:"lastSuccess,omitzero"`
	TotalFailures       int64           `json:"totalFailures"`
	TotalSuccesses      int64           `json:"totalSuccesses"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	state     State
	threshold int
	logger    *slog.Logger
}

// NewTracker creates a tracker starting healthy. A threshold <= 0 uses
// DefaultThreshold.
func NewTracker(threshold int, logger *slog.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		state:     State{Status: StatusHealthy},
		threshold: threshold,
		logger:    logger,
	}
}

// RecordSuccess resets the failure run and returns to healthy from any state.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.state.Status
	t.state.Status = StatusHealthy
	t.state.ConsecutiveFailures = 0
	t.state.LastSuccess = time.Now()
	t.state.TotalSuccesses++

	if prev != StatusHealthy {
		t.logger.Info("health recovered", "from", prev, "to", StatusHealthy)
	}
}

// RecordFailure feeds a classified failure into the state machine.
//
// Transient failures degrade first and become unavailable once the
// consecutive-failure run reaches the threshold. Auth and resource failures
// go straight to unavailable. Unknown failures degrade but never escalate
// on their own.
func (t *Tracker) RecordFailure(ce *classify.Error) {
	if ce == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.state.Status
	t.state.TotalFailures++
	t.state.LastError = ce
	t.state.LastErrorAt = time.Now()

	switch ce.Class {
	case classify.ClassTransient:
		if t.state.ConsecutiveFailures >= t.threshold-1 {
			t.state.Status = StatusUnavailable
		} else if t.state.Status == StatusHealthy {
			t.state.Status = StatusDegraded
		}
	case classify.ClassAuth, classify.ClassResource:
		t.state.Status = StatusUnavailable
	default: // unknown
		if t.state.Status == StatusHealthy {
			t.state.Status = StatusDegraded
		}
	}
	t.state.ConsecutiveFailures++

	if t.state.Status != prev {
		t.logger.Warn("health transition",
			"from", prev,
			"to", t.state.Status,
			"class", ce.Class,
			"consecutive_failures", t.state.ConsecutiveFailures,
			"error", ce.Message,
		)
	}
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Status returns the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Status
}

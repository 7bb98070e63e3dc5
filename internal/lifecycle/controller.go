// Package lifecycle drives a session's timers: idle shutdown, scheduled
// wakeups, and inbox polling.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/internal/cron"
	"github.com/haasonsaas/agentd/internal/team"
)

const (
	// DefaultIdleTimeout shuts an untouched session down after 30 minutes.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultPollInterval is the inbox polling period.
	DefaultPollInterval = 2 * time.Second

	// DefaultWakeupPrompt is sent on interval wakeups with no configured
	// prompt.
	DefaultWakeupPrompt = "[Scheduled wakeup] You have been idle. Check if there are any pending tasks or updates to process."
)

// Sender dispatches a turn to the session's worker.
type Sender interface {
	Send(ctx context.Context, input string, opts *agent.SendOptions) (*agent.Response, error)
}

// TeamContext is the slice of the shared context the controller needs.
type TeamContext interface {
	Inbox(agent string) ([]team.ChannelEntry, error)
	AckInbox(agent string, untilID int64) error
	AppendChannel(from, content string, opts *team.AppendOptions) (*team.ChannelEntry, error)
}

// Config configures a controller.
type Config struct {
	AgentName string
	Sender    Sender
	Context   TeamContext // nil disables inbox polling

	// IdleTimeout nil means DefaultIdleTimeout; a pointer to 0 disables
	// idle shutdown.
	IdleTimeout *time.Duration

	Schedule     *cron.Resolved
	PollInterval time.Duration

	// OnIdle is invoked when the idle timer fires with no requests in
	// flight, to start graceful shutdown of the session.
	OnIdle func()

	Logger *slog.Logger
}

// Controller owns one session's timers. Start it once; Stop is
// idempotent.
type Controller struct {
	cfg          Config
	idleTimeout  time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	pending  int
	queued   bool
	idleT    *time.Timer
	wakeT    *time.Timer
	cronT    *time.Timer
	stopped  bool
	stopPoll chan struct{}
}

// NewController validates cfg and applies defaults.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", cfg.AgentName)

	idle := DefaultIdleTimeout
	if cfg.IdleTimeout != nil {
		idle = *cfg.IdleTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	c := &Controller{
		cfg:          cfg,
		idleTimeout:  idle,
		pollInterval: poll,
		logger:       logger,
		stopPoll:     make(chan struct{}),
	}

	if idle > 0 && cfg.Schedule != nil && cfg.Schedule.Kind == cron.KindInterval && cfg.Schedule.Interval > idle {
		logger.Warn("interval wakeup exceeds idle timeout; session will shut down before it fires",
			"wakeup", cfg.Schedule.Interval, "idle_timeout", idle)
	}
	return c
}

// Start arms the timers and the inbox poller.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.armIdleLocked()
	c.armWakeupLocked()
	c.armCronLocked()
	if c.cfg.Context != nil {
		go c.pollLoop()
	}
}

// Stop cancels all timers.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopPoll)
	for _, t := range []*time.Timer{c.idleT, c.wakeT, c.cronT} {
		if t != nil {
			t.Stop()
		}
	}
}

// BeginRequest marks external activity: the idle and interval timers
// reset, and the busy count rises.
func (c *Controller) BeginRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending++
	c.armIdleLocked()
	c.armWakeupLocked()
}

// EndRequest settles a request and drains a queued inbox pass if the
// session is now idle.
func (c *Controller) EndRequest() {
	c.mu.Lock()
	c.pending--
	drain := c.queued && c.pending == 0 && !c.stopped
	if drain {
		c.queued = false
	}
	c.mu.Unlock()

	if drain {
		c.processInbox()
	}
}

// Poke processes the inbox immediately when idle, or queues a pass for
// the next drain. Used to wake an agent that was just mentioned.
func (c *Controller) Poke() {
	if c.cfg.Context == nil {
		return
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.pending > 0 {
		c.queued = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.processInbox()
}

// Busy reports whether any request is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending > 0
}

func (c *Controller) armIdleLocked() {
	if c.idleTimeout <= 0 || c.stopped {
		return
	}
	if c.idleT != nil {
		c.idleT.Stop()
	}
	c.idleT = time.AfterFunc(c.idleTimeout, c.onIdleFire)
}

func (c *Controller) onIdleFire() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.pending > 0 {
		c.armIdleLocked()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Info("idle timeout reached, shutting session down")
	if c.cfg.OnIdle != nil {
		c.cfg.OnIdle()
	}
}

func (c *Controller) armWakeupLocked() {
	s := c.cfg.Schedule
	if s == nil || s.Kind != cron.KindInterval || c.stopped {
		return
	}
	if c.wakeT != nil {
		c.wakeT.Stop()
	}
	c.wakeT = time.AfterFunc(s.Interval, c.onWakeupFire)
}

func (c *Controller) onWakeupFire() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.pending > 0 {
		c.armWakeupLocked()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	prompt := c.cfg.Schedule.Prompt
	if prompt == "" {
		prompt = DefaultWakeupPrompt
	}
	c.wakeupSend(prompt)

	c.mu.Lock()
	c.armWakeupLocked()
	c.mu.Unlock()
}

func (c *Controller) armCronLocked() {
	s := c.cfg.Schedule
	if s == nil || s.Kind != cron.KindCron || c.stopped {
		return
	}
	next, err := cron.Next(s.Expr, time.Now())
	if err != nil {
		c.logger.Error("cron schedule failed to compute next fire", "expr", s.Expr, "error", err)
		return
	}
	if c.cronT != nil {
		c.cronT.Stop()
	}
	c.cronT = time.AfterFunc(time.Until(next), c.onCronFire)
}

func (c *Controller) onCronFire() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	prompt := c.cfg.Schedule.Prompt
	if prompt == "" {
		prompt = DefaultWakeupPrompt
	}
	c.wakeupSend(prompt)

	c.mu.Lock()
	c.armCronLocked()
	c.mu.Unlock()
}

// wakeupSend runs a scheduled send with full request accounting so the
// idle timer sees it as activity.
func (c *Controller) wakeupSend(prompt string) {
	c.BeginRequest()
	defer c.EndRequest()

	if _, err := c.cfg.Sender.Send(context.Background(), prompt, nil); err != nil {
		c.logger.Error("scheduled wakeup failed", "error", err)
	}
}

func (c *Controller) pollLoop() {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopPoll:
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

func (c *Controller) pollOnce() {
	c.mu.Lock()
	if c.pending > 0 {
		c.queued = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	entries, err := c.cfg.Context.Inbox(c.cfg.AgentName)
	if err != nil {
		c.logger.Error("inbox poll failed", "error", err)
		return
	}
	if len(entries) > 0 {
		c.processInbox()
	}
}

// processInbox reads pending entries, sends them to the worker as one
// prompt, posts the reply back to the channel, and acks the cursor.
func (c *Controller) processInbox() {
	entries, err := c.cfg.Context.Inbox(c.cfg.AgentName)
	if err != nil || len(entries) == 0 {
		return
	}
	latestID := entries[len(entries)-1].ID

	lines := make([]string, len(entries))
	froms := make([]string, 0, len(entries))
	seen := make(map[string]bool)
	for i, e := range entries {
		lines[i] = fmt.Sprintf("[%s]: %s", e.From, e.Content)
		if !seen[e.From] {
			seen[e.From] = true
			froms = append(froms, e.From)
		}
	}
	prompt := strings.Join(lines, "\n\n")

	c.BeginRequest()
	defer c.EndRequest()

	_, _ = c.cfg.Context.AppendChannel(c.cfg.AgentName,
		fmt.Sprintf("read %d message(s) from %s", len(entries), strings.Join(froms, ", ")),
		&team.AppendOptions{Kind: team.KindSystem})

	resp, err := c.cfg.Sender.Send(context.Background(), prompt, nil)
	if err != nil {
		// cursor stays put so the batch resurfaces on the next poll
		c.logger.Error("inbox processing failed", "error", err)
		return
	}
	if err := c.cfg.Context.AckInbox(c.cfg.AgentName, latestID); err != nil {
		c.logger.Error("inbox ack failed", "error", err)
	}
	if resp.Content != "" {
		_, _ = c.cfg.Context.AppendChannel(c.cfg.AgentName, resp.Content, nil)
	}
}

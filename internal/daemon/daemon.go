// Package daemon is the long-lived coordinator process: it owns the
// agent workers, their lifecycle controllers, workflow handles, shared
// contexts, and the HTTP control plane.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	mcphttp "github.com/mark3labs/mcp-go/server"

	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/internal/agent/providers"
	"github.com/haasonsaas/agentd/internal/config"
	"github.com/haasonsaas/agentd/internal/lifecycle"
	"github.com/haasonsaas/agentd/internal/mcpserver"
	"github.com/haasonsaas/agentd/internal/registry"
	"github.com/haasonsaas/agentd/internal/state"
	"github.com/haasonsaas/agentd/internal/team"
)

// ErrDuplicateAgent is returned when an agent name is already taken.
var ErrDuplicateAgent = errors.New("agent already exists")

// ErrAgentNotFound is returned for unknown agent names.
var ErrAgentNotFound = errors.New("agent not found")

// entry bundles everything the daemon holds per agent.
type entry struct {
	cfg        agent.Config
	worker     *agent.Worker
	controller *lifecycle.Controller
	sessionID  string
}

// Daemon owns all per-process state. Handlers receive it explicitly.
type Daemon struct {
	cfg       config.Config
	logger    *slog.Logger
	reg       *registry.Registry
	store     state.Store
	metrics   *metrics
	startedAt time.Time

	// newProvider is swappable in tests.
	newProvider func(backend string) (agent.Provider, error)

	pendingHTTP atomic.Int64

	mu        sync.Mutex
	ready     bool
	agents    map[string]*entry
	workflows map[string]*WorkflowHandle // keyed "name/tag"
	contexts  map[string]*team.Context   // keyed by directory
	proposals map[string]*team.ProposalManager
	mcp       map[string]*mcphttp.StreamableHTTPServer // keyed by agent name

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New assembles a daemon from configuration.
func New(cfg config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := registry.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	keys := providers.KeysFromEnv()
	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		reg:       reg,
		store:     state.NewMemoryStore(),
		metrics:   newMetrics(),
		startedAt: time.Now(),
		newProvider: func(backend string) (agent.Provider, error) {
			return providers.New(backend, keys)
		},
		agents:     make(map[string]*entry),
		workflows:  make(map[string]*WorkflowHandle),
		contexts:   make(map[string]*team.Context),
		proposals:  make(map[string]*team.ProposalManager),
		mcp:        make(map[string]*mcphttp.StreamableHTTPServer),
		shutdownCh: make(chan struct{}),
	}
	return d, nil
}

// Registry returns the on-disk registry.
func (d *Daemon) Registry() *registry.Registry { return d.reg }

// CreateAgentInput is the POST /agents body.
type CreateAgentInput struct {
	Name        string `json:"name"`
	Model       string `json:"model"`
	System      string `json:"system"`
	Backend     string `json:"backend,omitempty"`
	Workflow    string `json:"workflow,omitempty"`
	Tag         string `json:"tag,omitempty"`
	AutoApprove *bool  `json:"autoApprove,omitempty"`

	IdleTimeoutMs *int64          `json:"idleTimeout,omitempty"`
	Schedule      *ScheduleConfig `json:"schedule,omitempty"`
}

// ScheduleConfig is the wire form of a wakeup schedule.
type ScheduleConfig struct {
	Wakeup any    `json:"wakeup"`
	Prompt string `json:"prompt,omitempty"`
}

// CreateAgent registers a new agent, builds its worker and lifecycle
// controller, and records the session on disk.
func (d *Daemon) CreateAgent(in CreateAgentInput) (*agent.Config, error) {
	if in.Name == "" || in.Model == "" || in.System == "" {
		return nil, errors.New("name, model, and system are required")
	}

	d.mu.Lock()
	if _, ok := d.agents[in.Name]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateAgent, in.Name)
	}
	d.mu.Unlock()

	provider, err := d.newProvider(in.Backend)
	if err != nil {
		return nil, err
	}

	cfg := agent.Config{
		Name:      in.Name,
		Model:     in.Model,
		System:    in.System,
		Backend:   in.Backend,
		Workflow:  in.Workflow,
		Tag:       in.Tag,
		CreatedAt: time.Now(),
	}

	// an agent recreated in this daemon generation resumes its session
	restored, err := d.store.Load(in.Name)
	if err != nil {
		return nil, err
	}

	worker := agent.NewWorker(cfg, provider, agent.Options{
		AutoApprove: in.AutoApprove,
		Logger:      d.logger,
		State:       restored,
	})

	ctrl, err := d.buildController(cfg, worker, in)
	if err != nil {
		return nil, err
	}

	e := &entry{cfg: cfg, worker: worker, controller: ctrl, sessionID: uuid.NewString()}

	d.mu.Lock()
	if _, ok := d.agents[in.Name]; ok {
		d.mu.Unlock()
		ctrl.Stop()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateAgent, in.Name)
	}
	d.agents[in.Name] = e
	d.mu.Unlock()

	ctrl.Start()
	d.metrics.agents.Inc()

	info := registry.SessionInfo{
		ID:        e.sessionID,
		Name:      cfg.Name,
		Workflow:  cfg.Workflow,
		Tag:       cfg.Tag,
		Model:     cfg.Model,
		System:    cfg.System,
		Backend:   cfg.Backend,
		Addr:      fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port),
		PID:       os.Getpid(),
		CreatedAt: cfg.CreatedAt,
	}
	if in.IdleTimeoutMs != nil {
		info.IdleTimeout = in.IdleTimeoutMs
	}
	if in.Schedule != nil {
		info.Schedule = in.Schedule
	}
	if cfg.Workflow != "" {
		info.ContextDir = d.contextDir(cfg.Workflow, cfg.Tag)
	}
	if err := d.reg.Register(info); err != nil {
		d.logger.Warn("session registration failed", "agent", cfg.Name, "error", err)
	}

	d.logger.Info("agent created", "agent", cfg.Name, "model", cfg.Model, "backend", provider.Name())
	return &cfg, nil
}

func (d *Daemon) buildController(cfg agent.Config, worker *agent.Worker, in CreateAgentInput) (*lifecycle.Controller, error) {
	lcfg := lifecycle.Config{
		AgentName: cfg.Name,
		Sender:    agent.NewLocalHandle(worker),
		Logger:    d.logger,
		OnIdle:    func() { _ = d.DeleteAgent(cfg.Name) },
	}
	if in.IdleTimeoutMs != nil {
		idle := time.Duration(*in.IdleTimeoutMs) * time.Millisecond
		lcfg.IdleTimeout = &idle
	}
	if in.Schedule != nil {
		resolved, err := resolveSchedule(in.Schedule)
		if err != nil {
			return nil, err
		}
		lcfg.Schedule = resolved
	}
	if cfg.Workflow != "" {
		ctx, err := d.contextFor(cfg.Workflow, cfg.Tag)
		if err != nil {
			return nil, err
		}
		lcfg.Context = ctx
	}
	return lifecycle.NewController(lcfg), nil
}

// DeleteAgent stops the controller, persists final state, and removes
// the agent.
func (d *Daemon) DeleteAgent(name string) error {
	d.mu.Lock()
	e, ok := d.agents[name]
	if ok {
		delete(d.agents, name)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrAgentNotFound, name)
	}

	e.controller.Stop()
	if err := d.store.Save(name, e.worker.State()); err != nil {
		d.logger.Warn("final state save failed", "agent", name, "error", err)
	}
	if err := d.reg.Unregister(e.sessionID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		d.logger.Warn("session unregister failed", "agent", name, "error", err)
	}
	d.metrics.agents.Dec()
	d.logger.Info("agent deleted", "agent", name)
	return nil
}

// Agent returns one agent's entry.
func (d *Daemon) Agent(name string) (*entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.agents[name]
	return e, ok
}

// AgentNames returns all registered names, standalone and workflow.
func (d *Daemon) AgentNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.agents))
	for name := range d.agents {
		out = append(out, name)
	}
	return out
}

// Dispatch runs one synchronous turn and persists the state after it.
func (d *Daemon) Dispatch(e *entry, message string) (*agent.Response, error) {
	e.controller.BeginRequest()
	defer e.controller.EndRequest()

	start := time.Now()
	resp, err := e.worker.Send(context.Background(), message, nil)
	d.observeTurn(e.cfg.Name, start, resp, err)
	if err != nil {
		return nil, err
	}
	d.saveState(e)
	return resp, nil
}

// DispatchStream runs one streaming turn. The caller consumes the
// channel; state persists once the final event has been produced.
func (d *Daemon) DispatchStream(e *entry, message string) <-chan agent.StreamEvent {
	e.controller.BeginRequest()
	start := time.Now()

	in := e.worker.SendStream(context.Background(), message, nil)
	out := make(chan agent.StreamEvent, 16)
	go func() {
		defer close(out)
		defer e.controller.EndRequest()
		for ev := range in {
			if ev.Response != nil {
				d.observeTurn(e.cfg.Name, start, ev.Response, nil)
				d.saveState(e)
			} else if ev.Err != nil {
				d.observeTurn(e.cfg.Name, start, nil, ev.Err)
			}
			out <- ev
		}
	}()
	return out
}

func (d *Daemon) saveState(e *entry) {
	if err := d.store.Save(e.cfg.Name, e.worker.State()); err != nil {
		d.logger.Warn("state save failed", "agent", e.cfg.Name, "error", err)
	}
}

func (d *Daemon) contextDir(workflow, tag string) string {
	if tag == "" {
		tag = "main"
	}
	return filepath.Join(d.reg.Root(), "contexts", workflow, tag)
}

// contextFor opens (or reuses) the shared context for a workflow/tag.
func (d *Daemon) contextFor(workflow, tag string) (*team.Context, error) {
	dir := d.contextDir(workflow, tag)

	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx, ok := d.contexts[dir]; ok {
		return ctx, nil
	}
	ctx, err := team.NewContext(dir)
	if err != nil {
		return nil, err
	}
	d.contexts[dir] = ctx
	d.proposals[dir] = team.NewProposalManager()
	return ctx, nil
}

// mcpServerFor returns the cached per-agent MCP transport, creating it
// on first use. The member list is resolved per call, not frozen here.
func (d *Daemon) mcpServerFor(agentName string) (*mcphttp.StreamableHTTPServer, error) {
	d.mu.Lock()
	if srv, ok := d.mcp[agentName]; ok {
		d.mu.Unlock()
		return srv, nil
	}
	var workflow, tag string
	if e, ok := d.agents[agentName]; ok {
		workflow, tag = e.cfg.Workflow, e.cfg.Tag
	}
	d.mu.Unlock()

	if workflow == "" {
		workflow, tag = "default", "main"
	}
	ctx, err := d.contextFor(workflow, tag)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if srv, ok := d.mcp[agentName]; ok {
		return srv, nil
	}
	srv := mcpserver.NewHTTPServer(mcpserver.Deps{
		Agent:     agentName,
		Members:   func() []string { return d.teamMembers(agentName) },
		Context:   ctx,
		Proposals: d.proposals[d.contextDir(workflow, tag)],
		OnMention: d.wakeAgent,
		Logger:    d.logger,
	})
	d.mcp[agentName] = srv
	return srv, nil
}

// teamMembers resolves the caller's current team: itself, "user", and
// every live agent sharing its workflow/tag.
func (d *Daemon) teamMembers(agentName string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var workflow, tag string
	if e, ok := d.agents[agentName]; ok {
		workflow, tag = e.cfg.Workflow, e.cfg.Tag
	}
	valid := map[string]bool{agentName: true, "user": true}
	if workflow != "" {
		for name, e := range d.agents {
			if e.cfg.Workflow == workflow && e.cfg.Tag == tag {
				valid[name] = true
			}
		}
	}
	out := make([]string, 0, len(valid))
	for name := range valid {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// wakeAgent nudges a mentioned agent's inbox processing without waiting
// for the next poll tick.
func (d *Daemon) wakeAgent(name string) {
	d.mu.Lock()
	e, ok := d.agents[name]
	d.mu.Unlock()
	if !ok {
		return
	}
	go e.controller.Poke()
}

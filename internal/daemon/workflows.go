package daemon

import (
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/agentd/internal/cron"
)

// ErrWorkflowNotFound is returned for unknown workflow name/tag pairs.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrDuplicateWorkflow is returned when a workflow name/tag is running.
var ErrDuplicateWorkflow = errors.New("workflow already running")

// WorkflowAgentSpec declares one member agent.
type WorkflowAgentSpec struct {
	Name          string          `json:"name"`
	Model         string          `json:"model"`
	System        string          `json:"system"`
	Backend       string          `json:"backend,omitempty"`
	AutoApprove   *bool           `json:"autoApprove,omitempty"`
	IdleTimeoutMs *int64          `json:"idleTimeout,omitempty"`
	Schedule      *ScheduleConfig `json:"schedule,omitempty"`
}

// WorkflowSpec is the POST /workflows body.
type WorkflowSpec struct {
	Name   string              `json:"name"`
	Tag    string              `json:"tag,omitempty"`
	Agents []WorkflowAgentSpec `json:"agents"`
}

// WorkflowHandle describes a running workflow.
type WorkflowHandle struct {
	Name       string    `json:"name"`
	Tag        string    `json:"tag"`
	Agents     []string  `json:"agents"`
	ContextDir string    `json:"contextDir"`
	StartedAt  time.Time `json:"startedAt"`
}

// WorkflowStatus is the GET /workflows view of one workflow with
// per-agent controller state.
type WorkflowStatus struct {
	WorkflowHandle
	AgentStates map[string]WorkflowAgentState `json:"agentStates"`
}

// WorkflowAgentState is the controller state of one member.
type WorkflowAgentState struct {
	Busy   bool   `json:"busy"`
	Health string `json:"health"`
}

func workflowKey(name, tag string) string { return name + "/" + tag }

// RunWorkflow starts every member agent with a lifecycle controller
// sharing one context directory. Creation is all-or-nothing: a failing
// member rolls back the ones already started.
func (d *Daemon) RunWorkflow(spec WorkflowSpec) (*WorkflowHandle, error) {
	if spec.Name == "" {
		return nil, errors.New("workflow name required")
	}
	if len(spec.Agents) == 0 {
		return nil, errors.New("workflow needs at least one agent")
	}
	tag := spec.Tag
	if tag == "" {
		tag = "main"
	}
	key := workflowKey(spec.Name, tag)

	d.mu.Lock()
	if _, ok := d.workflows[key]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateWorkflow, key)
	}
	d.mu.Unlock()

	var started []string
	for _, a := range spec.Agents {
		_, err := d.CreateAgent(CreateAgentInput{
			Name:          a.Name,
			Model:         a.Model,
			System:        a.System,
			Backend:       a.Backend,
			Workflow:      spec.Name,
			Tag:           tag,
			AutoApprove:   a.AutoApprove,
			IdleTimeoutMs: a.IdleTimeoutMs,
			Schedule:      a.Schedule,
		})
		if err != nil {
			for _, name := range started {
				_ = d.DeleteAgent(name)
			}
			return nil, fmt.Errorf("start agent %q: %w", a.Name, err)
		}
		started = append(started, a.Name)
	}

	h := &WorkflowHandle{
		Name:       spec.Name,
		Tag:        tag,
		Agents:     started,
		ContextDir: d.contextDir(spec.Name, tag),
		StartedAt:  time.Now(),
	}

	d.mu.Lock()
	d.workflows[key] = h
	d.mu.Unlock()

	d.logger.Info("workflow started", "workflow", spec.Name, "tag", tag, "agents", len(started))
	return h, nil
}

// StopWorkflow stops all member controllers and removes the handle.
func (d *Daemon) StopWorkflow(name, tag string) error {
	if tag == "" {
		tag = "main"
	}
	key := workflowKey(name, tag)

	d.mu.Lock()
	h, ok := d.workflows[key]
	if ok {
		delete(d.workflows, key)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, key)
	}

	for _, agentName := range h.Agents {
		if err := d.DeleteAgent(agentName); err != nil && !errors.Is(err, ErrAgentNotFound) {
			d.logger.Warn("workflow member stop failed", "agent", agentName, "error", err)
		}
	}
	d.logger.Info("workflow stopped", "workflow", name, "tag", tag)
	return nil
}

// Workflows lists running workflows with per-agent controller state.
func (d *Daemon) Workflows() []WorkflowStatus {
	d.mu.Lock()
	handles := make([]*WorkflowHandle, 0, len(d.workflows))
	for _, h := range d.workflows {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	out := make([]WorkflowStatus, 0, len(handles))
	for _, h := range handles {
		st := WorkflowStatus{WorkflowHandle: *h, AgentStates: make(map[string]WorkflowAgentState)}
		for _, name := range h.Agents {
			if e, ok := d.Agent(name); ok {
				st.AgentStates[name] = WorkflowAgentState{
					Busy:   e.controller.Busy(),
					Health: string(e.worker.Health().Status()),
				}
			}
		}
		out = append(out, st)
	}
	return out
}

func resolveSchedule(sc *ScheduleConfig) (*cron.Resolved, error) {
	if sc == nil {
		return nil, nil
	}
	return cron.Resolve(sc.Wakeup, sc.Prompt)
}

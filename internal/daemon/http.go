package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/agentd/internal/classify"
	"github.com/haasonsaas/agentd/internal/mcpserver"
	"github.com/haasonsaas/agentd/internal/registry"
)

// shutdownGrace bounds how long pending requests may settle during
// graceful shutdown.
const shutdownGrace = 10 * time.Second

// envelope is the JSON shape for control responses.
type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Handler builds the control-plane routes.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("POST /shutdown", d.handleShutdown)

	mux.HandleFunc("GET /agents", d.handleListAgents)
	mux.HandleFunc("POST /agents", d.handleCreateAgent)
	mux.HandleFunc("GET /agents/{name}", d.handleGetAgent)
	mux.HandleFunc("DELETE /agents/{name}", d.handleDeleteAgent)
	mux.HandleFunc("GET /agents/{name}/health", d.handleAgentHealth)
	mux.HandleFunc("GET /agents/{name}/state", d.handleAgentState)
	mux.HandleFunc("GET /agents/{name}/approvals", d.handleListApprovals)
	mux.HandleFunc("POST /agents/{name}/approvals/{id}/approve", d.handleApprove)
	mux.HandleFunc("POST /agents/{name}/approvals/{id}/deny", d.handleDeny)

	mux.HandleFunc("POST /serve", d.handleServe)
	mux.HandleFunc("POST /run", d.handleRun)

	mux.HandleFunc("POST /workflows", d.handleCreateWorkflow)
	mux.HandleFunc("GET /workflows", d.handleListWorkflows)
	mux.HandleFunc("DELETE /workflows/{name}", d.handleDeleteWorkflow)
	mux.HandleFunc("DELETE /workflows/{name}/{tag}", d.handleDeleteWorkflow)

	mux.HandleFunc("/mcp", d.handleMCP)

	mux.Handle("GET /metrics", promhttp.HandlerFor(d.metrics.registry, promhttp.HandlerOpts{}))

	return d.withAuth(d.withAccounting(mux))
}

// withAuth short-circuits with 401 before any other processing when a
// token is configured.
func (d *Daemon) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.Token != "" {
			if r.Header.Get("Authorization") != "Bearer "+d.cfg.Token {
				writeJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "Unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (d *Daemon) withAccounting(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.pendingHTTP.Add(1)
		defer d.pendingHTTP.Add(-1)

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		d.metrics.httpRequests.WithLabelValues(r.Method+" "+r.URL.Path, fmt.Sprintf("%d", rec.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	ready := d.ready
	agents := len(d.agents)
	workflows := len(d.workflows)
	d.mu.Unlock()

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Error: "daemon not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"pid":       os.Getpid(),
		"port":      d.cfg.Port,
		"uptime":    time.Since(d.startedAt).Milliseconds(),
		"agents":    agents,
		"workflows": workflows,
	})
}

func (d *Daemon) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true})
	d.TriggerShutdown()
}

// TriggerShutdown schedules graceful shutdown. Safe to call repeatedly.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

func (d *Daemon) handleListAgents(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	out := make([]any, 0, len(d.agents))
	for _, e := range d.agents {
		out = append(out, map[string]any{
			"name":      e.cfg.Name,
			"model":     e.cfg.Model,
			"backend":   e.cfg.Backend,
			"workflow":  e.cfg.Workflow,
			"tag":       e.cfg.Tag,
			"createdAt": e.cfg.CreatedAt,
			"busy":      e.controller.Busy(),
			"health":    e.worker.Health().Status(),
		})
	}
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: out})
}

func (d *Daemon) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var in CreateAgentInput
	if !decodeBody(w, r, &in) {
		return
	}
	cfg, err := d.CreateAgent(in)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateAgent):
			writeJSON(w, http.StatusConflict, envelope{Success: false, Error: err.Error()})
		default:
			writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: cfg})
}

func (d *Daemon) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	e, ok := d.Agent(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"name":      e.cfg.Name,
		"model":     e.cfg.Model,
		"system":    e.cfg.System,
		"backend":   e.cfg.Backend,
		"workflow":  e.cfg.Workflow,
		"tag":       e.cfg.Tag,
		"createdAt": e.cfg.CreatedAt,
		"busy":      e.controller.Busy(),
		"health":    e.worker.Health().Snapshot(),
	}})
}

func (d *Daemon) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := d.DeleteAgent(r.PathValue("name")); err != nil {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (d *Daemon) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	e, ok := d.Agent(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: e.worker.Health().Snapshot()})
}

func (d *Daemon) handleAgentState(w http.ResponseWriter, r *http.Request) {
	e, ok := d.Agent(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: e.worker.State()})
}

func (d *Daemon) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	e, ok := d.Agent(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: e.worker.PendingApprovals()})
}

func (d *Daemon) handleApprove(w http.ResponseWriter, r *http.Request) {
	e, ok := d.Agent(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "agent not found"})
		return
	}
	result, err := e.worker.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: err.Error()})
		return
	}
	d.saveState(e)
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"result": result}})
}

func (d *Daemon) handleDeny(w http.ResponseWriter, r *http.Request) {
	e, ok := d.Agent(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "agent not found"})
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}
	if err := e.worker.Deny(r.PathValue("id"), body.Reason); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: err.Error()})
		return
	}
	d.saveState(e)
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

type dispatchRequest struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
}

func (d *Daemon) handleServe(w http.ResponseWriter, r *http.Request) {
	var in dispatchRequest
	if !decodeBody(w, r, &in) {
		return
	}
	e, ok := d.Agent(in.Agent)
	if !ok {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "agent not found"})
		return
	}

	resp, err := d.Dispatch(e, in.Message)
	if err != nil {
		writeTurnFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleRun(w http.ResponseWriter, r *http.Request) {
	var in dispatchRequest
	if !decodeBody(w, r, &in) {
		return
	}
	e, ok := d.Agent(in.Agent)
	if !ok {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "agent not found"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range d.DispatchStream(e, in.Message) {
		switch {
		case ev.Err != nil:
			ce := classify.Classify(ev.Err)
			writeSSE(w, flusher, "error", map[string]any{
				"error":      ce.Message,
				"errorClass": ce.Class,
				"retryable":  ce.Retryable,
			})
			return
		case ev.Response != nil:
			writeSSE(w, flusher, "done", ev.Response)
		default:
			writeSSE(w, flusher, "chunk", map[string]string{"text": ev.Text})
		}
	}
}

func (d *Daemon) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec WorkflowSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	h, err := d.RunWorkflow(spec)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrDuplicateWorkflow) {
			code = http.StatusConflict
		}
		writeJSON(w, code, envelope{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: h})
}

func (d *Daemon) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: d.Workflows()})
}

func (d *Daemon) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := d.StopWorkflow(r.PathValue("name"), r.PathValue("tag")); err != nil {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// handleMCP routes the session-scoped MCP transport. The first POST for
// a session names the caller via the agent query parameter; later
// requests carry the identity inside the session id.
func (d *Daemon) handleMCP(w http.ResponseWriter, r *http.Request) {
	agentName := ""
	if sid := r.Header.Get("Mcp-Session-Id"); sid != "" {
		name, ok := mcpserver.AgentFromSessionID(sid)
		if !ok {
			writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid session id"})
			return
		}
		agentName = name
	} else {
		agentName = r.URL.Query().Get("agent")
		if agentName == "" {
			agentName = "user"
		}
	}

	srv, err := d.mcpServerFor(agentName)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: err.Error()})
		return
	}
	srv.ServeHTTP(w, r)
}

// Run binds the listener, records the daemon, serves until shutdown is
// triggered or ctx is cancelled, then cleans up. A bind failure is
// returned to the caller (exit code 1 territory).
func (d *Daemon) Run(ctx context.Context) error {
	if info, running := d.reg.DaemonRunning(); running {
		return fmt.Errorf("another daemon is already running (pid %d, port %d)", info.PID, info.Port)
	}

	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	if d.cfg.Port == 0 {
		d.cfg.Port = ln.Addr().(*net.TCPAddr).Port
	}

	if err := d.reg.WriteDaemon(registry.DaemonInfo{
		PID:       os.Getpid(),
		Host:      d.cfg.Host,
		Port:      d.cfg.Port,
		StartedAt: d.startedAt,
		Token:     d.cfg.Token,
	}); err != nil {
		ln.Close()
		return fmt.Errorf("write daemon record: %w", err)
	}

	srv := &http.Server{Handler: d.Handler()}

	d.mu.Lock()
	d.ready = true
	d.mu.Unlock()
	d.logger.Info("daemon listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
	case <-d.shutdownCh:
	case err := <-errCh:
		d.cleanup()
		return err
	}

	d.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	d.waitForQuiescence(shutdownCtx)
	d.cleanup()
	return nil
}

func (d *Daemon) waitForQuiescence(ctx context.Context) {
	for d.pendingHTTP.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// cleanup is best-effort: unlink failures are swallowed.
func (d *Daemon) cleanup() {
	d.mu.Lock()
	names := make([]string, 0, len(d.agents))
	for name := range d.agents {
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		_ = d.DeleteAgent(name)
	}
	_ = d.reg.RemoveDaemon()
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "Invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeTurnFailure maps a failed turn to the error envelope with its
// classification attached.
func writeTurnFailure(w http.ResponseWriter, err error) {
	ce := classify.Classify(err)
	writeJSON(w, http.StatusInternalServerError, envelope{
		Success: false,
		Error:   ce.Message,
		Data: map[string]any{
			"errorClass": ce.Class,
			"retryable":  ce.Retryable,
		},
	})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, strings.ReplaceAll(string(data), "\n", ""))
	flusher.Flush()
}

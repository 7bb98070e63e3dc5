// Package registry manages the on-disk records under ~/.agent-worker:
// the live daemon record, one JSON file per session, and the optional
// default-session pointer. Only the owning daemon writes its own files;
// other processes read them to find and talk to running sessions.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// DirName is the registry directory under the user's home.
const DirName = ".agent-worker"

// DaemonInfo is the live daemon record written to daemon.json at startup
// and removed at shutdown.
type DaemonInfo struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt"`
	Token     string    `json:"token,omitempty"`
}

// SessionInfo is the per-session metadata file under sessions/<id>.json.
type SessionInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Workflow    string    `json:"workflow,omitempty"`
	Tag         string    `json:"tag,omitempty"`
	ContextDir  string    `json:"contextDir,omitempty"`
	Model       string    `json:"model,omitempty"`
	System      string    `json:"system,omitempty"`
	Backend     string    `json:"backend,omitempty"`
	Addr        string    `json:"addr,omitempty"`
	PID         int       `json:"pid"`
	CreatedAt   time.Time `json:"createdAt"`
	IdleTimeout *int64    `json:"idleTimeout,omitempty"`
	Schedule    any       `json:"schedule,omitempty"`
}

// ErrNotFound is returned when no session matches an id or name.
var ErrNotFound = errors.New("session not found")

// ErrAmbiguous is returned when an id prefix matches more than one session.
var ErrAmbiguous = errors.New("ambiguous session id prefix")

// Registry is rooted at a directory, normally ~/.agent-worker.
type Registry struct {
	root string
}

// New returns a registry rooted at dir. An empty dir resolves to
// $HOME/.agent-worker.
func New(dir string) (*Registry, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		dir = filepath.Join(home, DirName)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &Registry{root: dir}, nil
}

// Root returns the registry directory.
func (r *Registry) Root() string { return r.root }

func (r *Registry) daemonPath() string  { return filepath.Join(r.root, "daemon.json") }
func (r *Registry) defaultPath() string { return filepath.Join(r.root, "default") }
func (r *Registry) sessionsDir() string { return filepath.Join(r.root, "sessions") }

func (r *Registry) sessionPath(id string) string {
	return filepath.Join(r.sessionsDir(), id+".json")
}

// WriteDaemon records the running daemon.
func (r *Registry) WriteDaemon(info DaemonInfo) error {
	return writeJSON(r.daemonPath(), info)
}

// ReadDaemon returns the daemon record, or nil if none exists.
func (r *Registry) ReadDaemon() (*DaemonInfo, error) {
	var info DaemonInfo
	ok, err := readJSON(r.daemonPath(), &info)
	if err != nil || !ok {
		return nil, err
	}
	return &info, nil
}

// RemoveDaemon deletes the daemon record. Missing is not an error.
func (r *Registry) RemoveDaemon() error {
	err := os.Remove(r.daemonPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DaemonRunning reports whether a daemon record exists and its pid is alive.
// A stale record is removed.
func (r *Registry) DaemonRunning() (*DaemonInfo, bool) {
	info, err := r.ReadDaemon()
	if err != nil || info == nil {
		return nil, false
	}
	if !pidAlive(info.PID) {
		_ = r.RemoveDaemon()
		return nil, false
	}
	return info, true
}

// Register writes the session file. The first registered session becomes
// the default.
func (r *Registry) Register(info SessionInfo) error {
	if info.ID == "" {
		return errors.New("session id required")
	}
	if err := writeJSON(r.sessionPath(info.ID), info); err != nil {
		return err
	}
	if _, err := os.Stat(r.defaultPath()); os.IsNotExist(err) {
		return os.WriteFile(r.defaultPath(), []byte(info.ID), 0o644)
	}
	return nil
}

// Lookup resolves idOrName to a session: exact id first, then name scan,
// then a unique id prefix.
func (r *Registry) Lookup(idOrName string) (*SessionInfo, error) {
	var info SessionInfo
	ok, err := readJSON(r.sessionPath(idOrName), &info)
	if err != nil {
		return nil, err
	}
	if ok {
		return &info, nil
	}

	all, err := r.List()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Name == idOrName {
			return &all[i], nil
		}
	}

	var match *SessionInfo
	for i := range all {
		if strings.HasPrefix(all[i].ID, idOrName) {
			if match != nil {
				return nil, fmt.Errorf("%w: %q", ErrAmbiguous, idOrName)
			}
			match = &all[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, idOrName)
	}
	return match, nil
}

// Unregister deletes the session file for idOrName. If it was the default,
// another session is promoted, or the default file is removed when none
// remain.
func (r *Registry) Unregister(idOrName string) error {
	info, err := r.Lookup(idOrName)
	if err != nil {
		return err
	}
	if err := os.Remove(r.sessionPath(info.ID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	r.removeArtifacts(info.ID)

	def, _ := os.ReadFile(r.defaultPath())
	if strings.TrimSpace(string(def)) != info.ID {
		return nil
	}
	remaining, err := r.List()
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		err := os.Remove(r.defaultPath())
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return os.WriteFile(r.defaultPath(), []byte(remaining[0].ID), 0o644)
}

// List returns all registered sessions.
func (r *Registry) List() ([]SessionInfo, error) {
	entries, err := os.ReadDir(r.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []SessionInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var info SessionInfo
		ok, err := readJSON(filepath.Join(r.sessionsDir(), e.Name()), &info)
		if err != nil || !ok {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// DefaultID returns the default session id, or "" if none is set.
func (r *Registry) DefaultID() string {
	b, err := os.ReadFile(r.defaultPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// IsRunning checks session liveness with signal 0. Dead entries are
// cleaned up along with their pid/ready artifact files.
func (r *Registry) IsRunning(info *SessionInfo) bool {
	if info == nil {
		return false
	}
	if pidAlive(info.PID) {
		return true
	}
	_ = os.Remove(r.sessionPath(info.ID))
	r.removeArtifacts(info.ID)
	return false
}

// MarkReady writes the session's ready artifact.
func (r *Registry) MarkReady(id string) error {
	return os.WriteFile(r.readyPath(id), []byte("1"), 0o644)
}

// WaitForReady polls every 50ms until the session's ready file appears.
func (r *Registry) WaitForReady(idOrName string, timeout time.Duration) (*SessionInfo, error) {
	deadline := time.Now().Add(timeout)
	for {
		info, err := r.Lookup(idOrName)
		if err == nil {
			if _, serr := os.Stat(r.readyPath(info.ID)); serr == nil {
				return info, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("session %q not ready after %v", idOrName, timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// GenerateAutoName returns the first free short name a0..a9, b0..z9. When
// all 260 are taken it falls back to a random agent-<6 hex> name.
func (r *Registry) GenerateAutoName() string {
	taken := make(map[string]bool)
	all, _ := r.List()
	for _, s := range all {
		taken[s.Name] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		for d := '0'; d <= '9'; d++ {
			name := string(c) + string(d)
			if !taken[name] {
				return name
			}
		}
	}
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return "agent-" + hex.EncodeToString(b)
}

func (r *Registry) readyPath(id string) string {
	return filepath.Join(r.sessionsDir(), id+".ready")
}

func (r *Registry) removeArtifacts(id string) {
	os.Remove(filepath.Join(r.sessionsDir(), id+".pid"))
	os.Remove(r.readyPath(id))
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// Package team implements the shared context for a workflow: an
// append-only channel log, per-agent inbox cursors, team documents,
// opaque resources, and proposals. One context exists per (workflow,
// tag) pair, backed by a directory on disk.
package team

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Channel entry kinds.
const (
	KindMessage = "message"
	KindLog     = "log"
	KindSystem  = "system"
)

// DefaultDocument is the team document used when no file is named.
const DefaultDocument = "team.md"

// ChannelEntry is one line of the channel log. IDs are strictly
// increasing within a context directory.
type ChannelEntry struct {
	ID        int64     `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Resource is an opaque blob shared through the channel by reference.
type Resource struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// AppendOptions modify a channel write.
type AppendOptions struct {
	To   string // private DM recipient
	Kind string // message (default), log, or system
}

// ReadOptions filter a channel read.
type ReadOptions struct {
	Since int64  // return entries with ID > Since
	Limit int    // 0 means no limit
	Agent string // reader identity, applied to DM filtering
	Admin bool   // admin reads also see log/system entries
}

var mentionRe = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// ErrResourceNotFound is returned for unknown resource ids.
var ErrResourceNotFound = errors.New("resource not found")

// ErrDocumentExists is returned when creating a document that exists.
var ErrDocumentExists = errors.New("document already exists")

// Context is the on-disk shared context. Safe for concurrent use within
// one process; the daemon is the single writer for its directory.
type Context struct {
	mu     sync.Mutex
	dir    string
	nextID int64
}

// NewContext opens (or creates) the context rooted at dir.
func NewContext(dir string) (*Context, error) {
	for _, sub := range []string{"", "inbox", "resources"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create context dir: %w", err)
		}
	}
	c := &Context{dir: dir, nextID: 1}

	// resume the id sequence from the existing log
	entries, err := c.readAll()
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		c.nextID = entries[n-1].ID + 1
	}
	return c, nil
}

// Dir returns the context directory.
func (c *Context) Dir() string { return c.dir }

func (c *Context) channelPath() string { return filepath.Join(c.dir, "channel.log") }

func (c *Context) cursorPath(agent string) string {
	return filepath.Join(c.dir, "inbox", filepath.Base(agent)+".json")
}

// AppendChannel writes one entry. The write is a single append so no
// partial lines are observable.
func (c *Context) AppendChannel(from, content string, opts *AppendOptions) (*ChannelEntry, error) {
	kind := KindMessage
	to := ""
	if opts != nil {
		if opts.Kind != "" {
			kind = opts.Kind
		}
		to = opts.To
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &ChannelEntry{
		ID:        c.nextID,
		From:      from,
		To:        to,
		Kind:      kind,
		Content:   content,
		Mentions:  extractMentions(content),
		Timestamp: time.Now(),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(c.channelPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, err
	}

	c.nextID++
	return entry, nil
}

// ReadChannel returns entries matching opts. DMs to someone else are
// hidden, and log/system entries only appear on admin reads.
func (c *Context) ReadChannel(opts ReadOptions) ([]ChannelEntry, error) {
	c.mu.Lock()
	entries, err := c.readAll()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []ChannelEntry
	for _, e := range entries {
		if e.ID <= opts.Since {
			continue
		}
		if e.To != "" && e.To != opts.Agent {
			continue
		}
		if e.Kind != KindMessage && !opts.Admin {
			continue
		}
		out = append(out, e)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

// Inbox returns unacked message entries addressed to agent, either as a
// DM or by @mention. Reads are non-destructive until AckInbox.
func (c *Context) Inbox(agent string) ([]ChannelEntry, error) {
	cursor := c.readCursor(agent)

	c.mu.Lock()
	entries, err := c.readAll()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []ChannelEntry
	for _, e := range entries {
		if e.ID <= cursor || e.Kind != KindMessage || e.From == agent {
			continue
		}
		if e.To == agent || containsString(e.Mentions, agent) {
			out = append(out, e)
		}
	}
	return out, nil
}

// AckInbox advances the agent's cursor. It never moves backwards, so
// acked entries are never resurfaced.
func (c *Context) AckInbox(agent string, untilID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.readCursorLocked(agent)
	if untilID <= cur {
		return nil
	}
	data, err := json.Marshal(map[string]int64{"lastAckedId": untilID})
	if err != nil {
		return err
	}
	return os.WriteFile(c.cursorPath(agent), data, 0o644)
}

func (c *Context) readCursor(agent string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCursorLocked(agent)
}

func (c *Context) readCursorLocked(agent string) int64 {
	data, err := os.ReadFile(c.cursorPath(agent))
	if err != nil {
		return 0
	}
	var v struct {
		LastAckedID int64 `json:"lastAckedId"`
	}
	if json.Unmarshal(data, &v) != nil {
		return 0
	}
	return v.LastAckedID
}

// ReadDocument returns a team document; file defaults to team.md. A
// missing document reads as empty.
func (c *Context) ReadDocument(file string) (string, error) {
	data, err := os.ReadFile(c.docPath(file))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// WriteDocument replaces a team document.
func (c *Context) WriteDocument(content, file string) error {
	return os.WriteFile(c.docPath(file), []byte(content), 0o644)
}

// AppendDocument appends to a team document, creating it if needed.
func (c *Context) AppendDocument(content, file string) error {
	f, err := os.OpenFile(c.docPath(file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

// CreateDocument creates a new document, failing if it already exists.
func (c *Context) CreateDocument(file, content string) error {
	path := c.docPath(file)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrDocumentExists, filepath.Base(path))
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

// ListDocuments returns document names at the context root.
func (c *Context) ListDocuments() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == "channel.log" {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// CreateResource stores content and returns its opaque id and a
// shareable reference.
func (c *Context) CreateResource(content, createdBy, resType string) (*Resource, string, error) {
	if resType == "" {
		resType = "text"
	}
	res := &Resource{
		ID:        "res_" + uuid.NewString()[:8],
		Type:      resType,
		Content:   content,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(c.dir, "resources", res.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, "", err
	}
	return res, "resource://" + res.ID, nil
}

// ReadResource loads a resource by id.
func (c *Context) ReadResource(id string) (*Resource, error) {
	id = strings.TrimPrefix(id, "resource://")
	path := filepath.Join(c.dir, "resources", filepath.Base(id)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrResourceNotFound, id)
		}
		return nil, err
	}
	var res Resource
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Context) docPath(file string) string {
	if file == "" {
		file = DefaultDocument
	}
	return filepath.Join(c.dir, filepath.Base(file))
}

func (c *Context) readAll() ([]ChannelEntry, error) {
	f, err := os.Open(c.channelPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []ChannelEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e ChannelEntry
		if json.Unmarshal([]byte(line), &e) != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func extractMentions(content string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionRe.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

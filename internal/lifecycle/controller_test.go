package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/internal/cron"
	"github.com/haasonsaas/agentd/internal/team"
)

type fakeSender struct {
	mu       sync.Mutex
	prompts  []string
	reply    string
	failures int           // fail this many sends before succeeding
	block    chan struct{} // when set, Send waits until closed
}

func (f *fakeSender) Send(ctx context.Context, input string, opts *agent.SendOptions) (*agent.Response, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, input)
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if fail {
		return nil, errors.New("send failed")
	}
	return &agent.Response{Content: f.reply}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestIdleTimerFiresWhenIdle(t *testing.T) {
	idle := 30 * time.Millisecond
	fired := make(chan struct{}, 1)
	c := NewController(Config{
		AgentName:   "a",
		Sender:      &fakeSender{},
		IdleTimeout: &idle,
		OnIdle:      func() { fired <- struct{}{} },
	})
	c.Start()
	defer c.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("idle shutdown never fired")
	}
}

func TestIdleTimerResetByActivity(t *testing.T) {
	idle := 60 * time.Millisecond
	fired := make(chan struct{}, 1)
	c := NewController(Config{
		AgentName:   "a",
		Sender:      &fakeSender{},
		IdleTimeout: &idle,
		OnIdle:      func() { fired <- struct{}{} },
	})
	c.Start()
	defer c.Stop()

	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		c.BeginRequest()
		c.EndRequest()
		select {
		case <-fired:
			t.Fatal("idle fired despite activity")
		default:
		}
	}
}

func TestZeroIdleTimeoutDisablesShutdown(t *testing.T) {
	idle := time.Duration(0)
	fired := make(chan struct{}, 1)
	c := NewController(Config{
		AgentName:   "a",
		Sender:      &fakeSender{},
		IdleTimeout: &idle,
		OnIdle:      func() { fired <- struct{}{} },
	})
	c.Start()
	defer c.Stop()

	select {
	case <-fired:
		t.Fatal("idle fired with timeout disabled")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestIntervalWakeupSendsDefaultPrompt(t *testing.T) {
	idle := time.Duration(0)
	s := &fakeSender{}
	c := NewController(Config{
		AgentName:   "a",
		Sender:      s,
		IdleTimeout: &idle,
		Schedule:    &cron.Resolved{Kind: cron.KindInterval, Interval: 25 * time.Millisecond},
	})
	c.Start()
	defer c.Stop()

	waitFor(t, time.Second, func() bool { return len(s.sent()) >= 2 })
	for _, p := range s.sent() {
		if p != DefaultWakeupPrompt {
			t.Errorf("wakeup prompt = %q", p)
		}
	}
}

func TestIntervalWakeupResetByActivity(t *testing.T) {
	idle := time.Duration(0)
	s := &fakeSender{}
	c := NewController(Config{
		AgentName:   "a",
		Sender:      s,
		IdleTimeout: &idle,
		Schedule:    &cron.Resolved{Kind: cron.KindInterval, Interval: 60 * time.Millisecond, Prompt: "wake"},
	})
	c.Start()
	defer c.Stop()

	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		c.BeginRequest()
		c.EndRequest()
	}
	if got := s.sent(); len(got) != 0 {
		t.Errorf("wakeups fired despite activity: %v", got)
	}
}

func TestInboxPollProcessesPendingEntries(t *testing.T) {
	dir := t.TempDir()
	tc, err := team.NewContext(dir)
	if err != nil {
		t.Fatal(err)
	}
	tc.AppendChannel("alice", "hello @bob", nil)
	tc.AppendChannel("carol", "ping", &team.AppendOptions{To: "bob"})

	idle := time.Duration(0)
	s := &fakeSender{reply: "on it"}
	c := NewController(Config{
		AgentName:    "bob",
		Sender:       s,
		Context:      tc,
		IdleTimeout:  &idle,
		PollInterval: 20 * time.Millisecond,
	})
	c.Start()
	defer c.Stop()

	waitFor(t, time.Second, func() bool { return len(s.sent()) >= 1 })

	prompt := s.sent()[0]
	if !strings.Contains(prompt, "[alice]: hello @bob") || !strings.Contains(prompt, "[carol]: ping") {
		t.Errorf("inbox prompt = %q", prompt)
	}

	// inbox is acked, so nothing resurfaces
	waitFor(t, time.Second, func() bool {
		inbox, _ := tc.Inbox("bob")
		return len(inbox) == 0
	})

	// reply and system log landed on the channel
	entries, _ := tc.ReadChannel(team.ReadOptions{Agent: "bob", Admin: true})
	var sawLog, sawReply bool
	for _, e := range entries {
		if e.Kind == team.KindSystem && strings.Contains(e.Content, "read 2 message(s)") {
			sawLog = true
		}
		if e.From == "bob" && e.Content == "on it" {
			sawReply = true
		}
	}
	if !sawLog || !sawReply {
		t.Errorf("channel after inbox processing: log=%v reply=%v, entries=%+v", sawLog, sawReply, entries)
	}
}

func TestInboxNotAckedWhenSendFails(t *testing.T) {
	tc, err := team.NewContext(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tc.AppendChannel("alice", "task for @bob", nil)

	idle := time.Duration(0)
	s := &fakeSender{reply: "done", failures: 2}
	c := NewController(Config{
		AgentName:    "bob",
		Sender:       s,
		Context:      tc,
		IdleTimeout:  &idle,
		PollInterval: 15 * time.Millisecond,
	})
	c.Start()
	defer c.Stop()

	// the failed batch must resurface: a second attempt only happens if
	// the cursor did not advance after the first failure
	waitFor(t, time.Second, func() bool { return len(s.sent()) >= 2 })

	// once the sender recovers the batch is delivered and acked
	waitFor(t, time.Second, func() bool {
		inbox, _ := tc.Inbox("bob")
		return len(inbox) == 0
	})
	if got := s.sent(); len(got) < 3 {
		t.Fatalf("sends = %d, want at least 3 (two failures then success)", len(got))
	}
}

func TestInboxQueuedWhileBusyThenDrained(t *testing.T) {
	tc, err := team.NewContext(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tc.AppendChannel("alice", "task for @bob", nil)

	idle := time.Duration(0)
	s := &fakeSender{reply: "ack"}
	c := NewController(Config{
		AgentName:    "bob",
		Sender:       s,
		Context:      tc,
		IdleTimeout:  &idle,
		PollInterval: 15 * time.Millisecond,
	})
	c.Start()
	defer c.Stop()

	// hold the session busy long enough for a poll tick to queue
	c.BeginRequest()
	time.Sleep(50 * time.Millisecond)
	if len(s.sent()) != 0 {
		t.Fatal("inbox processed while busy")
	}
	c.EndRequest()

	waitFor(t, time.Second, func() bool { return len(s.sent()) >= 1 })
}

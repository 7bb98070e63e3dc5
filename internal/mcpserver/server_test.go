package mcpserver

import (
	"strings"
	"testing"
)

func TestAgentFromSessionID(t *testing.T) {
	cases := []struct {
		id    string
		agent string
		ok    bool
	}{
		{"planner-1a2b3c4d", "planner", true},
		{"a0-00ff00ff", "a0", true},
		{"multi-part-name-deadbeef", "multi-part-name", true},
		{"planner-XYZ12345", "", false}, // uppercase hex rejected
		{"planner-1a2b3c", "", false},   // too short
		{"deadbeef", "", false},         // no agent part
		{"", "", false},
	}
	for _, c := range cases {
		agent, ok := AgentFromSessionID(c.id)
		if ok != c.ok || agent != c.agent {
			t.Errorf("AgentFromSessionID(%q) = %q, %v; want %q, %v", c.id, agent, ok, c.agent, c.ok)
		}
	}
}

func TestSessionIDManagerRoundTrip(t *testing.T) {
	m := &agentSessionIDs{agent: "planner"}

	id := m.Generate()
	if !strings.HasPrefix(id, "planner-") {
		t.Fatalf("generated id = %q", id)
	}
	agent, ok := AgentFromSessionID(id)
	if !ok || agent != "planner" {
		t.Errorf("extracted agent = %q, %v", agent, ok)
	}
	if terminated, err := m.Validate(id); err != nil || terminated {
		t.Errorf("Validate(%q) = %v, %v", id, terminated, err)
	}
	if _, err := m.Validate("other-1a2b3c4d"); err == nil {
		t.Error("session id for a different agent should fail validation")
	}
}

func TestGeneratedIDsUnique(t *testing.T) {
	m := &agentSessionIDs{agent: "a"}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := m.Generate()
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

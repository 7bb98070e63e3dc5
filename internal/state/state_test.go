package state

import (
	"testing"
	"time"

	"github.com/haasonsaas/agentd/internal/agent"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()

	got, err := s.Load("missing")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("Load(missing) = %+v, want nil", got)
	}

	st := &agent.SessionState{
		ID:        "s1",
		CreatedAt: time.Now(),
		Messages: []agent.Message{
			{Role: agent.RoleUser, Content: "hi", Status: agent.StatusComplete},
		},
		TotalUsage: agent.TokenUsage{Input: 1, Output: 2, Total: 3},
	}
	if err := s.Save("a", st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err = s.Load("a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != "s1" || len(got.Messages) != 1 || got.TotalUsage.Total != 3 {
		t.Errorf("loaded = %+v", got)
	}

	// stored copy is isolated from caller mutations
	st.Messages[0].Content = "mutated"
	got, _ = s.Load("a")
	if got.Messages[0].Content != "hi" {
		t.Error("store shares backing array with caller")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	s.Save("a", &agent.SessionState{ID: "s1"})
	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ := s.Load("a")
	if got != nil {
		t.Errorf("Load after delete = %+v, want nil", got)
	}
	if err := s.Delete("a"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
}

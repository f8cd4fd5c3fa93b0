package core

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestSession_CloneIsIndependent(t *testing.T) {
	s := NewSession("agent-1")
	s.Context.Append(UserMessage("hi"))
	s.Context.SetVariable(Variable{Name: "city", Value: "Berlin", Confidence: 0.9})
	s.Context.Flow = &FlowPosition{FlowID: "f1", CurrentStep: "start", State: FlowActive}

	clone := s.Clone()
	if clone == s {
		t.Fatal("Clone should be a different pointer")
	}

	clone.Context.Append(AssistantMessage("hello"))
	clone.Context.SetVariable(Variable{Name: "name", Value: "Ada"})
	clone.Context.Flow.CurrentStep = "ask"

	if len(s.Context.Messages) != 1 {
		t.Errorf("original gained clone's message: %d", len(s.Context.Messages))
	}
	if _, ok := s.Context.Variable("name"); ok {
		t.Error("original gained clone's variable")
	}
	if s.Context.Flow.CurrentStep != "start" {
		t.Errorf("original flow step changed: %s", s.Context.Flow.CurrentStep)
	}
}

func TestSession_JSONRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	exited := now.Add(time.Minute)
	expires := now.Add(time.Hour)

	s := NewSession("agent-1")
	s.Status = StatusAwaitingInput
	s.ExpiresAt = &expires
	s.Context.Append(Message{ID: "m1", Role: RoleUser, Content: "book a table", CreatedAt: now})
	s.Context.SetVariable(Variable{
		Name: "guests", Value: "4", Confidence: 0.8,
		SourceMessageID: "m1", ExtractedAt: now,
	})
	s.Context.Flow = &FlowPosition{
		FlowID:      "booking",
		CurrentStep: "ask_time",
		State:       FlowActive,
		StartedAt:   now,
		History: []StepVisit{
			{StepID: "start", EnteredAt: now, ExitedAt: &exited},
			{StepID: "ask_time", EnteredAt: exited},
		},
	}

	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Session
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(*s, got) {
		t.Errorf("round trip mismatch:\n want %+v\n got  %+v", *s, got)
	}
}

func TestSession_Touch(t *testing.T) {
	s := NewSession("agent-1")
	s.Status = StatusIdle

	later := s.LastActivityAt.Add(time.Minute)
	s.Touch(later)

	if s.Status != StatusActive {
		t.Errorf("expected active after touch, got %s", s.Status)
	}
	if !s.LastActivityAt.Equal(later) {
		t.Errorf("LastActivityAt not updated: %v", s.LastActivityAt)
	}
}

func TestSession_IsExpired(t *testing.T) {
	s := NewSession("agent-1")
	now := s.CreatedAt

	if s.IsExpired(now.Add(30*time.Minute), time.Hour) {
		t.Error("expired before ttl elapsed")
	}
	s.LastActivityAt = now.Add(time.Hour) // activity does not extend the ttl
	if !s.IsExpired(now.Add(61*time.Minute), time.Hour) {
		t.Error("not expired after ttl elapsed")
	}

	soon := now.Add(time.Minute)
	s.ExpiresAt = &soon
	if !s.IsExpired(soon, time.Hour) {
		t.Error("explicit expiry at the exact instant should expire")
	}
}

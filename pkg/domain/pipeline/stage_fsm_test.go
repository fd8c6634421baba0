package pipeline

import (
	"testing"

	"github.com/felixgeelhaar/foreman/pkg/domain/workflow"
)

func TestStageMachine_ForwardSequence(t *testing.T) {
	m, err := NewStageMachine(workflow.StageBacklog)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{workflow.StageReady, workflow.StageInProgress, workflow.StageInReview}
	for _, stage := range want {
		if err := m.Advance(); err != nil {
			t.Fatalf("advance to %s: %v", stage, err)
		}
		if m.Current() != stage {
			t.Fatalf("expected %s, got %s", stage, m.Current())
		}
	}
	if !m.IsTerminal() {
		t.Error("machine should be terminal in In Review")
	}
	if err := m.Advance(); err == nil {
		t.Error("advancing past the terminal stage must fail")
	}
}

func TestStageMachine_CaseInsensitiveStart(t *testing.T) {
	m, err := NewStageMachine("in progress")
	if err != nil {
		t.Fatal(err)
	}
	if m.Current() != workflow.StageInProgress {
		t.Errorf("expected In Progress, got %s", m.Current())
	}
}

func TestStageMachine_UnknownStage(t *testing.T) {
	_, err := NewStageMachine("Shipping")
	if err == nil {
		t.Fatal("expected error for unknown stage")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

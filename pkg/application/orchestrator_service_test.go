package application_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/felixgeelhaar/foreman/pkg/application"
	"github.com/felixgeelhaar/foreman/pkg/domain/events"
	"github.com/felixgeelhaar/foreman/pkg/domain/pipeline"
	"github.com/felixgeelhaar/foreman/pkg/domain/tracker"
	"github.com/felixgeelhaar/foreman/pkg/domain/workflow"
)

func fastBackoff() retry.Config {
	return retry.Config{
		MaxAttempts:   4,
		InitialDelay:  time.Millisecond,
		BackoffPolicy: retry.BackoffExponential,
	}
}

func callIndex(calls []string, prefix string) int {
	for i, c := range calls {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func newOrchestrator(tc *MockTracker) (*application.OrchestratorService, *pipeline.Store, *pipeline.Guard, *MockNotifier) {
	states := pipeline.NewStore()
	guard := pipeline.NewGuard()
	notifier := &MockNotifier{}
	svc := application.NewOrchestratorService(tc, &MockConfigStore{}, states, guard, notifier, nil)
	svc.SetBackoff(fastBackoff())
	return svc, states, guard, notifier
}

func TestAssignAgentForStatus_WritesTableBeforeAssignment(t *testing.T) {
	tc := NewMockTracker()
	tc.Items[1] = &tracker.Item{ID: 1, Title: "Add search", Stage: workflow.StageBacklog}
	svc, states, _, _ := newOrchestrator(tc)

	item, _ := tc.GetItem(context.Background(), 1)
	if err := svc.AssignAgentForStatus(context.Background(), item, workflow.StageBacklog); err != nil {
		t.Fatalf("assign: %v", err)
	}

	calls := tc.Calls()
	bodyIdx := callIndex(calls, "UpdateItemBody(1)")
	assignIdx := callIndex(calls, "AssignActor(1,specify)")
	if bodyIdx == -1 || assignIdx == -1 {
		t.Fatalf("missing calls, got %v", calls)
	}
	if bodyIdx > assignIdx {
		t.Errorf("tracking table written after assignment: %v", calls)
	}
	if !strings.Contains(tc.Items[1].Body, "specify") {
		t.Errorf("tracking table missing from body: %q", tc.Items[1].Body)
	}
	st, ok := states.Get(1)
	if !ok || st.CurrentAgent != "specify" {
		t.Errorf("current agent = %q, want specify", st.CurrentAgent)
	}
}

func TestAssignAgentForStatus_SkipsCompletedAgents(t *testing.T) {
	tc := NewMockTracker()
	tc.Items[1] = &tracker.Item{ID: 1, Title: "Add search", Stage: workflow.StageReady}
	svc, states, _, _ := newOrchestrator(tc)
	states.Put(&pipeline.State{
		ItemID:          1,
		Stage:           workflow.StageReady,
		CompletedAgents: []string{"specify", "plan"},
		SubItems:        map[string]int{"plan": 11, "tasks": 12},
	})

	item, _ := tc.GetItem(context.Background(), 1)
	if err := svc.AssignAgentForStatus(context.Background(), item, workflow.StageReady); err != nil {
		t.Fatalf("assign: %v", err)
	}

	calls := tc.Calls()
	if callIndex(calls, "AssignActor(12,tasks)") == -1 {
		t.Errorf("expected tasks assigned on its sub-item, got %v", calls)
	}
	if callIndex(calls, "AssignActor(11,plan)") != -1 {
		t.Errorf("completed agent re-assigned: %v", calls)
	}
}

func TestAssignAgentForStatus_GuardConflictIsQuiet(t *testing.T) {
	tc := NewMockTracker()
	tc.Items[1] = &tracker.Item{ID: 1, Title: "Add search", Stage: workflow.StageBacklog}
	svc, _, guard, _ := newOrchestrator(tc)

	if !guard.TryAcquire(1, "specify") {
		t.Fatal("setup: guard acquire failed")
	}
	item, _ := tc.GetItem(context.Background(), 1)
	if err := svc.AssignAgentForStatus(context.Background(), item, workflow.StageBacklog); err != nil {
		t.Fatalf("conflict must not surface as an error, got %v", err)
	}
	if callIndex(tc.Calls(), "AssignActor(") != -1 {
		t.Errorf("assignment issued despite pending guard: %v", tc.Calls())
	}
}

func TestAssignAgentForStatus_ExhaustedRetriesAreTerminal(t *testing.T) {
	tc := NewMockTracker()
	tc.Items[1] = &tracker.Item{ID: 1, Title: "Add search", Stage: workflow.StageBacklog}
	tc.AssignErr = errors.New("boom")
	svc, states, guard, notifier := newOrchestrator(tc)

	item, _ := tc.GetItem(context.Background(), 1)
	err := svc.AssignAgentForStatus(context.Background(), item, workflow.StageBacklog)

	var terminal *pipeline.TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("want TerminalError, got %v", err)
	}
	if n := countCalls(tc.Calls(), "AssignActor(1,specify)"); n != 4 {
		t.Errorf("assignment attempts = %d, want 4 (first call plus three retries)", n)
	}
	if guard.Held(1, "specify") {
		t.Error("guard still held after terminal failure")
	}
	if !notifier.Has(events.TypePipelineFailed) {
		t.Error("no failure notification sent")
	}
	if st, _ := states.Get(1); st.CurrentAgent != "" {
		t.Errorf("current agent set despite failure: %q", st.CurrentAgent)
	}
}

func TestCreateAllSubIssues_AdoptsByTitlePrefix(t *testing.T) {
	tc := NewMockTracker()
	tc.Items[1] = &tracker.Item{ID: 1, Title: "Add search", Stage: workflow.StageBacklog}
	tc.SubItems[1] = []tracker.SubItemRef{{ID: 77, Title: "[plan] Add search"}}
	svc, states, _, _ := newOrchestrator(tc)

	item, _ := tc.GetItem(context.Background(), 1)
	if err := svc.CreateAllSubIssues(context.Background(), item); err != nil {
		t.Fatalf("create sub-issues: %v", err)
	}

	st, _ := states.Get(1)
	if st.SubItems["plan"] != 77 {
		t.Errorf("existing sub-item not adopted: %v", st.SubItems)
	}
	for _, agent := range []string{"specify", "tasks", "implement"} {
		if st.SubItems[agent] == 0 {
			t.Errorf("no sub-item created for %s: %v", agent, st.SubItems)
		}
	}
	if n := countCalls(tc.Calls(), "CreateSubItem("); n != 3 {
		t.Errorf("sub-items created = %d, want 3", n)
	}
	if !strings.Contains(tc.Items[1].Body, "| specify |") {
		t.Errorf("tracking table not seeded: %q", tc.Items[1].Body)
	}
}

func TestTransitionAfterStageComplete_NextAgentSameStage(t *testing.T) {
	tc := NewMockTracker()
	tc.Items[1] = &tracker.Item{ID: 1, Title: "Add search", Stage: workflow.StageReady}
	svc, states, _, _ := newOrchestrator(tc)
	states.Put(&pipeline.State{
		ItemID:          1,
		Stage:           workflow.StageReady,
		CompletedAgents: []string{"specify"},
		SubItems:        map[string]int{"plan": 11, "tasks": 12},
	})

	item, _ := tc.GetItem(context.Background(), 1)
	if err := svc.TransitionAfterStageComplete(context.Background(), item, "plan"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	calls := tc.Calls()
	if callIndex(calls, "UpdateItemStage(") != -1 {
		t.Errorf("stage changed mid sub-pipeline: %v", calls)
	}
	if callIndex(calls, "AssignActor(12,tasks)") == -1 {
		t.Errorf("next sub-step not assigned: %v", calls)
	}
}

func TestTransitionAfterStageComplete_AdvancesStage(t *testing.T) {
	tc := NewMockTracker()
	tc.Items[1] = &tracker.Item{ID: 1, Title: "Add search", Stage: workflow.StageBacklog}
	svc, states, _, _ := newOrchestrator(tc)
	states.Put(&pipeline.State{
		ItemID:   1,
		Stage:    workflow.StageBacklog,
		SubItems: map[string]int{"specify": 10, "plan": 11},
	})

	item, _ := tc.GetItem(context.Background(), 1)
	if err := svc.TransitionAfterStageComplete(context.Background(), item, "specify"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if tc.Items[1].Stage != workflow.StageReady {
		t.Errorf("stage = %q, want %q", tc.Items[1].Stage, workflow.StageReady)
	}
	if callIndex(tc.Calls(), "AssignActor(11,plan)") == -1 {
		t.Errorf("next stage's first agent not assigned: %v", tc.Calls())
	}
}

func TestTransitionAfterStageComplete_TerminalStopsAssigning(t *testing.T) {
	tc := NewMockTracker()
	tc.Items[1] = &tracker.Item{ID: 1, Title: "Add search", Stage: workflow.StageInProgress}
	svc, states, _, notifier := newOrchestrator(tc)
	states.Put(&pipeline.State{
		ItemID:          1,
		Stage:           workflow.StageInProgress,
		CompletedAgents: []string{"specify", "plan", "tasks"},
		SubItems:        map[string]int{"implement": 14},
	})

	item, _ := tc.GetItem(context.Background(), 1)
	if err := svc.TransitionAfterStageComplete(context.Background(), item, "implement"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if tc.Items[1].Stage != workflow.StageInReview {
		t.Errorf("stage = %q, want %q", tc.Items[1].Stage, workflow.StageInReview)
	}
	if callIndex(tc.Calls(), "AssignActor(") != -1 {
		t.Errorf("agent assigned in terminal stage: %v", tc.Calls())
	}
	st, _ := states.Get(1)
	if !st.Terminal {
		t.Error("state not marked terminal")
	}
	if !notifier.Has(events.TypePipelineCompleted) {
		t.Error("no completion notification sent")
	}
}

func TestFinalizeItem_MergesAndRequestsReview(t *testing.T) {
	tc := NewMockTracker()
	tc.Items[1] = &tracker.Item{ID: 1, Title: "Add search", Stage: workflow.StageInProgress}
	tc.PRs[70] = &tracker.PullRequest{ID: 70, HeadRef: "agent/implement"}
	tc.PRs[90] = &tracker.PullRequest{ID: 90, Draft: true, HeadRef: "foreman/1"}
	svc, states, _, _ := newOrchestrator(tc)
	states.Put(&pipeline.State{
		ItemID:     1,
		Stage:      workflow.StageInProgress,
		MainBranch: &pipeline.BranchRef{Name: "foreman/1", PullRequestID: 90},
		SubItems:   map[string]int{"implement": 14},
	})

	item, _ := tc.GetItem(context.Background(), 1)
	agentPR, _ := tc.GetPullRequest(context.Background(), 70)
	if err := svc.FinalizeItem(context.Background(), item, agentPR); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	calls := tc.Calls()
	for _, want := range []string{
		"MergePullRequest(70)",
		"DeleteBranch(agent/implement)",
		"MarkPullRequestReady(90)",
		"RequestReview(90,copilot)",
		"UpdateItemStage(1,In Review)",
	} {
		if callIndex(calls, want) == -1 {
			t.Errorf("missing %s in %v", want, calls)
		}
	}
	st, _ := states.Get(1)
	if !st.Terminal {
		t.Error("state not marked terminal")
	}
}

func TestFinalizeItem_SkipsMergedPullRequest(t *testing.T) {
	tc := NewMockTracker()
	tc.Items[1] = &tracker.Item{ID: 1, Title: "Add search", Stage: workflow.StageInProgress}
	tc.PRs[70] = &tracker.PullRequest{ID: 70, Merged: true, HeadRef: "agent/implement"}
	svc, states, _, _ := newOrchestrator(tc)
	states.Put(&pipeline.State{ItemID: 1, Stage: workflow.StageInProgress, SubItems: map[string]int{}})

	item, _ := tc.GetItem(context.Background(), 1)
	agentPR, _ := tc.GetPullRequest(context.Background(), 70)
	if err := svc.FinalizeItem(context.Background(), item, agentPR); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if callIndex(tc.Calls(), "MergePullRequest(") != -1 {
		t.Errorf("merged pull request merged again: %v", tc.Calls())
	}
}

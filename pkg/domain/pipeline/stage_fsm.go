package pipeline

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/statekit"

	"github.com/felixgeelhaar/foreman/pkg/domain/workflow"
)

// FSM state ids for statekit. Kept as untyped string constants for
// statekit.StateID compatibility; mapped to the canonical stage names via
// stageIDs below.
const (
	stateBacklog    = "backlog"
	stateReady      = "ready"
	stateInProgress = "in_progress"
	stateInReview   = "in_review"
)

// EventAdvance moves the pipeline to the next stage. There is no backward
// event on purpose: external backward moves are resynced, never replayed.
const EventAdvance = "advance"

var stageIDs = map[string]string{
	workflow.StageBacklog:    stateBacklog,
	workflow.StageReady:      stateReady,
	workflow.StageInProgress: stateInProgress,
	workflow.StageInReview:   stateInReview,
}

// StageMachine enforces the forward-only stage sequence
// Backlog -> Ready -> In Progress -> In Review.
type StageMachine struct {
	interpreter *statekit.Interpreter[struct{}]
}

// NewStageMachine builds a machine starting at the given stage. Stage names
// are folded case-insensitively; an unknown stage is a configuration error.
func NewStageMachine(stage string) (*StageMachine, error) {
	initial, err := stageID(stage)
	if err != nil {
		return nil, err
	}

	builder := statekit.NewMachine[struct{}]("stage-machine").
		WithInitial(statekit.StateID(initial)).
		WithContext(struct{}{})

	builder.State(stateBacklog).
		On(EventAdvance).Target(stateReady).
		Done()
	builder.State(stateReady).
		On(EventAdvance).Target(stateInProgress).
		Done()
	builder.State(stateInProgress).
		On(EventAdvance).Target(stateInReview).
		Done()
	builder.State(stateInReview).
		Done()

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build stage machine: %w", err)
	}

	interpreter := statekit.NewInterpreter(machine)
	interpreter.Start()

	return &StageMachine{interpreter: interpreter}, nil
}

// Advance moves to the next stage, failing in the terminal stage.
func (m *StageMachine) Advance() error {
	before := m.Current()
	m.interpreter.Send(statekit.Event{Type: statekit.EventType(EventAdvance)})
	if m.Current() == before {
		return fmt.Errorf("cannot advance past the %q stage", before)
	}
	return nil
}

// Current returns the canonical stage name for the machine's state.
func (m *StageMachine) Current() string {
	id := string(m.interpreter.State().Value)
	for name, sid := range stageIDs {
		if sid == id {
			return name
		}
	}
	return id
}

// IsTerminal reports whether the machine sits in the final stage.
func (m *StageMachine) IsTerminal() bool {
	return string(m.interpreter.State().Value) == stateInReview
}

func stageID(stage string) (string, error) {
	for name, id := range stageIDs {
		if strings.EqualFold(strings.TrimSpace(stage), name) {
			return id, nil
		}
	}
	return "", &ConfigurationError{Stage: stage, Detail: "not a known pipeline stage"}
}

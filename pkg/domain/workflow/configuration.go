// Package workflow holds the stage-to-agents mapping that drives the
// pipeline, plus the stage ordering the orchestrator walks.
package workflow

import (
	"context"
	"fmt"
	"strings"
)

// Canonical stage names. External column names may differ in casing; every
// lookup goes through EqualStage / AgentsFor which fold case.
const (
	StageBacklog    = "Backlog"
	StageReady      = "Ready"
	StageInProgress = "In Progress"
	StageInReview   = "In Review"
)

// Configuration maps each stage to its ordered list of agents. Order defines
// the stage sequence; the last entry is the terminal stage. Immutable during
// a poll cycle: callers receive a snapshot and never mutate it.
type Configuration struct {
	Stages   map[string][]string `yaml:"stages" json:"stages"`
	Order    []string            `yaml:"order" json:"order"`
	Reviewer string              `yaml:"reviewer" json:"reviewer"`
}

// Store persists configurations. Save must invalidate any cached copy.
type Store interface {
	Load(ctx context.Context) (*Configuration, error)
	Save(ctx context.Context, cfg *Configuration) error
}

// Default returns the stock four-stage pipeline.
func Default() *Configuration {
	return &Configuration{
		Stages: map[string][]string{
			StageBacklog:    {"specify"},
			StageReady:      {"plan", "tasks"},
			StageInProgress: {"implement"},
		},
		Order:    []string{StageBacklog, StageReady, StageInProgress, StageInReview},
		Reviewer: "copilot",
	}
}

// EqualStage compares stage names case-insensitively.
func EqualStage(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// AgentsFor returns the ordered agent list for a stage, folding case.
// A stage with no agents (e.g. the terminal stage) returns nil.
func (c *Configuration) AgentsFor(stage string) []string {
	for name, agents := range c.Stages {
		if EqualStage(name, stage) {
			return agents
		}
	}
	return nil
}

// StageAfter returns the stage following the given one in Order.
func (c *Configuration) StageAfter(stage string) (string, bool) {
	for i, name := range c.Order {
		if EqualStage(name, stage) && i+1 < len(c.Order) {
			return c.Order[i+1], true
		}
	}
	return "", false
}

// Terminal returns the last stage of the sequence.
func (c *Configuration) Terminal() string {
	if len(c.Order) == 0 {
		return ""
	}
	return c.Order[len(c.Order)-1]
}

// IsTerminal reports whether stage is the terminal stage.
func (c *Configuration) IsTerminal(stage string) bool {
	return EqualStage(stage, c.Terminal())
}

// AllAgents returns every configured agent in stage order. Duplicate names
// across stages are returned once, first occurrence wins.
func (c *Configuration) AllAgents() []string {
	seen := map[string]bool{}
	var out []string
	for _, stage := range c.Order {
		for _, a := range c.AgentsFor(stage) {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// Validate checks structural integrity: a non-empty stage order, no agents
// mapped to a stage missing from the order, no empty agent names.
func (c *Configuration) Validate() error {
	if len(c.Order) == 0 {
		return fmt.Errorf("workflow configuration has no stage order")
	}
	for name, agents := range c.Stages {
		found := false
		for _, s := range c.Order {
			if EqualStage(s, name) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("stage %q has agents but is not in the stage order", name)
		}
		for _, a := range agents {
			if strings.TrimSpace(a) == "" {
				return fmt.Errorf("stage %q contains an empty agent name", name)
			}
		}
	}
	return nil
}

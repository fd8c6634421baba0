package pipeline

import (
	"strings"
	"time"

	"github.com/felixgeelhaar/foreman/pkg/domain/tracker"
)

// Reconstruct rebuilds an item's pipeline state from durable tracker
// content alone: the tracking table in the body and the [agent] title
// prefixes of its sub-items. This is what makes a process restart safe:
// nothing pipeline-critical lives only in memory.
func Reconstruct(item *tracker.Item, subs []tracker.SubItemRef) *State {
	t := Parse(item.Body)

	s := &State{
		ItemID:     item.ID,
		Stage:      item.Stage,
		MainBranch: t.Main,
		SubItems:   make(map[string]int),
		// Reconstruction counts as observed progress; the recovery sweep
		// must not treat a fresh boot as a stall.
		LastProgress: time.Now(),
	}
	for _, e := range t.Entries {
		switch e.State {
		case EntryDone:
			if !s.Completed(e.Agent) {
				s.CompletedAgents = append(s.CompletedAgents, e.Agent)
			}
		case EntryActive:
			if s.CurrentAgent == "" {
				s.CurrentAgent = e.Agent
			}
		}
	}
	for _, sub := range subs {
		if agent := AgentFromTitle(sub.Title); agent != "" {
			s.SubItems[agent] = sub.ID
		}
	}
	return s
}

// SubItemTitle builds the canonical title for an agent's sub-item.
func SubItemTitle(agent, parentTitle string) string {
	return "[" + agent + "] " + parentTitle
}

// AgentFromTitle extracts the agent name from a sub-item title, or returns
// an empty string when the title does not carry the [agent] prefix.
func AgentFromTitle(title string) string {
	title = strings.TrimSpace(title)
	if !strings.HasPrefix(title, "[") {
		return ""
	}
	end := strings.Index(title, "]")
	if end <= 1 {
		return ""
	}
	return title[1:end]
}

// Package pipeline holds per-item pipeline state, the tracking-table codec
// and the stage machine. The tracking table embedded in the item body is the
// durable source of truth: everything in this package must survive a round
// trip through it.
package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EntryState is the recorded state of one agent in the tracking table.
type EntryState string

const (
	EntryPending EntryState = "pending"
	EntryActive  EntryState = "active"
	EntryDone    EntryState = "done"
)

// Entry is one row of the tracking table.
type Entry struct {
	Agent string
	State EntryState
}

// BranchRef identifies the integration branch the pipeline merges agent
// work into, together with its pull request and last known head commit.
type BranchRef struct {
	Name          string
	PullRequestID int
	HeadSHA       string
}

// Table is the decoded tracking block: one entry per configured agent plus
// the optional main-branch record.
type Table struct {
	Entries []Entry
	Main    *BranchRef
}

// Delimiters for the tracking block inside the item body. Everything
// outside the markers belongs to the user and is preserved byte-for-byte.
const (
	blockStart = "<!-- foreman:pipeline -->"
	blockEnd   = "<!-- /foreman:pipeline -->"
	mainPrefix = "<!-- foreman:main "
)

var stateSymbols = map[EntryState]string{
	EntryPending: "⬜",     // white square
	EntryActive:  "\U0001f504", // arrows
	EntryDone:    "✅",     // check mark
}

// BuildEntries derives the expected agent sequence for an item from the
// configured stage order. Every agent starts pending.
func BuildEntries(agents []string) []Entry {
	entries := make([]Entry, 0, len(agents))
	for _, a := range agents {
		entries = append(entries, Entry{Agent: a, State: EntryPending})
	}
	return entries
}

// Render produces the tracking block. Rendering is deterministic: the same
// table always yields the same bytes, so unchanged state never causes a
// body rewrite.
func Render(t Table) string {
	var b strings.Builder
	b.WriteString(blockStart)
	b.WriteString("\n| Agent | State |\n| --- | --- |\n")
	for _, e := range t.Entries {
		fmt.Fprintf(&b, "| %s | %s %s |\n", e.Agent, stateSymbols[e.State], e.State)
	}
	if t.Main != nil {
		fmt.Fprintf(&b, "%s%s %d %s -->\n", mainPrefix, t.Main.Name, t.Main.PullRequestID, t.Main.HeadSHA)
	}
	b.WriteString(blockEnd)
	return b.String()
}

// Parse extracts the tracking block from an item body. A missing or
// malformed block degrades to an empty table; Parse never fails hard, so a
// vandalized body costs pipeline state but not the poll cycle.
func Parse(body string) Table {
	start := strings.Index(body, blockStart)
	if start < 0 {
		return Table{}
	}
	rest := body[start+len(blockStart):]
	end := strings.Index(rest, blockEnd)
	if end < 0 {
		return Table{}
	}
	block := rest[:end]

	var t Table
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, mainPrefix) {
			t.Main = parseMain(line)
			continue
		}
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cells := splitRow(line)
		if len(cells) != 2 {
			continue
		}
		agent, state := cells[0], parseState(cells[1])
		if agent == "" || agent == "Agent" || state == "" {
			continue
		}
		t.Entries = append(t.Entries, Entry{Agent: agent, State: state})
	}
	return t
}

func splitRow(line string) []string {
	parts := strings.Split(strings.Trim(line, "|"), "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func parseState(cell string) EntryState {
	for state, symbol := range stateSymbols {
		if strings.Contains(cell, symbol) {
			return state
		}
	}
	// Hand-edited rows may drop the symbol. Accept the bare word, but only
	// as the whole trailing token so that words like "abandoned" do not
	// read as done.
	fields := strings.Fields(cell)
	if len(fields) == 0 {
		return ""
	}
	last := strings.ToLower(fields[len(fields)-1])
	for state := range stateSymbols {
		if last == string(state) {
			return state
		}
	}
	return ""
}

func parseMain(line string) *BranchRef {
	line = strings.TrimPrefix(line, mainPrefix)
	line = strings.TrimSuffix(line, "-->")
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil
	}
	pr, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil
	}
	ref := &BranchRef{Name: fields[0], PullRequestID: pr}
	if len(fields) > 2 {
		ref.HeadSHA = fields[2]
	}
	return ref
}

// CheckTable reports a tracking block that is present but unreadable: the
// markers exist yet no row parses. Parse still degrades such a body to an
// empty table; this lets callers surface the corruption instead of silently
// restarting the pipeline from scratch.
func CheckTable(itemID int, body string) error {
	if !strings.Contains(body, blockStart) {
		return nil
	}
	if t := Parse(body); len(t.Entries) == 0 && t.Main == nil {
		return &MalformedStateError{ItemID: itemID, Err: errors.New("tracking block present but no row parses")}
	}
	return nil
}

// MarkActive returns a copy of entries with the given agent set active.
// Any other active agent is left untouched; the orchestrator guarantees a
// single active agent per item.
func MarkActive(entries []Entry, agent string) []Entry {
	return mark(entries, agent, EntryActive)
}

// MarkDone returns a copy of entries with the given agent set done.
func MarkDone(entries []Entry, agent string) []Entry {
	return mark(entries, agent, EntryDone)
}

func mark(entries []Entry, agent string, state EntryState) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	for i := range out {
		if out[i].Agent == agent {
			out[i].State = state
		}
	}
	return out
}

// Upsert replaces the tracking block inside body, or appends one if the
// body has none. User-authored text around the block is preserved.
func Upsert(body string, t Table) string {
	rendered := Render(t)
	start := strings.Index(body, blockStart)
	if start < 0 {
		if strings.TrimSpace(body) == "" {
			return rendered
		}
		return strings.TrimRight(body, "\n") + "\n\n" + rendered
	}
	rest := body[start+len(blockStart):]
	end := strings.Index(rest, blockEnd)
	if end < 0 {
		// Opening marker without a close: rewrite from the marker on.
		return body[:start] + rendered
	}
	tail := rest[end+len(blockEnd):]
	return body[:start] + rendered + tail
}

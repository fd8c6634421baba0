package pipeline

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: network, timeout, rate
// limit, or a merge the tracker rejected this instant. A later tick retries.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// ConflictError signals an assignment that must not happen: the agent is
// already pending or already completed. Logged and skipped, never retried.
type ConflictError struct {
	ItemID int
	Agent  string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("assignment conflict for item %d agent %s: %s", e.ItemID, e.Agent, e.Reason)
}

// MalformedStateError wraps a tracking-table parse problem. The codec itself
// degrades to empty state; this error exists for callers that need to tell
// "no table" apart from "table present but unreadable".
type MalformedStateError struct {
	ItemID int
	Err    error
}

func (e *MalformedStateError) Error() string {
	return fmt.Sprintf("malformed pipeline state on item %d: %v", e.ItemID, e.Err)
}

func (e *MalformedStateError) Unwrap() error { return e.Err }

// ConfigurationError signals an unknown stage or agent in the workflow
// mapping. The item is held at its current stage and the operator notified.
type ConfigurationError struct {
	Stage  string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("workflow configuration error for stage %q: %s", e.Stage, e.Detail)
}

// TerminalError signals exhausted retries. The pipeline stays where it is
// and a human has to look at it.
type TerminalError struct {
	ItemID int
	Agent  string
	Err    error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("giving up on item %d agent %s: %v", e.ItemID, e.Agent, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Package tracker defines the boundary to the external work-item tracker.
// The engine depends only on these types and the Client interface; the
// concrete hosting service lives in internal/infrastructure.
package tracker

import "time"

// Item is a tracked work item (an issue on the hosting service).
type Item struct {
	ID        int
	Title     string
	Body      string
	Stage     string
	Closed    bool
	Assignees []string
	Labels    []string
}

// SubItemRef points at a child item created for a single agent.
type SubItemRef struct {
	ID    int
	Title string
}

// PullRequest is the projection of a hosted pull request the engine cares
// about: draft state, branch refs and whether it already merged.
type PullRequest struct {
	ID      int
	NodeID  string
	Title   string
	Draft   bool
	Merged  bool
	Closed  bool
	HeadRef string
	HeadSHA string
	BaseRef string
	Author  string
}

// Comment is a comment on an item or sub-item.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// ChangedFile is one file touched by a pull request.
type ChangedFile struct {
	Path      string
	Additions int
	Deletions int
	Patch     string
}

// TimelineEvent is a recorded lifecycle event on an item. Cross-reference
// events carry the number of the referencing pull request in PullRequestID.
type TimelineEvent struct {
	Event         string
	Actor         string
	PullRequestID int
	CreatedAt     time.Time
}

// Timeline event names the completion detector interprets.
const (
	EventWorkFinished    = "copilot_work_finished"
	EventReviewRequested = "review_requested"
	EventReadyForReview  = "ready_for_review"
	EventCrossReferenced = "cross-referenced"
)

// CloseReason is passed when closing an item.
type CloseReason string

const (
	CloseCompleted  CloseReason = "completed"
	CloseNotPlanned CloseReason = "not_planned"
)

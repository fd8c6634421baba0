package tracker

import "context"

// Client is the typed surface of the external tracker. Implementations must
// retry idempotent reads transparently and bound every call with a timeout;
// a timed-out call is reported as a transient error, never swallowed.
type Client interface {
	GetItem(ctx context.Context, id int) (*Item, error)
	ListOpenItems(ctx context.Context) ([]Item, error)
	UpdateItemStage(ctx context.Context, id int, stage string) error
	UpdateItemBody(ctx context.Context, id int, body string) error
	CloseItem(ctx context.Context, id int, reason CloseReason) error

	PostComment(ctx context.Context, itemID int, text string) error
	ListComments(ctx context.Context, itemID int) ([]Comment, error)
	GetTimelineEvents(ctx context.Context, itemID int) ([]TimelineEvent, error)

	CreateSubItem(ctx context.Context, parentID int, title, body string) (int, error)
	ListSubItems(ctx context.Context, parentID int) ([]SubItemRef, error)

	AssignActor(ctx context.Context, itemID int, actor string) error

	GetPullRequest(ctx context.Context, id int) (*PullRequest, error)
	GetChangedFiles(ctx context.Context, prID int) ([]ChangedFile, error)
	GetFileContent(ctx context.Context, ref, path string) (string, error)
	MergePullRequest(ctx context.Context, prID int) error
	DeleteBranch(ctx context.Context, name string) error
	MarkPullRequestReady(ctx context.Context, prID int) error
	RequestReview(ctx context.Context, prID int, reviewer string) error
}

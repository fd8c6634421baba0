package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felixgeelhaar/foreman/pkg/domain/events"
	"github.com/felixgeelhaar/foreman/pkg/domain/pipeline"
	"github.com/felixgeelhaar/foreman/pkg/domain/tracker"
)

// DoneMarker is the literal completion comment an agent (or the engine on
// its behalf) leaves on the agent's sub-item.
func DoneMarker(agent string) string {
	return agent + ": Done!"
}

// CompletionService decides whether the active agent finished its turn and
// runs the merge / artifact / close / table-update sequence when it did.
type CompletionService struct {
	tracker  tracker.Client
	states   *pipeline.Store
	notifier events.Notifier
	logger   *slog.Logger

	// settle is the pause between merging and reading file contents;
	// tracker reads are not read-after-write consistent.
	settle       time.Duration
	maxArtifacts int
	maxBytes     int
}

func NewCompletionService(tc tracker.Client, states *pipeline.Store, notifier events.Notifier, logger *slog.Logger) *CompletionService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = events.LogNotifier{Logger: logger}
	}
	return &CompletionService{
		tracker:      tc,
		states:       states,
		notifier:     notifier,
		logger:       logger,
		settle:       5 * time.Second,
		maxArtifacts: 10,
		maxBytes:     60_000,
	}
}

// SetSettleDelay overrides the post-merge settle pause. Tests shrink it.
func (s *CompletionService) SetSettleDelay(d time.Duration) { s.settle = d }

// Detect evaluates the three completion signals for the item's active
// agent. The explicit Done! marker is authoritative. A timeline event for a
// finished turn counts on its own. A draft-to-ready flip is confirmatory
// only: it needs at least one changed file on the agent's branch, and for
// the final-stage agent it is never trusted alone, since an unassignment
// can flip draft state without any work having happened.
func (s *CompletionService) Detect(ctx context.Context, st *pipeline.State, agent string, finalAgent bool) (bool, error) {
	target := st.SubItemFor(agent)

	comments, err := s.tracker.ListComments(ctx, target)
	if err != nil {
		return false, &pipeline.TransientError{Op: "list comments", Err: err}
	}
	marker := DoneMarker(agent)
	for _, c := range comments {
		if strings.Contains(c.Body, marker) {
			return true, nil
		}
	}

	evs, err := s.tracker.GetTimelineEvents(ctx, target)
	if err != nil {
		return false, &pipeline.TransientError{Op: "list timeline events", Err: err}
	}
	for _, ev := range evs {
		if ev.Event == tracker.EventWorkFinished || ev.Event == tracker.EventReviewRequested {
			return true, nil
		}
	}

	pr, err := s.linkedPullRequest(ctx, evs)
	if err != nil {
		return false, err
	}
	if pr == nil || pr.Draft || pr.Merged || pr.Closed {
		return false, nil
	}
	if finalAgent {
		return false, nil
	}
	files, err := s.tracker.GetChangedFiles(ctx, pr.ID)
	if err != nil {
		return false, &pipeline.TransientError{Op: "list changed files", Err: err}
	}
	return len(files) > 0, nil
}

// LinkedPullRequest resolves the pull request referencing the agent's
// sub-item, if any.
func (s *CompletionService) LinkedPullRequest(ctx context.Context, st *pipeline.State, agent string) (*tracker.PullRequest, error) {
	evs, err := s.tracker.GetTimelineEvents(ctx, st.SubItemFor(agent))
	if err != nil {
		return nil, &pipeline.TransientError{Op: "list timeline events", Err: err}
	}
	return s.linkedPullRequest(ctx, evs)
}

func (s *CompletionService) linkedPullRequest(ctx context.Context, evs []tracker.TimelineEvent) (*tracker.PullRequest, error) {
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Event == tracker.EventCrossReferenced && evs[i].PullRequestID != 0 {
			pr, err := s.tracker.GetPullRequest(ctx, evs[i].PullRequestID)
			if err != nil {
				return nil, &pipeline.TransientError{Op: "get pull request", Err: err}
			}
			return pr, nil
		}
	}
	return nil, nil
}

// DiscoverMainBranch resolves the item's primary pull request and records
// its branch durably in the tracking table. The primary pull request is the
// earliest one cross-referenced on the item itself, which the first agent
// opens as a draft when work starts. A no-op once the branch is known or
// while no pull request references the item yet.
func (s *CompletionService) DiscoverMainBranch(ctx context.Context, item *tracker.Item, st *pipeline.State) error {
	if st.MainBranch != nil {
		return nil
	}
	evs, err := s.tracker.GetTimelineEvents(ctx, item.ID)
	if err != nil {
		return &pipeline.TransientError{Op: "list timeline events", Err: err}
	}
	var pr *tracker.PullRequest
	for _, ev := range evs {
		if ev.Event == tracker.EventCrossReferenced && ev.PullRequestID != 0 {
			pr, err = s.tracker.GetPullRequest(ctx, ev.PullRequestID)
			if err != nil {
				return &pipeline.TransientError{Op: "get pull request", Err: err}
			}
			break
		}
	}
	if pr == nil || pr.Closed {
		return nil
	}

	st.MainBranch = &pipeline.BranchRef{Name: pr.HeadRef, PullRequestID: pr.ID, HeadSHA: pr.HeadSHA}
	s.states.Put(st)
	s.logger.Info("main branch discovered", "item", item.ID, "branch", pr.HeadRef, "pr", pr.ID)

	t := pipeline.Parse(item.Body)
	t.Main = st.MainBranch
	body := pipeline.Upsert(item.Body, t)
	if body == item.Body {
		return nil
	}
	if err := s.tracker.UpdateItemBody(ctx, item.ID, body); err != nil {
		return &pipeline.TransientError{Op: "update tracking table", Err: err}
	}
	item.Body = body
	return nil
}

// CompleteAgent integrates a finished agent's work and records completion
// durably, in this order: merge the agent branch into the main branch,
// wait for the tracker to settle, post artifact files and the Done! marker
// on the sub-item, close the sub-item, then rewrite the parent tracking
// table. A merge failure aborts before any durable completion is written,
// so the next tick retries the whole sequence.
func (s *CompletionService) CompleteAgent(ctx context.Context, item *tracker.Item, st *pipeline.State, agent string) error {
	sub := st.SubItemFor(agent)

	pr, err := s.LinkedPullRequest(ctx, st, agent)
	if err != nil {
		return err
	}

	if pr != nil && !pr.Merged && st.MainBranch != nil {
		if err := s.tracker.MergePullRequest(ctx, pr.ID); err != nil {
			return &pipeline.TransientError{Op: "merge agent branch", Err: err}
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}

	if pr != nil {
		s.postArtifacts(ctx, sub, pr)
	}

	if err := s.tracker.PostComment(ctx, sub, DoneMarker(agent)); err != nil {
		return &pipeline.TransientError{Op: "post completion marker", Err: err}
	}
	if sub != item.ID {
		if err := s.tracker.CloseItem(ctx, sub, tracker.CloseCompleted); err != nil {
			return &pipeline.TransientError{Op: "close sub-item", Err: err}
		}
	}

	if err := s.recordDone(ctx, item, st, agent); err != nil {
		return err
	}

	st.MarkCompleted(agent)
	s.states.Put(st)
	s.logger.Info("agent completed", "item", item.ID, "agent", agent, "stage", st.Stage)
	s.notifier.Notify(ctx, events.LevelInfo, events.New(events.TypeAgentCompleted, item.ID, st.Stage, agent, "agent completed"))
	return nil
}

// postArtifacts copies generated files from the agent branch onto the
// sub-item as fenced comments, capped in count and size.
func (s *CompletionService) postArtifacts(ctx context.Context, sub int, pr *tracker.PullRequest) {
	files, err := s.tracker.GetChangedFiles(ctx, pr.ID)
	if err != nil {
		s.logger.Warn("artifact listing failed", "pr", pr.ID, "error", err)
		return
	}
	posted := 0
	for _, f := range files {
		if posted >= s.maxArtifacts {
			return
		}
		content, err := s.tracker.GetFileContent(ctx, pr.HeadRef, f.Path)
		if err != nil {
			s.logger.Warn("artifact read failed", "path", f.Path, "error", err)
			continue
		}
		if len(content) > s.maxBytes {
			content = content[:s.maxBytes] + "\n… truncated"
		}
		comment := fmt.Sprintf("**%s**\n\n```\n%s\n```", f.Path, content)
		if err := s.tracker.PostComment(ctx, sub, comment); err != nil {
			s.logger.Warn("artifact post failed", "path", f.Path, "error", err)
			continue
		}
		posted++
	}
}

// recordDone re-reads the parent item and rewrites its tracking table with
// the agent marked done. Reading fresh avoids clobbering edits made since
// this tick started.
func (s *CompletionService) recordDone(ctx context.Context, item *tracker.Item, st *pipeline.State, agent string) error {
	parent, err := s.tracker.GetItem(ctx, item.ID)
	if err != nil {
		return &pipeline.TransientError{Op: "refresh item", Err: err}
	}
	t := pipeline.Parse(parent.Body)
	t.Entries = pipeline.MarkDone(t.Entries, agent)
	t.Main = st.MainBranch
	body := pipeline.Upsert(parent.Body, t)
	if body == parent.Body {
		return nil
	}
	if err := s.tracker.UpdateItemBody(ctx, item.ID, body); err != nil {
		return &pipeline.TransientError{Op: "update tracking table", Err: err}
	}
	item.Body = body
	return nil
}

func (s *CompletionService) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.settle):
		return nil
	}
}

// Package github implements the tracker boundary against the GitHub API.
// Items are issues; the pipeline stage rides on a stage:<name> label and
// sub-items are issues labeled parent:<id>. Idempotent reads are retried
// transparently and every call carries a bounded timeout.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/felixgeelhaar/fortify/timeout"
	gh "github.com/google/go-github/v69/github"
	"golang.org/x/oauth2"

	"github.com/felixgeelhaar/foreman/pkg/domain/tracker"
)

const (
	stageLabelPrefix  = "stage:"
	parentLabelPrefix = "parent:"

	defaultCallTimeout = 30 * time.Second
	graphqlEndpoint    = "https://api.github.com/graphql"
)

// Client talks to one GitHub repository on behalf of the engine.
type Client struct {
	api         *gh.Client
	http        *http.Client
	owner       string
	repo        string
	readRetry   retry.Config
	callTimeout time.Duration
}

var _ tracker.Client = (*Client)(nil)

// NewClient builds a client for owner/repo authenticated with the token.
func NewClient(token, owner, repo string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	return &Client{
		api:   gh.NewClient(httpClient),
		http:  httpClient,
		owner: owner,
		repo:  repo,
		readRetry: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  500 * time.Millisecond,
			BackoffPolicy: retry.BackoffExponential,
		},
		callTimeout: defaultCallTimeout,
	}
}

// read wraps an idempotent call with retry and a bounded timeout.
func read[T any](ctx context.Context, c *Client, fn func(ctx context.Context) (T, error)) (T, error) {
	r := retry.New[T](c.readRetry)
	t := timeout.New[T](timeout.Config{DefaultTimeout: c.callTimeout})
	return t.Execute(ctx, c.callTimeout, func(ctx context.Context) (T, error) {
		return r.Do(ctx, fn)
	})
}

// write wraps a mutating call with a bounded timeout only; retries for
// writes belong to the orchestration layer.
func write(ctx context.Context, c *Client, fn func(ctx context.Context) error) error {
	t := timeout.New[struct{}](timeout.Config{DefaultTimeout: c.callTimeout})
	_, err := t.Execute(ctx, c.callTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (c *Client) GetItem(ctx context.Context, id int) (*tracker.Item, error) {
	return read(ctx, c, func(ctx context.Context) (*tracker.Item, error) {
		issue, _, err := c.api.Issues.Get(ctx, c.owner, c.repo, id)
		if err != nil {
			return nil, fmt.Errorf("get issue %d: %w", id, err)
		}
		return itemFromIssue(issue), nil
	})
}

func (c *Client) ListOpenItems(ctx context.Context) ([]tracker.Item, error) {
	return read(ctx, c, func(ctx context.Context) ([]tracker.Item, error) {
		opts := &gh.IssueListByRepoOptions{
			State:       "open",
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		var items []tracker.Item
		for {
			issues, resp, err := c.api.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
			if err != nil {
				return nil, fmt.Errorf("list open issues: %w", err)
			}
			for _, issue := range issues {
				if issue.IsPullRequest() {
					continue
				}
				item := itemFromIssue(issue)
				if item.Stage == "" || isSubItem(issue) {
					continue
				}
				items = append(items, *item)
			}
			if resp.NextPage == 0 {
				return items, nil
			}
			opts.Page = resp.NextPage
		}
	})
}

// UpdateItemStage swaps the stage:<name> label, leaving all other labels
// in place.
func (c *Client) UpdateItemStage(ctx context.Context, id int, stage string) error {
	return write(ctx, c, func(ctx context.Context) error {
		issue, _, err := c.api.Issues.Get(ctx, c.owner, c.repo, id)
		if err != nil {
			return fmt.Errorf("get issue %d: %w", id, err)
		}
		labels := []string{stageLabelPrefix + stage}
		for _, l := range issue.Labels {
			if !strings.HasPrefix(l.GetName(), stageLabelPrefix) {
				labels = append(labels, l.GetName())
			}
		}
		if _, _, err := c.api.Issues.ReplaceLabelsForIssue(ctx, c.owner, c.repo, id, labels); err != nil {
			return fmt.Errorf("replace labels on issue %d: %w", id, err)
		}
		return nil
	})
}

func (c *Client) UpdateItemBody(ctx context.Context, id int, body string) error {
	return write(ctx, c, func(ctx context.Context) error {
		_, _, err := c.api.Issues.Edit(ctx, c.owner, c.repo, id, &gh.IssueRequest{Body: gh.Ptr(body)})
		if err != nil {
			return fmt.Errorf("edit issue %d body: %w", id, err)
		}
		return nil
	})
}

func (c *Client) CloseItem(ctx context.Context, id int, reason tracker.CloseReason) error {
	return write(ctx, c, func(ctx context.Context) error {
		req := &gh.IssueRequest{
			State:       gh.Ptr("closed"),
			StateReason: gh.Ptr(string(reason)),
		}
		if _, _, err := c.api.Issues.Edit(ctx, c.owner, c.repo, id, req); err != nil {
			return fmt.Errorf("close issue %d: %w", id, err)
		}
		return nil
	})
}

func (c *Client) PostComment(ctx context.Context, itemID int, text string) error {
	return write(ctx, c, func(ctx context.Context) error {
		_, _, err := c.api.Issues.CreateComment(ctx, c.owner, c.repo, itemID, &gh.IssueComment{Body: gh.Ptr(text)})
		if err != nil {
			return fmt.Errorf("comment on issue %d: %w", itemID, err)
		}
		return nil
	})
}

func (c *Client) ListComments(ctx context.Context, itemID int) ([]tracker.Comment, error) {
	return read(ctx, c, func(ctx context.Context) ([]tracker.Comment, error) {
		opts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
		var comments []tracker.Comment
		for {
			page, resp, err := c.api.Issues.ListComments(ctx, c.owner, c.repo, itemID, opts)
			if err != nil {
				return nil, fmt.Errorf("list comments on issue %d: %w", itemID, err)
			}
			for _, cm := range page {
				comments = append(comments, tracker.Comment{
					ID:        cm.GetID(),
					Author:    cm.GetUser().GetLogin(),
					Body:      cm.GetBody(),
					CreatedAt: cm.GetCreatedAt().Time,
				})
			}
			if resp.NextPage == 0 {
				return comments, nil
			}
			opts.Page = resp.NextPage
		}
	})
}

func (c *Client) GetTimelineEvents(ctx context.Context, itemID int) ([]tracker.TimelineEvent, error) {
	return read(ctx, c, func(ctx context.Context) ([]tracker.TimelineEvent, error) {
		opts := &gh.ListOptions{PerPage: 100}
		var events []tracker.TimelineEvent
		for {
			page, resp, err := c.api.Issues.ListIssueTimeline(ctx, c.owner, c.repo, itemID, opts)
			if err != nil {
				return nil, fmt.Errorf("list timeline of issue %d: %w", itemID, err)
			}
			for _, ev := range page {
				te := tracker.TimelineEvent{
					Event:     ev.GetEvent(),
					Actor:     ev.GetActor().GetLogin(),
					CreatedAt: ev.GetCreatedAt().Time,
				}
				if te.Event == tracker.EventCrossReferenced {
					src := ev.GetSource()
					if src != nil && src.Issue != nil && src.Issue.IsPullRequest() {
						te.PullRequestID = src.Issue.GetNumber()
					}
				}
				events = append(events, te)
			}
			if resp.NextPage == 0 {
				return events, nil
			}
			opts.Page = resp.NextPage
		}
	})
}

func (c *Client) CreateSubItem(ctx context.Context, parentID int, title, body string) (int, error) {
	var id int
	err := write(ctx, c, func(ctx context.Context) error {
		req := &gh.IssueRequest{
			Title:  gh.Ptr(title),
			Body:   gh.Ptr(body),
			Labels: &[]string{fmt.Sprintf("%s%d", parentLabelPrefix, parentID)},
		}
		issue, _, err := c.api.Issues.Create(ctx, c.owner, c.repo, req)
		if err != nil {
			return fmt.Errorf("create sub-issue of %d: %w", parentID, err)
		}
		id = issue.GetNumber()
		return nil
	})
	return id, err
}

func (c *Client) ListSubItems(ctx context.Context, parentID int) ([]tracker.SubItemRef, error) {
	return read(ctx, c, func(ctx context.Context) ([]tracker.SubItemRef, error) {
		opts := &gh.IssueListByRepoOptions{
			State:       "all",
			Labels:      []string{fmt.Sprintf("%s%d", parentLabelPrefix, parentID)},
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		var subs []tracker.SubItemRef
		for {
			issues, resp, err := c.api.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
			if err != nil {
				return nil, fmt.Errorf("list sub-issues of %d: %w", parentID, err)
			}
			for _, issue := range issues {
				subs = append(subs, tracker.SubItemRef{ID: issue.GetNumber(), Title: issue.GetTitle()})
			}
			if resp.NextPage == 0 {
				return subs, nil
			}
			opts.Page = resp.NextPage
		}
	})
}

func (c *Client) AssignActor(ctx context.Context, itemID int, actor string) error {
	return write(ctx, c, func(ctx context.Context) error {
		_, _, err := c.api.Issues.AddAssignees(ctx, c.owner, c.repo, itemID, []string{actor})
		if err != nil {
			return fmt.Errorf("assign %s to issue %d: %w", actor, itemID, err)
		}
		return nil
	})
}

func (c *Client) GetPullRequest(ctx context.Context, id int) (*tracker.PullRequest, error) {
	return read(ctx, c, func(ctx context.Context) (*tracker.PullRequest, error) {
		pr, _, err := c.api.PullRequests.Get(ctx, c.owner, c.repo, id)
		if err != nil {
			return nil, fmt.Errorf("get pull request %d: %w", id, err)
		}
		return &tracker.PullRequest{
			ID:      pr.GetNumber(),
			NodeID:  pr.GetNodeID(),
			Title:   pr.GetTitle(),
			Draft:   pr.GetDraft(),
			Merged:  pr.GetMerged(),
			Closed:  pr.GetState() == "closed" && !pr.GetMerged(),
			HeadRef: pr.GetHead().GetRef(),
			HeadSHA: pr.GetHead().GetSHA(),
			BaseRef: pr.GetBase().GetRef(),
			Author:  pr.GetUser().GetLogin(),
		}, nil
	})
}

func (c *Client) GetChangedFiles(ctx context.Context, prID int) ([]tracker.ChangedFile, error) {
	return read(ctx, c, func(ctx context.Context) ([]tracker.ChangedFile, error) {
		opts := &gh.ListOptions{PerPage: 100}
		var files []tracker.ChangedFile
		for {
			page, resp, err := c.api.PullRequests.ListFiles(ctx, c.owner, c.repo, prID, opts)
			if err != nil {
				return nil, fmt.Errorf("list files of pull request %d: %w", prID, err)
			}
			for _, f := range page {
				files = append(files, tracker.ChangedFile{
					Path:      f.GetFilename(),
					Additions: f.GetAdditions(),
					Deletions: f.GetDeletions(),
					Patch:     f.GetPatch(),
				})
			}
			if resp.NextPage == 0 {
				return files, nil
			}
			opts.Page = resp.NextPage
		}
	})
}

func (c *Client) GetFileContent(ctx context.Context, ref, path string) (string, error) {
	return read(ctx, c, func(ctx context.Context) (string, error) {
		fc, _, _, err := c.api.Repositories.GetContents(ctx, c.owner, c.repo, path, &gh.RepositoryContentGetOptions{Ref: ref})
		if err != nil {
			return "", fmt.Errorf("read %s@%s: %w", path, ref, err)
		}
		if fc == nil {
			return "", fmt.Errorf("%s@%s is not a file", path, ref)
		}
		content, err := fc.GetContent()
		if err != nil {
			return "", fmt.Errorf("decode %s@%s: %w", path, ref, err)
		}
		return content, nil
	})
}

func (c *Client) MergePullRequest(ctx context.Context, prID int) error {
	return write(ctx, c, func(ctx context.Context) error {
		result, _, err := c.api.PullRequests.Merge(ctx, c.owner, c.repo, prID, "", nil)
		if err != nil {
			return fmt.Errorf("merge pull request %d: %w", prID, err)
		}
		if !result.GetMerged() {
			return fmt.Errorf("merge pull request %d: %s", prID, result.GetMessage())
		}
		return nil
	})
}

func (c *Client) DeleteBranch(ctx context.Context, name string) error {
	return write(ctx, c, func(ctx context.Context) error {
		if _, err := c.api.Git.DeleteRef(ctx, c.owner, c.repo, "heads/"+name); err != nil {
			return fmt.Errorf("delete branch %s: %w", name, err)
		}
		return nil
	})
}

// MarkPullRequestReady flips a draft pull request to ready. The REST API
// has no endpoint for this, so it goes through the GraphQL mutation.
func (c *Client) MarkPullRequestReady(ctx context.Context, prID int) error {
	return write(ctx, c, func(ctx context.Context) error {
		pr, _, err := c.api.PullRequests.Get(ctx, c.owner, c.repo, prID)
		if err != nil {
			return fmt.Errorf("get pull request %d: %w", prID, err)
		}
		if !pr.GetDraft() {
			return nil
		}
		return c.graphqlMutate(ctx,
			`mutation($id: ID!) { markPullRequestReadyForReview(input: {pullRequestId: $id}) { clientMutationId } }`,
			map[string]any{"id": pr.GetNodeID()})
	})
}

func (c *Client) RequestReview(ctx context.Context, prID int, reviewer string) error {
	return write(ctx, c, func(ctx context.Context) error {
		_, _, err := c.api.PullRequests.RequestReviewers(ctx, c.owner, c.repo, prID, gh.ReviewersRequest{Reviewers: []string{reviewer}})
		if err != nil {
			return fmt.Errorf("request review from %s on pull request %d: %w", reviewer, prID, err)
		}
		return nil
	})
}

func (c *Client) graphqlMutate(ctx context.Context, query string, variables map[string]any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return fmt.Errorf("encode graphql request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, graphqlEndpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graphql call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graphql call: unexpected status %s", resp.Status)
	}
	var result struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode graphql response: %w", err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("graphql call: %s", result.Errors[0].Message)
	}
	return nil
}

func itemFromIssue(issue *gh.Issue) *tracker.Item {
	item := &tracker.Item{
		ID:     issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		Closed: issue.GetState() == "closed",
	}
	for _, l := range issue.Labels {
		name := l.GetName()
		item.Labels = append(item.Labels, name)
		if strings.HasPrefix(name, stageLabelPrefix) {
			item.Stage = strings.TrimPrefix(name, stageLabelPrefix)
		}
	}
	for _, a := range issue.Assignees {
		item.Assignees = append(item.Assignees, a.GetLogin())
	}
	return item
}

func isSubItem(issue *gh.Issue) bool {
	for _, l := range issue.Labels {
		if strings.HasPrefix(l.GetName(), parentLabelPrefix) {
			return true
		}
	}
	return false
}

package application_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/foreman/pkg/domain/events"
	"github.com/felixgeelhaar/foreman/pkg/domain/tracker"
	"github.com/felixgeelhaar/foreman/pkg/domain/workflow"
)

// MockTracker is an in-memory tracker with a recorded call log, so tests
// can assert both effects and ordering.
type MockTracker struct {
	mu       sync.Mutex
	Items    map[int]*tracker.Item
	SubItems map[int][]tracker.SubItemRef
	Comments map[int][]tracker.Comment
	Timeline map[int][]tracker.TimelineEvent
	PRs      map[int]*tracker.PullRequest
	Files    map[int][]tracker.ChangedFile
	Contents map[string]string

	AssignErr error
	MergeErr  error
	ListErr   error

	// CommentGate, when set, pins ListComments calls until the test
	// releases them; CommentEntered reports each arrival.
	CommentGate    chan struct{}
	CommentEntered chan struct{}

	CallLog []string
	nextID  int
}

func NewMockTracker() *MockTracker {
	return &MockTracker{
		Items:    map[int]*tracker.Item{},
		SubItems: map[int][]tracker.SubItemRef{},
		Comments: map[int][]tracker.Comment{},
		Timeline: map[int][]tracker.TimelineEvent{},
		PRs:      map[int]*tracker.PullRequest{},
		Files:    map[int][]tracker.ChangedFile{},
		Contents: map[string]string{},
		nextID:   1000,
	}
}

func (m *MockTracker) log(format string, args ...any) {
	m.CallLog = append(m.CallLog, fmt.Sprintf(format, args...))
}

// Calls returns a snapshot of the call log.
func (m *MockTracker) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.CallLog))
	copy(out, m.CallLog)
	return out
}

func (m *MockTracker) GetItem(_ context.Context, id int) (*tracker.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("GetItem(%d)", id)
	item, ok := m.Items[id]
	if !ok {
		return nil, fmt.Errorf("item %d not found", id)
	}
	cp := *item
	return &cp, nil
}

func (m *MockTracker) ListOpenItems(_ context.Context) ([]tracker.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("ListOpenItems()")
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	// Stageless items are sub-items; the real adapter filters them out.
	var items []tracker.Item
	for _, item := range m.Items {
		if !item.Closed && item.Stage != "" {
			items = append(items, *item)
		}
	}
	return items, nil
}

func (m *MockTracker) UpdateItemStage(_ context.Context, id int, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("UpdateItemStage(%d,%s)", id, stage)
	if item, ok := m.Items[id]; ok {
		item.Stage = stage
	}
	return nil
}

func (m *MockTracker) UpdateItemBody(_ context.Context, id int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("UpdateItemBody(%d)", id)
	if item, ok := m.Items[id]; ok {
		item.Body = body
	}
	return nil
}

func (m *MockTracker) CloseItem(_ context.Context, id int, reason tracker.CloseReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("CloseItem(%d,%s)", id, reason)
	if item, ok := m.Items[id]; ok {
		item.Closed = true
	}
	return nil
}

func (m *MockTracker) PostComment(_ context.Context, itemID int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("PostComment(%d)", itemID)
	m.Comments[itemID] = append(m.Comments[itemID], tracker.Comment{Body: text})
	return nil
}

func (m *MockTracker) ListComments(_ context.Context, itemID int) ([]tracker.Comment, error) {
	// Block before taking the lock so other tracker calls stay serviceable
	// while the test holds this one open.
	if m.CommentGate != nil {
		m.CommentEntered <- struct{}{}
		<-m.CommentGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("ListComments(%d)", itemID)
	return append([]tracker.Comment(nil), m.Comments[itemID]...), nil
}

func (m *MockTracker) GetTimelineEvents(_ context.Context, itemID int) ([]tracker.TimelineEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("GetTimelineEvents(%d)", itemID)
	return append([]tracker.TimelineEvent(nil), m.Timeline[itemID]...), nil
}

func (m *MockTracker) CreateSubItem(_ context.Context, parentID int, title, body string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.log("CreateSubItem(%d,%s)", parentID, title)
	m.SubItems[parentID] = append(m.SubItems[parentID], tracker.SubItemRef{ID: id, Title: title})
	m.Items[id] = &tracker.Item{ID: id, Title: title, Body: body}
	return id, nil
}

func (m *MockTracker) ListSubItems(_ context.Context, parentID int) ([]tracker.SubItemRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("ListSubItems(%d)", parentID)
	return append([]tracker.SubItemRef(nil), m.SubItems[parentID]...), nil
}

func (m *MockTracker) AssignActor(_ context.Context, itemID int, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("AssignActor(%d,%s)", itemID, actor)
	if m.AssignErr != nil {
		return m.AssignErr
	}
	if item, ok := m.Items[itemID]; ok {
		item.Assignees = append(item.Assignees, actor)
	}
	return nil
}

func (m *MockTracker) GetPullRequest(_ context.Context, id int) (*tracker.PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("GetPullRequest(%d)", id)
	pr, ok := m.PRs[id]
	if !ok {
		return nil, fmt.Errorf("pull request %d not found", id)
	}
	cp := *pr
	return &cp, nil
}

func (m *MockTracker) GetChangedFiles(_ context.Context, prID int) ([]tracker.ChangedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("GetChangedFiles(%d)", prID)
	return append([]tracker.ChangedFile(nil), m.Files[prID]...), nil
}

func (m *MockTracker) GetFileContent(_ context.Context, ref, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("GetFileContent(%s,%s)", ref, path)
	content, ok := m.Contents[ref+":"+path]
	if !ok {
		return "", fmt.Errorf("no content for %s:%s", ref, path)
	}
	return content, nil
}

func (m *MockTracker) MergePullRequest(_ context.Context, prID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("MergePullRequest(%d)", prID)
	if m.MergeErr != nil {
		return m.MergeErr
	}
	if pr, ok := m.PRs[prID]; ok {
		pr.Merged = true
	}
	return nil
}

func (m *MockTracker) DeleteBranch(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("DeleteBranch(%s)", name)
	return nil
}

func (m *MockTracker) MarkPullRequestReady(_ context.Context, prID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("MarkPullRequestReady(%d)", prID)
	if pr, ok := m.PRs[prID]; ok {
		pr.Draft = false
	}
	return nil
}

func (m *MockTracker) RequestReview(_ context.Context, prID int, reviewer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("RequestReview(%d,%s)", prID, reviewer)
	return nil
}

// MockConfigStore serves a fixed configuration.
type MockConfigStore struct {
	Cfg       *workflow.Configuration
	LoadErr   error
	SaveCount int
}

func (m *MockConfigStore) Load(context.Context) (*workflow.Configuration, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.Cfg == nil {
		return workflow.Default(), nil
	}
	return m.Cfg, nil
}

func (m *MockConfigStore) Save(_ context.Context, cfg *workflow.Configuration) error {
	m.Cfg = cfg
	m.SaveCount++
	return nil
}

// MockNotifier records notifications.
type MockNotifier struct {
	mu     sync.Mutex
	Levels []events.Level
	Events []events.Event
}

func (m *MockNotifier) Notify(_ context.Context, level events.Level, event events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Levels = append(m.Levels, level)
	m.Events = append(m.Events, event)
}

func (m *MockNotifier) Has(t events.Type) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.Events {
		if e.Type == t {
			return true
		}
	}
	return false
}

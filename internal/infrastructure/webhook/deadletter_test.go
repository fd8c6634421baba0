package webhook

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/felixgeelhaar/foreman/pkg/domain/events"
)

func TestDeadLetterStore_AppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletters.jsonl")
	store := NewDeadLetterStore(path)

	for i, errMsg := range []string{"connection refused", "500 Internal Server Error"} {
		dl := events.DeadLetter{
			ID:        string(rune('a' + i)),
			URL:       "https://hooks.example.com/foreman",
			EventType: string(events.TypePipelineFailed),
			Payload:   `{"level":"error"}`,
			Error:     errMsg,
			Timestamp: time.Now().UTC(),
		}
		if err := store.Append(dl); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := store.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Error != "connection refused" || entries[1].Error != "500 Internal Server Error" {
		t.Errorf("entries out of order: %+v", entries)
	}
}

func TestDeadLetterStore_StampsIDAndTimestamp(t *testing.T) {
	// The path's parent does not exist yet; Append creates it.
	path := filepath.Join(t.TempDir(), "state", "deadletters.jsonl")
	store := NewDeadLetterStore(path)

	dl := events.DeadLetter{
		URL:       "https://hooks.example.com/foreman",
		EventType: string(events.TypeAgentCompleted),
		Error:     "connection refused",
	}
	if err := store.Append(dl); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := store.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].ID == "" {
		t.Error("ID not stamped")
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestDeadLetterStore_MissingFileIsEmpty(t *testing.T) {
	store := NewDeadLetterStore(filepath.Join(t.TempDir(), "absent.jsonl"))
	entries, err := store.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if entries != nil {
		t.Errorf("expected no entries, got %v", entries)
	}
}

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/foreman/pkg/domain/workflow"
)

func newTestStore(t *testing.T) *FilesystemStore {
	t.Helper()
	store := NewFilesystemStore(t.TempDir())
	if err := store.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return store
}

func TestFilesystemStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)

	cfg := &workflow.Configuration{
		Stages: map[string][]string{
			"Backlog":     {"specify"},
			"In Progress": {"implement"},
		},
		Order:    []string{"Backlog", "In Progress", "Done"},
		Reviewer: "copilot",
	}
	if err := store.Save(context.Background(), cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	store.Invalidate()
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Reviewer != "copilot" {
		t.Errorf("reviewer = %q, want copilot", loaded.Reviewer)
	}
	if len(loaded.Order) != 3 || loaded.Order[2] != "Done" {
		t.Errorf("order = %v", loaded.Order)
	}
	if got := loaded.Stages["In Progress"]; len(got) != 1 || got[0] != "implement" {
		t.Errorf("stages = %v", loaded.Stages)
	}
}

func TestFilesystemStore_MissingFileYieldsDefault(t *testing.T) {
	store := newTestStore(t)

	cfg, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := workflow.Default()
	if cfg.Reviewer != def.Reviewer {
		t.Errorf("reviewer = %q, want %q", cfg.Reviewer, def.Reviewer)
	}
	if len(cfg.Order) != len(def.Order) {
		t.Errorf("order = %v, want %v", cfg.Order, def.Order)
	}
}

func TestFilesystemStore_CacheServesUntilInvalidated(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(context.Background(), workflow.Default()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Load(context.Background()); err != nil {
		t.Fatalf("warm load: %v", err)
	}

	// Out-of-band edit; the cache must hide it until invalidated.
	path, err := store.WorkflowPath()
	if err != nil {
		t.Fatalf("workflow path: %v", err)
	}
	edited := workflow.Default()
	edited.Reviewer = "human"
	if err := writeYAML(path, edited); err != nil {
		t.Fatalf("edit file: %v", err)
	}

	cached, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("cached load: %v", err)
	}
	if cached.Reviewer != "copilot" {
		t.Errorf("cache bypassed, reviewer = %q", cached.Reviewer)
	}

	store.Invalidate()
	fresh, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("fresh load: %v", err)
	}
	if fresh.Reviewer != "human" {
		t.Errorf("invalidate did not force re-read, reviewer = %q", fresh.Reviewer)
	}
}

func TestFilesystemStore_RejectsInvalidConfiguration(t *testing.T) {
	store := newTestStore(t)

	bad := &workflow.Configuration{
		Stages: map[string][]string{"Backlog": {"specify"}},
		Order:  nil, // no stage order
	}
	if err := store.Save(context.Background(), bad); err == nil {
		t.Error("save accepted configuration without stage order")
	}
}

func TestFilesystemStore_RejectsMalformedFile(t *testing.T) {
	store := newTestStore(t)
	path, err := store.WorkflowPath()
	if err != nil {
		t.Fatalf("workflow path: %v", err)
	}
	if err := os.WriteFile(path, []byte("stages: [not, a, mapping]"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Load(context.Background()); err == nil {
		t.Error("load accepted malformed workflow file")
	}
}

func TestFilesystemStore_ResolvePathBlocksTraversal(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"../escape.yaml", "nested/workflow.yaml", ""} {
		if _, err := store.resolvePath(name); err == nil {
			t.Errorf("resolvePath(%q) accepted", name)
		}
	}
}

func TestFilesystemStore_SettingsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	settings, err := store.LoadSettings()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if settings.TokenEnv != "GITHUB_TOKEN" || settings.ItemConcurrency != 4 {
		t.Errorf("unexpected defaults: %+v", settings)
	}

	settings.Owner = "acme"
	settings.Repo = "widgets"
	settings.PollInterval = 30 * time.Second
	if err := store.SaveSettings(settings); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.LoadSettings()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Owner != "acme" || loaded.Repo != "widgets" {
		t.Errorf("round trip lost fields: %+v", loaded)
	}
	if loaded.PollInterval != 30*time.Second {
		t.Errorf("poll interval = %v, want 30s", loaded.PollInterval)
	}
}

func writeYAML(path string, cfg *workflow.Configuration) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func TestFilesystemStore_IsInitialized(t *testing.T) {
	root := t.TempDir()
	store := NewFilesystemStore(root)
	if store.IsInitialized() {
		t.Error("store initialized before Initialize")
	}
	if err := store.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !store.IsInitialized() {
		t.Error("store not initialized after Initialize")
	}
	if _, err := os.Stat(filepath.Join(root, ForemanDir)); err != nil {
		t.Errorf("workspace directory missing: %v", err)
	}
}

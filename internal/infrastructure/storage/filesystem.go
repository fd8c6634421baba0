// Package storage persists the engine's configuration under the .foreman
// workspace directory and fronts it with an in-memory cache.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/foreman/pkg/domain/events"
	"github.com/felixgeelhaar/foreman/pkg/domain/workflow"
)

const ForemanDir = ".foreman"
const WorkflowFile = "workflow.yaml"
const SettingsFile = "config.yaml"
const DeadLetterFile = "deadletters.jsonl"

// Settings is the serialized representation of config.yaml: everything the
// daemon needs besides the workflow mapping.
type Settings struct {
	Owner            string                   `yaml:"owner"`
	Repo             string                   `yaml:"repo"`
	TokenEnv         string                   `yaml:"token_env"`
	PollInterval     time.Duration            `yaml:"poll_interval"`
	ItemConcurrency  int                      `yaml:"item_concurrency"`
	WebhookEndpoints []events.WebhookEndpoint `yaml:"webhook_endpoints,omitempty"`
}

// FilesystemStore is the durable configuration store. Load serves from the
// cache when warm; Save writes through and replaces the cached copy, and
// Invalidate drops it (used by the config watcher on out-of-band edits).
type FilesystemStore struct {
	root        string
	retryConfig retry.Config

	mu     sync.Mutex
	cached *workflow.Configuration
}

var _ workflow.Store = (*FilesystemStore)(nil)

func NewFilesystemStore(root string) *FilesystemStore {
	return &FilesystemStore{
		root: root,
		retryConfig: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  10 * time.Millisecond,
			BackoffPolicy: retry.BackoffExponential,
		},
	}
}

// Root returns the workspace root directory.
func (s *FilesystemStore) Root() string {
	return s.root
}

// WorkflowPath returns the absolute path of the workflow file, for the
// config watcher.
func (s *FilesystemStore) WorkflowPath() (string, error) {
	return s.resolvePath(WorkflowFile)
}

// resolvePath ensures the path stays within the .foreman directory.
func (s *FilesystemStore) resolvePath(filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("filename cannot be empty")
	}
	baseDir := filepath.Join(s.root, ForemanDir)
	cleanPath := filepath.Clean(filepath.Join(baseDir, filename))
	if !strings.HasPrefix(cleanPath, baseDir) || filepath.Dir(cleanPath) != baseDir {
		return "", fmt.Errorf("invalid file path: %s", filename)
	}
	return cleanPath, nil
}

func (s *FilesystemStore) Initialize() error {
	path := filepath.Join(s.root, ForemanDir)
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("failed to create .foreman directory: %w", err)
	}
	return nil
}

func (s *FilesystemStore) IsInitialized() bool {
	_, err := os.Stat(filepath.Join(s.root, ForemanDir))
	return err == nil
}

// Load returns the workflow configuration, from cache when warm. A missing
// file yields the default configuration without caching it, so a later
// Save still lands on disk first.
func (s *FilesystemStore) Load(ctx context.Context) (*workflow.Configuration, error) {
	s.mu.Lock()
	if s.cached != nil {
		cfg := s.cached
		s.mu.Unlock()
		return cfg, nil
	}
	s.mu.Unlock()

	retryer := retry.New[*workflow.Configuration](s.retryConfig)
	cfg, err := retryer.Do(ctx, func(ctx context.Context) (*workflow.Configuration, error) {
		path, err := s.resolvePath(WorkflowFile)
		if err != nil {
			return nil, err
		}
		// #nosec G304 -- path is resolved and validated via resolvePath
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return workflow.Default(), nil
			}
			return nil, fmt.Errorf("failed to read workflow file: %w", err)
		}
		var cfg workflow.Configuration
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
		}
		if err := validateSchema(&cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cached = cfg
	s.mu.Unlock()
	return cfg, nil
}

// Save validates and persists the configuration and replaces the cache.
func (s *FilesystemStore) Save(_ context.Context, cfg *workflow.Configuration) error {
	if err := validateSchema(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	path, err := s.resolvePath(WorkflowFile)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write workflow file: %w", err)
	}

	s.mu.Lock()
	s.cached = cfg
	s.mu.Unlock()
	return nil
}

// Invalidate drops the cached configuration; the next Load re-reads disk.
func (s *FilesystemStore) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// LoadSettings reads config.yaml, falling back to defaults when absent.
func (s *FilesystemStore) LoadSettings() (*Settings, error) {
	path, err := s.resolvePath(SettingsFile)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is resolved and validated via resolvePath
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultSettings(), nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	settings := defaultSettings()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return settings, nil
}

// SaveSettings persists config.yaml.
func (s *FilesystemStore) SaveSettings(settings *Settings) error {
	path, err := s.resolvePath(SettingsFile)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// DeadLetterPath returns the path of the notification dead-letter file.
func (s *FilesystemStore) DeadLetterPath() (string, error) {
	return s.resolvePath(DeadLetterFile)
}

func defaultSettings() *Settings {
	return &Settings{
		TokenEnv:        "GITHUB_TOKEN",
		PollInterval:    60 * time.Second,
		ItemConcurrency: 4,
	}
}

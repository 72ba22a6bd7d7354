package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SpaceConfig records the provisioned "Letta Agents" space so restarts reuse
// it instead of creating a duplicate.
type SpaceConfig struct {
	SpaceID   string    `json:"space_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SpaceStore persists the space configuration as letta_space_config.json.
type SpaceStore struct {
	path string

	mu     sync.Mutex
	config *SpaceConfig
}

// NewSpaceStore loads letta_space_config.json from dataDir; a missing file
// means no space has been provisioned yet.
func NewSpaceStore(dataDir string) (*SpaceStore, error) {
	s := &SpaceStore{path: filepath.Join(dataDir, "letta_space_config.json")}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read space config: %w", err)
	}
	var cfg SpaceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("store: parse space config: %w", err)
	}
	if cfg.SpaceID != "" {
		s.config = &cfg
	}
	return s, nil
}

// Get returns the saved space config, or nil when none exists.
func (s *SpaceStore) Get() *SpaceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		return nil
	}
	cfg := *s.config
	return &cfg
}

// Put saves the space config atomically.
func (s *SpaceStore) Put(cfg SpaceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode space config: %w", err)
	}
	if err := atomicWrite(s.path, raw); err != nil {
		return err
	}
	s.config = &cfg
	return nil
}

// Package file keeps the position checkpoint in a YAML file. It suits
// paper trading and single-host deployments without a database.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"intraday/internal/ledger"

	"gopkg.in/yaml.v3"
)

type document struct {
	SavedAt   time.Time       `yaml:"saved_at"`
	Positions []ledger.Record `yaml:"positions"`
}

type CheckpointFile struct {
	path string
	mu   sync.Mutex
}

func NewCheckpointFile(path string) (*CheckpointFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("checkpoint path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &CheckpointFile{path: path}, nil
}

// SaveCheckpoint writes a temp file and renames it over the old one so a
// crash never leaves a half-written checkpoint.
func (f *CheckpointFile) SaveCheckpoint(ctx context.Context, records []ledger.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := yaml.Marshal(document{SavedAt: time.Now().UTC(), Positions: records})
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// LoadCheckpoint returns nothing when no checkpoint was written yet.
func (f *CheckpointFile) LoadCheckpoint(ctx context.Context) ([]ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	raw, err := os.ReadFile(f.path)
	f.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", f.path, err)
	}
	return doc.Positions, nil
}

func (f *CheckpointFile) Close() error { return nil }

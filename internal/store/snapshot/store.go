// Package snapshot provides an allocation journal persisted to a single JSON
// file that is replaced atomically on every change.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/renameio"

	"github.com/narvanalabs/mpi-allocator/internal/models"
	"github.com/narvanalabs/mpi-allocator/internal/store/memory"
)

// fileVersion is written into every snapshot.
const fileVersion = 1

type document struct {
	Version     int                  `json:"version"`
	SavedAt     time.Time            `json:"saved_at"`
	Allocations []*models.Allocation `json:"allocations"`
}

// Store is a memory store that rewrites its file after each mutation.
type Store struct {
	*memory.Store

	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// Open loads path if it exists, or starts empty.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	allocs, err := load(path)
	if err != nil {
		return nil, err
	}

	logger.Info("allocation snapshot loaded", "path", path, "allocations", len(allocs))
	return &Store{
		Store:  memory.Load(allocs),
		path:   path,
		logger: logger,
	}, nil
}

// Record stores alloc and persists the snapshot.
func (s *Store) Record(ctx context.Context, alloc *models.Allocation) error {
	if err := s.Store.Record(ctx, alloc); err != nil {
		return err
	}
	return s.save()
}

// MarkReleased updates the release time and persists the snapshot.
func (s *Store) MarkReleased(ctx context.Context, id string, at time.Time) error {
	if err := s.Store.MarkReleased(ctx, id, at); err != nil {
		return err
	}
	return s.save()
}

// Close writes a final snapshot.
func (s *Store) Close() error {
	return s.save()
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := document{
		Version:     fileVersion,
		SavedAt:     time.Now().UTC(),
		Allocations: s.Store.All(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", s.path, err)
	}
	s.logger.Debug("allocation snapshot written", "path", s.path, "allocations", len(doc.Allocations))
	return nil
}

func load(path string) ([]*models.Allocation, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	if doc.Version != fileVersion {
		return nil, fmt.Errorf("snapshot %s: unsupported version %d", path, doc.Version)
	}
	return doc.Allocations, nil
}

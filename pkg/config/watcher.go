package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/narvanalabs/mpi-allocator/internal/allocator"
)

// Reconfigurer accepts descriptive setting changes.
type Reconfigurer interface {
	Configure(update allocator.ConfigUpdate)
}

// Watcher reloads the allocator section of a config file when it changes.
// Only accounting_id is applied; pool changes need a restart.
type Watcher struct {
	path   string
	target Reconfigurer
	logger *slog.Logger
	fsw    *fsnotify.Watcher

	mu      sync.Mutex
	current AllocatorConfig
}

// NewWatcher watches path. current is the allocator section already in effect.
func NewWatcher(path string, current AllocatorConfig, target Reconfigurer, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	// Watch the directory so editors that replace the file by rename are seen.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:    abs,
		target:  target,
		logger:  logger,
		fsw:     fsw,
		current: current,
	}, nil
}

// Run applies changes until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Warn("config reload failed", "path", w.path, "error", err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// Reload reads the file once and forwards descriptive changes.
func (w *Watcher) Reload() error {
	next, err := ReadAllocatorSection(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if next.Name != "" && next.Name != w.current.Name {
		w.logger.Warn("allocator name change ignored until restart", "from", w.current.Name, "to", next.Name)
	}
	if !slices.Equal(next.Machines, w.current.Machines) || next.NodeFile != w.current.NodeFile {
		w.logger.Warn("pool changes ignored until restart", "path", w.path)
	}

	if next.AccountingID != "" && next.AccountingID != w.current.AccountingID {
		acct := next.AccountingID
		w.target.Configure(allocator.ConfigUpdate{AccountingID: &acct})
		w.logger.Info("accounting id reloaded", "accounting_id", acct)
		w.current.AccountingID = acct
	}
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

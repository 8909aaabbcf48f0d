package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/mpi-allocator/internal/allocator"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("MPIALLOC_CONFIG", "")
	t.Setenv("MPIALLOC_MACHINES", "n01, n02,,n03")
	t.Setenv("MPIALLOC_MPI", "false")
	t.Setenv("MPIALLOC_SERVER_COMMAND", "mpi-server  --listen :0")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultAllocatorName, cfg.Allocator.Name)
	require.Equal(t, DefaultAccountingID, cfg.Allocator.AccountingID)
	require.Equal(t, []string{"n01", "n02", "n03"}, cfg.Allocator.Machines)
	require.NotNil(t, cfg.Allocator.MPI)
	require.False(t, *cfg.Allocator.MPI)
	require.Equal(t, []string{"mpi-server", "--listen", ":0"}, cfg.Provision.Command)
	require.Equal(t, JournalMemory, cfg.Journal.Driver)
}

func TestLoadOverlaysFile(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("MPIALLOC_ACCOUNTING_ID", "from-env")
	t.Setenv("MPIALLOC_LAUNCHER", "srun")

	path := filepath.Join(t.TempDir(), "allocator.yaml")
	writeFile(t, path, `
allocator:
  name: pbs-west
  machines: [a1, a2]
  mpi: true
provision:
  command: ["solver", "--serve"]
  stop_timeout: 9s
journal:
  driver: snapshot
  snapshot_path: /var/lib/mpialloc/journal.json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "pbs-west", cfg.Allocator.Name)
	require.Equal(t, "from-env", cfg.Allocator.AccountingID, "keys absent from the file keep env values")
	require.Equal(t, []string{"a1", "a2"}, cfg.Allocator.Machines)
	require.True(t, *cfg.Allocator.MPI)
	require.Equal(t, "srun", cfg.Provision.Launcher)
	require.Equal(t, []string{"solver", "--serve"}, cfg.Provision.Command)
	require.Equal(t, 9*time.Second, cfg.Provision.StopTimeout)
	require.Equal(t, JournalSnapshot, cfg.Journal.Driver)
	require.Equal(t, path, cfg.ConfigFile)
}

func TestLoadBadFile(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "allocator: [unclosed")
	_, err = Load(bad)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"missing secret", func(c *Config) { c.JWTSecret = "" }, true},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, true},
		{"blank name", func(c *Config) { c.Allocator.Name = "  " }, true},
		{"bad port", func(c *Config) { c.APIPort = 70000 }, true},
		{"postgres without dsn", func(c *Config) { c.Journal.Driver = JournalPostgres; c.Journal.DatabaseDSN = "" }, true},
		{"postgres with dsn", func(c *Config) { c.Journal.Driver = JournalPostgres; c.Journal.DatabaseDSN = "postgres://x" }, false},
		{"snapshot without path", func(c *Config) { c.Journal.Driver = JournalSnapshot; c.Journal.SnapshotPath = "" }, true},
		{"unknown driver", func(c *Config) { c.Journal.Driver = "redis" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadWithDefaults()
			cfg.JWTSecret = testSecret
			cfg.Journal.Driver = JournalMemory
			cfg.APIPort = 8080
			cfg.GRPCPort = 9090
			cfg.Allocator.Name = DefaultAllocatorName
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

type recordingTarget struct {
	mu      sync.Mutex
	updates []string
}

func (r *recordingTarget) Configure(update allocator.ConfigUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if update.AccountingID != nil {
		r.updates = append(r.updates, *update.AccountingID)
	}
}

func (r *recordingTarget) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.updates...)
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allocator.yaml")
	writeFile(t, path, "allocator:\n  accounting_id: acct-1\n")

	target := &recordingTarget{}
	w, err := NewWatcher(path, AllocatorConfig{AccountingID: "acct-1"}, target, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Reload())
	require.Empty(t, target.seen(), "unchanged accounting id is not forwarded")

	writeFile(t, path, "allocator:\n  accounting_id: acct-2\n  machines: [x1]\n")
	require.NoError(t, w.Reload())
	require.Equal(t, []string{"acct-2"}, target.seen())

	writeFile(t, path, "allocator: [")
	require.Error(t, w.Reload())
}

func TestWatcherRunPicksUpWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allocator.yaml")
	writeFile(t, path, "allocator:\n  accounting_id: acct-1\n")

	target := &recordingTarget{}
	w, err := NewWatcher(path, AllocatorConfig{AccountingID: "acct-1"}, target, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, path, "allocator:\n  accounting_id: acct-7\n")
	require.Eventually(t, func() bool {
		seen := target.seen()
		return len(seen) > 0 && seen[len(seen)-1] == "acct-7"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

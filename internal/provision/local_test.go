package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocalProvisionerLifecycle(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	p, err := NewLocalProvisioner(LocalConfig{Command: []string{"sleep", "30"}, StopTimeout: 2 * time.Second}, testLogger())
	if err != nil {
		t.Fatalf("NewLocalProvisioner() error = %v", err)
	}

	info, err := p.Provision(context.Background(), sampleRequest(false))
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if info.ID != "h-1" || info.PID <= 0 {
		t.Errorf("info = %+v", info)
	}
	if p.Running() != 1 {
		t.Errorf("Running() = %d, want 1", p.Running())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Teardown(ctx, info); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if p.Running() != 0 {
		t.Errorf("Running() = %d, want 0", p.Running())
	}
	if err := p.Teardown(ctx, info); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("second Teardown() error = %v, want ErrUnknownServer", err)
	}
}

func TestLocalProvisionerBadCommand(t *testing.T) {
	p, err := NewLocalProvisioner(LocalConfig{Command: []string{"/nonexistent/mpi-server"}}, testLogger())
	if err != nil {
		t.Fatalf("NewLocalProvisioner() error = %v", err)
	}
	if _, err := p.Provision(context.Background(), sampleRequest(false)); err == nil {
		t.Fatal("expected error starting missing binary")
	}
	if p.Running() != 0 {
		t.Errorf("Running() = %d, want 0", p.Running())
	}
}

func TestLocalProvisionerValidation(t *testing.T) {
	if _, err := NewLocalProvisioner(LocalConfig{}, testLogger()); !errors.Is(err, ErrNoCommand) {
		t.Errorf("empty command error = %v", err)
	}
	p, _ := NewLocalProvisioner(LocalConfig{Command: []string{"true"}}, testLogger())
	req := sampleRequest(false)
	req.Hosts = nil
	if _, err := p.Provision(context.Background(), req); !errors.Is(err, ErrNoHosts) {
		t.Errorf("no hosts error = %v", err)
	}
}

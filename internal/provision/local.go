package provision

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/narvanalabs/mpi-allocator/internal/models"
)

// LocalConfig configures the local provisioner.
type LocalConfig struct {
	// Command is the server argv.
	Command []string
	// Launcher wraps Command in an MPI launch when a request has MPI set.
	Launcher string
	// StopTimeout bounds how long Teardown waits after SIGTERM before SIGKILL.
	StopTimeout time.Duration
}

type localProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}
}

// LocalProvisioner runs servers on this machine under a pseudo-terminal so
// launchers that expect a tty behave as they would interactively.
type LocalProvisioner struct {
	cfg    LocalConfig
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*localProcess
}

// NewLocalProvisioner creates a local provisioner.
func NewLocalProvisioner(cfg LocalConfig, logger *slog.Logger) (*LocalProvisioner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Command) == 0 {
		return nil, ErrNoCommand
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &LocalProvisioner{
		cfg:    cfg,
		logger: logger,
		procs:  make(map[string]*localProcess),
	}, nil
}

// Provision starts the server command.
func (p *LocalProvisioner) Provision(ctx context.Context, req models.ProvisionRequest) (models.ServerInfo, error) {
	if len(req.Hosts) == 0 {
		return models.ServerInfo{}, ErrNoHosts
	}
	if err := ctx.Err(); err != nil {
		return models.ServerInfo{}, err
	}

	argv := p.cfg.Command
	if req.MPI {
		argv = LaunchArgs(p.cfg.Launcher, req, p.cfg.Command)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), ServerEnv(req)...)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return models.ServerInfo{}, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	proc := &localProcess{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	go p.drain(req.HandleID, ptmx)
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()

	p.mu.Lock()
	p.procs[req.HandleID] = proc
	p.mu.Unlock()

	hostname, _ := os.Hostname()
	p.logger.Info("local server started",
		"handle_id", req.HandleID,
		"name", req.Name,
		"pid", cmd.Process.Pid,
	)

	return models.ServerInfo{
		ID:   req.HandleID,
		Host: hostname,
		PID:  cmd.Process.Pid,
	}, nil
}

// Teardown stops a server started by Provision.
func (p *LocalProvisioner) Teardown(ctx context.Context, server models.ServerInfo) error {
	p.mu.Lock()
	proc, ok := p.procs[server.ID]
	delete(p.procs, server.ID)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, server.ID)
	}
	defer proc.ptmx.Close()

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("failed to signal server", "handle_id", server.ID, "error", err)
	}

	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-proc.done:
	case <-timer.C:
		p.logger.Warn("server ignored SIGTERM, killing", "handle_id", server.ID, "pid", server.PID)
		_ = proc.cmd.Process.Kill()
		<-proc.done
	case <-ctx.Done():
		_ = proc.cmd.Process.Kill()
		return ctx.Err()
	}

	p.logger.Info("local server stopped", "handle_id", server.ID, "pid", server.PID)
	return nil
}

// Running returns the number of live servers.
func (p *LocalProvisioner) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.procs)
}

// drain logs server output line by line until the pty closes.
func (p *LocalProvisioner) drain(handleID string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.logger.Debug("server output", "handle_id", handleID, "line", sc.Text())
	}
}

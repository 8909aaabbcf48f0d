package provision

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"path"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/narvanalabs/mpi-allocator/internal/models"
)

// KeyReader loads private key material, decrypting it if needed.
type KeyReader interface {
	ReadKeyFile(path string) ([]byte, error)
}

// SignerFromFile parses the private key at path through reader.
func SignerFromFile(reader KeyReader, path string) (ssh.Signer, error) {
	data, err := reader.ReadKeyFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", path, err)
	}
	return signer, nil
}

// SSHConfig configures the SSH provisioner.
type SSHConfig struct {
	User   string
	Port   int
	Signer ssh.Signer
	// KnownHostsFile verifies host keys. When empty, host keys are not checked.
	KnownHostsFile string
	// Launcher is the MPI launcher run on the head node.
	Launcher string
	// Command is the server argv.
	Command []string
	// LogDir on the head node receives one log file per server.
	LogDir      string
	DialTimeout time.Duration
}

// SSHProvisioner launches servers on the first reserved host over SSH.
type SSHProvisioner struct {
	cfg       SSHConfig
	clientCfg *ssh.ClientConfig
	logger    *slog.Logger
}

// NewSSHProvisioner validates cfg and prepares the client configuration.
func NewSSHProvisioner(cfg SSHConfig, logger *slog.Logger) (*SSHProvisioner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Command) == 0 {
		return nil, ErrNoCommand
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("ssh signer is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "/tmp"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		logger.Warn("no known_hosts file configured, host keys will not be verified")
	}

	return &SSHProvisioner{
		cfg: cfg,
		clientCfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(cfg.Signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout,
		},
		logger: logger,
	}, nil
}

// Provision starts the server in the background on req.Hosts[0].
func (p *SSHProvisioner) Provision(ctx context.Context, req models.ProvisionRequest) (models.ServerInfo, error) {
	if len(req.Hosts) == 0 {
		return models.ServerInfo{}, ErrNoHosts
	}
	head := req.Hosts[0]

	argv := p.cfg.Command
	if req.MPI {
		argv = LaunchArgs(p.cfg.Launcher, req, p.cfg.Command)
	}
	logFile := path.Join(p.cfg.LogDir, "mpialloc-"+req.HandleID+".log")
	script := remoteScript(ServerEnv(req), argv, logFile)

	out, err := p.run(ctx, head, script)
	if err != nil {
		return models.ServerInfo{}, fmt.Errorf("launching on %s: %w", head, err)
	}
	pid, err := parsePID(out)
	if err != nil {
		return models.ServerInfo{}, fmt.Errorf("launching on %s: %w", head, err)
	}

	p.logger.Info("remote server started",
		"handle_id", req.HandleID,
		"host", head,
		"pid", pid,
		"np", len(req.Hosts),
	)

	return models.ServerInfo{
		ID:       req.HandleID,
		Host:     head,
		Endpoint: p.addr(head),
		PID:      pid,
	}, nil
}

// Teardown terminates the server's launcher process.
func (p *SSHProvisioner) Teardown(ctx context.Context, server models.ServerInfo) error {
	if server.Host == "" || server.PID <= 0 {
		return fmt.Errorf("%w: %s", ErrUnknownServer, server.ID)
	}
	cmd := "kill " + strconv.Itoa(server.PID) + " 2>/dev/null || true"
	if _, err := p.run(ctx, server.Host, cmd); err != nil {
		return fmt.Errorf("stopping server on %s: %w", server.Host, err)
	}
	p.logger.Info("remote server stopped", "handle_id", server.ID, "host", server.Host, "pid", server.PID)
	return nil
}

func (p *SSHProvisioner) addr(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(p.cfg.Port))
}

// run executes cmd on host and returns its stdout.
func (p *SSHProvisioner) run(ctx context.Context, host, cmd string) ([]byte, error) {
	addr := p.addr(host)

	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, p.clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	p.logger.Debug("running remote command", "host", host, "command", cmd)
	if err := session.Run(cmd); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("remote command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

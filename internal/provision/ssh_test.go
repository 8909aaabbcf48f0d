package provision

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/narvanalabs/mpi-allocator/internal/models"
)

// sshServer is an in-process SSH endpoint that answers exec requests.
type sshServer struct {
	port    int
	hostKey ssh.Signer

	mu       sync.Mutex
	commands []string
	fail     bool
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func startSSHServer(t *testing.T) *sshServer {
	t.Helper()
	s := &sshServer{hostKey: newSigner(t)}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(s.hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	s.port = ln.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn, cfg)
		}
	}()
	return s
}

func (s *sshServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "sessions only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, requests)
	}
}

func (s *sshServer) session(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		fail := s.fail
		s.mu.Unlock()

		status := uint32(0)
		if fail {
			ch.Stderr().Write([]byte("mpirun: not found\n"))
			status = 127
		} else if strings.HasSuffix(payload.Command, "echo $!") {
			ch.Write([]byte("4242\n"))
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func (s *sshServer) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func newTestSSHProvisioner(t *testing.T, s *sshServer, knownHosts string) *SSHProvisioner {
	t.Helper()
	p, err := NewSSHProvisioner(SSHConfig{
		User:           "mpi",
		Port:           s.port,
		Signer:         newSigner(t),
		KnownHostsFile: knownHosts,
		Command:        []string{"mpi-server", "--listen", ":0"},
		LogDir:         "/var/log/mpialloc",
	}, testLogger())
	require.NoError(t, err)
	return p
}

func TestSSHProvisionAndTeardown(t *testing.T) {
	s := startSSHServer(t)
	p := newTestSSHProvisioner(t, s, "")

	req := sampleRequest(true)
	req.Hosts = []string{"127.0.0.1", "n02"}

	info, err := p.Provision(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 4242, info.PID)
	require.Equal(t, "127.0.0.1", info.Host)
	require.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port)), info.Endpoint)

	cmds := s.recorded()
	require.Len(t, cmds, 1)
	require.Contains(t, cmds[0], "mpirun -np 2 -host 127.0.0.1,n02 mpi-server --listen :0")
	require.Contains(t, cmds[0], "MPIALLOC_HANDLE_ID=h-1")
	require.Contains(t, cmds[0], "/var/log/mpialloc/mpialloc-h-1.log")

	require.NoError(t, p.Teardown(context.Background(), info))
	cmds = s.recorded()
	require.Len(t, cmds, 2)
	require.True(t, strings.HasPrefix(cmds[1], "kill 4242"))
}

func TestSSHProvisionRemoteFailure(t *testing.T) {
	s := startSSHServer(t)
	s.mu.Lock()
	s.fail = true
	s.mu.Unlock()
	p := newTestSSHProvisioner(t, s, "")

	req := sampleRequest(true)
	req.Hosts = []string{"127.0.0.1"}
	_, err := p.Provision(context.Background(), req)
	require.Error(t, err)
	require.Contains(t, err.Error(), "mpirun: not found")
}

func TestSSHKnownHosts(t *testing.T) {
	s := startSSHServer(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port))
	dir := t.TempDir()

	good := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, s.hostKey.PublicKey())
	require.NoError(t, os.WriteFile(good, []byte(line+"\n"), 0o600))

	req := sampleRequest(false)
	req.Hosts = []string{"127.0.0.1"}

	p := newTestSSHProvisioner(t, s, good)
	info, err := p.Provision(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 4242, info.PID)

	bad := filepath.Join(dir, "known_hosts_other")
	other := knownhosts.Line([]string{knownhosts.Normalize(addr)}, newSigner(t).PublicKey())
	require.NoError(t, os.WriteFile(bad, []byte(other+"\n"), 0o600))

	p = newTestSSHProvisioner(t, s, bad)
	_, err = p.Provision(context.Background(), req)
	require.Error(t, err)
}

func TestSSHProvisionerValidation(t *testing.T) {
	signer := newSigner(t)
	_, err := NewSSHProvisioner(SSHConfig{User: "mpi", Signer: signer}, testLogger())
	require.True(t, errors.Is(err, ErrNoCommand))

	_, err = NewSSHProvisioner(SSHConfig{Command: []string{"x"}, User: "mpi"}, testLogger())
	require.Error(t, err)

	p, err := NewSSHProvisioner(SSHConfig{Command: []string{"x"}, User: "mpi", Signer: signer}, testLogger())
	require.NoError(t, err)
	_, err = p.Provision(context.Background(), models.ProvisionRequest{})
	require.ErrorIs(t, err, ErrNoHosts)
	require.ErrorIs(t, p.Teardown(context.Background(), models.ServerInfo{ID: "x"}), ErrUnknownServer)
}

type staticKeys map[string][]byte

func (k staticKeys) ReadKeyFile(path string) ([]byte, error) {
	data, ok := k[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func TestSignerFromFile(t *testing.T) {
	_, err := SignerFromFile(staticKeys{}, "/missing")
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = SignerFromFile(staticKeys{"/k": []byte("not a key")}, "/k")
	require.Error(t, err)
}

// Package provision starts and stops allocator servers on reserved hosts.
package provision

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/narvanalabs/mpi-allocator/internal/models"
)

// Environment passed to every server process.
const (
	EnvServerName   = "MPIALLOC_SERVER_NAME"
	EnvHandleID     = "MPIALLOC_HANDLE_ID"
	EnvHosts        = "MPIALLOC_HOSTS"
	EnvAccountingID = "MPIALLOC_ACCOUNTING_ID"
	EnvUser         = "MPIALLOC_USER"
	EnvPublicKey    = "MPIALLOC_PUBLIC_KEY"
)

// DefaultLauncher is the MPI launcher used when none is configured.
const DefaultLauncher = "mpirun"

var (
	// ErrNoHosts is returned when a provision request names no hosts.
	ErrNoHosts = errors.New("no hosts to provision on")
	// ErrNoCommand is returned when no server command is configured.
	ErrNoCommand = errors.New("server command is not configured")
	// ErrUnknownServer is returned by Teardown for servers this provisioner did not start.
	ErrUnknownServer = errors.New("unknown server")
)

// ServerEnv returns KEY=VALUE pairs describing the request.
func ServerEnv(req models.ProvisionRequest) []string {
	return []string{
		EnvServerName + "=" + req.Name,
		EnvHandleID + "=" + req.HandleID,
		EnvHosts + "=" + strings.Join(req.Hosts, ","),
		EnvAccountingID + "=" + req.AccountingID,
		EnvUser + "=" + req.Credentials.User,
		EnvPublicKey + "=" + req.Credentials.PublicKey,
	}
}

// LaunchArgs wraps command in an MPI launch over req.Hosts:
// launcher -np N -host h1,h2,... command...
func LaunchArgs(launcher string, req models.ProvisionRequest, command []string) []string {
	if launcher == "" {
		launcher = DefaultLauncher
	}
	args := []string{
		launcher,
		"-np", strconv.Itoa(len(req.Hosts)),
		"-host", strings.Join(req.Hosts, ","),
	}
	return append(args, command...)
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@%+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ShellJoin quotes and joins words into one shell command line.
func ShellJoin(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = ShellQuote(w)
	}
	return strings.Join(quoted, " ")
}

// remoteScript starts argv in the background with env and prints its PID.
func remoteScript(env, argv []string, logFile string) string {
	var b strings.Builder
	b.WriteString("nohup env ")
	b.WriteString(ShellJoin(env))
	b.WriteString(" ")
	b.WriteString(ShellJoin(argv))
	fmt.Fprintf(&b, " > %s 2>&1 < /dev/null & echo $!", ShellQuote(logFile))
	return b.String()
}

// parsePID reads the PID printed by remoteScript.
func parsePID(out []byte) (int, error) {
	s := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("unexpected launcher output %q", s)
	}
	return pid, nil
}

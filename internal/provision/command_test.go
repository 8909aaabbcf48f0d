package provision

import (
	"strings"
	"testing"

	"github.com/narvanalabs/mpi-allocator/internal/models"
)

func sampleRequest(mpi bool) models.ProvisionRequest {
	return models.ProvisionRequest{
		HandleID:     "h-1",
		Name:         "solver",
		Hosts:        []string{"n01", "n02", "n03"},
		Credentials:  models.Credentials{User: "alice", PublicKey: "ssh-ed25519 AAAA alice@lab"},
		AccountingID: "acct-7",
		MPI:          mpi,
	}
}

func TestLaunchArgs(t *testing.T) {
	got := LaunchArgs("", sampleRequest(true), []string{"server", "--port", "0"})
	want := "mpirun -np 3 -host n01,n02,n03 server --port 0"
	if strings.Join(got, " ") != want {
		t.Errorf("LaunchArgs() = %q, want %q", strings.Join(got, " "), want)
	}

	got = LaunchArgs("srun", models.ProvisionRequest{Hosts: []string{"a"}}, []string{"x"})
	if strings.Join(got, " ") != "srun -np 1 -host a x" {
		t.Errorf("LaunchArgs(custom) = %v", got)
	}
}

func TestServerEnv(t *testing.T) {
	env := strings.Join(ServerEnv(sampleRequest(false)), "\n")
	for _, want := range []string{
		"MPIALLOC_SERVER_NAME=solver",
		"MPIALLOC_HANDLE_ID=h-1",
		"MPIALLOC_HOSTS=n01,n02,n03",
		"MPIALLOC_ACCOUNTING_ID=acct-7",
		"MPIALLOC_USER=alice",
		"MPIALLOC_PUBLIC_KEY=ssh-ed25519 AAAA alice@lab",
	} {
		if !strings.Contains(env, want) {
			t.Errorf("ServerEnv() missing %q", want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":            "''",
		"plain":       "plain",
		"a=b,c":       "a=b,c",
		"two words":   "'two words'",
		"it's":        `'it'"'"'s'`,
		"$(rm -rf /)": "'$(rm -rf /)'",
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRemoteScriptAndPID(t *testing.T) {
	script := remoteScript([]string{"K=v w"}, []string{"mpirun", "-np", "2"}, "/tmp/x.log")
	want := "nohup env 'K=v w' mpirun -np 2 > /tmp/x.log 2>&1 < /dev/null & echo $!"
	if script != want {
		t.Errorf("remoteScript() = %q, want %q", script, want)
	}

	if pid, err := parsePID([]byte("motd line\n 4242 \n")); err != nil || pid != 4242 {
		t.Errorf("parsePID() = %d, %v", pid, err)
	}
	if _, err := parsePID([]byte("oops")); err == nil {
		t.Error("expected error for non-numeric output")
	}
	if _, err := parsePID([]byte("0")); err == nil {
		t.Error("expected error for pid 0")
	}
}

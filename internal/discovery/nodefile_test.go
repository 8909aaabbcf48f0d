package discovery

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestParseNodeFile(t *testing.T) {
	input := `n01
n01
# login node excluded
n02   slots=4

n03 # trailing comment
n02
`
	hosts, err := ParseNodeFile(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseNodeFile() error = %v", err)
	}
	want := []string{"n01", "n02", "n03"}
	if strings.Join(hosts, ",") != strings.Join(want, ",") {
		t.Errorf("hosts = %v, want %v", hosts, want)
	}
}

func TestDetectMPI(t *testing.T) {
	tests := map[string]bool{
		"TORQUE-6.1.2": true,
		"torque 4":     true,
		"PBSPro_19":    false,
		"":             false,
	}
	for v, want := range tests {
		if got := DetectMPI(v); got != want {
			t.Errorf("DetectMPI(%q) = %v, want %v", v, got, want)
		}
	}
}

func TestDiscoverFromNodeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes")
	if err := os.WriteFile(path, []byte("a\nb\na\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Discover(Options{Getenv: env(map[string]string{
		EnvNodeFile:   path,
		EnvPBSVersion: "TORQUE-6",
	})}, testLogger())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if !c.MPI || c.Source != path || strings.Join(c.Hosts, ",") != "a,b" {
		t.Errorf("cluster = %+v", c)
	}
}

func TestDiscoverMachinesTakePrecedence(t *testing.T) {
	c, err := Discover(Options{
		Machines: []string{"x", "y", "x", ""},
		Getenv:   env(map[string]string{EnvNodeFile: "/does/not/exist"}),
	}, testLogger())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if c.MPI || c.Source != "config" || strings.Join(c.Hosts, ",") != "x,y" {
		t.Errorf("cluster = %+v", c)
	}
}

func TestDiscoverWithoutNodeFile(t *testing.T) {
	_, err := Discover(Options{Getenv: env(nil)}, testLogger())
	if !errors.Is(err, ErrNoNodeFile) {
		t.Errorf("Discover() error = %v, want ErrNoNodeFile", err)
	}

	_, err = Discover(Options{NodeFile: filepath.Join(t.TempDir(), "missing"), Getenv: env(nil)}, testLogger())
	if err == nil {
		t.Error("expected error for missing node file")
	}
}

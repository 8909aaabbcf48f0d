// Package discovery finds the cluster nodes granted to the current batch job.
package discovery

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Batch scheduler environment variables.
const (
	EnvNodeFile   = "PBS_NODEFILE"
	EnvPBSVersion = "PBS_VERSION"
)

// ErrNoNodeFile is returned when no node file is configured.
var ErrNoNodeFile = errors.New("PBS_NODEFILE is not set")

// Cluster is what the batch environment grants this job.
type Cluster struct {
	// Hosts is the unique hostname list in first-seen order.
	Hosts []string
	// MPI reports whether a TORQUE/PBS launcher environment was detected.
	MPI bool
	// Source names where Hosts came from.
	Source string
}

// Options controls discovery. Zero values read the process environment.
type Options struct {
	// Machines, when non-empty, takes precedence over the node file.
	Machines []string
	// NodeFile overrides $PBS_NODEFILE.
	NodeFile string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Discover resolves the host list and MPI mode.
func Discover(opts Options, logger *slog.Logger) (*Cluster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	mpi := DetectMPI(getenv(EnvPBSVersion))
	if !mpi {
		logger.Warn("TORQUE not detected in PBS_VERSION, servers will run locally")
	}

	if len(opts.Machines) > 0 {
		hosts := Dedupe(opts.Machines)
		logger.Info("using configured machines", "hosts", len(hosts))
		return &Cluster{Hosts: hosts, MPI: mpi, Source: "config"}, nil
	}

	path := opts.NodeFile
	if path == "" {
		path = getenv(EnvNodeFile)
	}
	if path == "" {
		return nil, ErrNoNodeFile
	}

	hosts, err := ReadNodeFile(path)
	if err != nil {
		return nil, err
	}
	logger.Info("read node file", "path", path, "hosts", len(hosts))
	return &Cluster{Hosts: hosts, MPI: mpi, Source: path}, nil
}

// DetectMPI reports whether a PBS_VERSION value names TORQUE.
func DetectMPI(pbsVersion string) bool {
	return strings.Contains(strings.ToUpper(pbsVersion), "TORQUE")
}

// ReadNodeFile reads a PBS node file.
func ReadNodeFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening node file: %w", err)
	}
	defer f.Close()

	hosts, err := ParseNodeFile(f)
	if err != nil {
		return nil, fmt.Errorf("reading node file %s: %w", path, err)
	}
	return hosts, nil
}

// ParseNodeFile reads one hostname per line. Blank lines and '#' comments are
// skipped. PBS lists a host once per granted slot, so repeats collapse into
// the first occurrence.
func ParseNodeFile(r io.Reader) ([]string, error) {
	var raw []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		raw = append(raw, strings.Fields(line)[0])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return Dedupe(raw), nil
}

// Dedupe drops empty and repeated hostnames, keeping first-seen order.
func Dedupe(hosts []string) []string {
	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// Package nodepool tracks the free/busy state of a fixed set of cluster nodes.
package nodepool

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/narvanalabs/mpi-allocator/internal/models"
)

// Pool errors.
var (
	// ErrUnavailable is returned when fewer nodes are free than requested.
	ErrUnavailable = errors.New("insufficient free nodes")
	// ErrConflict is returned when a named node is not free at reservation time.
	ErrConflict = errors.New("nodes already reserved")
	// ErrInvalidCount is returned for non-positive node counts.
	ErrInvalidCount = errors.New("node count must be positive")
	// ErrDuplicateHost is returned when a hostname appears twice in the node list.
	ErrDuplicateHost = errors.New("duplicate hostname")
)

// ConflictError lists the hostnames that could not be reserved.
type ConflictError struct {
	Hosts []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConflict, strings.Join(e.Hosts, ","))
}

// Is makes errors.Is(err, ErrConflict) hold for a ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// UnavailableError reports how many nodes were wanted and how many were free.
type UnavailableError struct {
	Want int
	Have int
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: want %d, have %d", ErrUnavailable, e.Want, e.Have)
}

// Is makes errors.Is(err, ErrUnavailable) hold for an UnavailableError.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Pool is the authoritative, lock-protected record of node state.
// Node order is the order of the original host list and never changes.
type Pool struct {
	mu     sync.Mutex
	nodes  []models.Node
	index  map[string]int
	free   int
	logger *slog.Logger
}

// New builds a pool with every hostname Free.
func New(hostnames []string, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		nodes:  make([]models.Node, 0, len(hostnames)),
		index:  make(map[string]int, len(hostnames)),
		logger: logger,
	}

	for _, host := range hostnames {
		if host == "" {
			return nil, fmt.Errorf("empty hostname in node list")
		}
		if _, exists := p.index[host]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHost, host)
		}
		p.index[host] = len(p.nodes)
		p.nodes = append(p.nodes, models.Node{Hostname: host, State: models.NodeStateFree})
	}
	p.free = len(p.nodes)

	return p, nil
}

// Capacity returns the fixed number of nodes in the pool.
func (p *Pool) Capacity() int {
	return len(p.nodes)
}

// FreeCount returns the number of nodes currently Free.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// BusyCount returns the number of nodes currently Busy.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nodes) - p.free
}

// Counts returns free and busy counts from a single consistent view.
func (p *Pool) Counts() (free, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free, len(p.nodes) - p.free
}

// Snapshot returns a copy of every node in pool order.
func (p *Pool) Snapshot() []models.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Node, len(p.nodes))
	copy(out, p.nodes)
	return out
}

// Contains reports whether hostname belongs to the pool. The host list
// never changes after New, so no lock is taken.
func (p *Pool) Contains(hostname string) bool {
	_, ok := p.index[hostname]
	return ok
}

// SelectFree previews up to n free hostnames in pool order without
// reserving them. When fewer than n are free it returns what it found
// together with an *UnavailableError.
func (p *Pool) SelectFree(n int) ([]string, error) {
	if n <= 0 {
		return nil, ErrInvalidCount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	hosts := p.collectFree(n)
	if len(hosts) < n {
		return hosts, &UnavailableError{Want: n, Have: p.free}
	}
	return hosts, nil
}

// Reserve marks every named node Busy, or none of them. It fails with a
// *ConflictError naming each host that is unknown, already Busy, or listed
// more than once.
func (p *Pool) Reserve(hostnames []string) error {
	if len(hostnames) == 0 {
		return ErrInvalidCount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]struct{}, len(hostnames))
	var conflicts []string
	for _, host := range hostnames {
		if _, dup := seen[host]; dup {
			conflicts = append(conflicts, host)
			continue
		}
		seen[host] = struct{}{}

		i, ok := p.index[host]
		if !ok || !p.nodes[i].IsFree() {
			conflicts = append(conflicts, host)
		}
	}
	if len(conflicts) > 0 {
		return &ConflictError{Hosts: conflicts}
	}

	for _, host := range hostnames {
		p.markBusy(p.index[host])
	}
	p.assertConserved()

	p.logger.Debug("reserved nodes", "hostnames", hostnames, "free", p.free)
	return nil
}

// ReserveAny selects and reserves n free nodes in pool order as one step.
// It returns an *UnavailableError and changes nothing when fewer than n
// nodes are free.
func (p *Pool) ReserveAny(n int) ([]string, error) {
	if n <= 0 {
		return nil, ErrInvalidCount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.free < n {
		return nil, &UnavailableError{Want: n, Have: p.free}
	}

	hosts := p.collectFree(n)
	for _, host := range hosts {
		p.markBusy(p.index[host])
	}
	p.assertConserved()

	p.logger.Debug("reserved nodes", "hostnames", hosts, "free", p.free)
	return hosts, nil
}

// Release marks the named nodes Free. Unknown hostnames and nodes that are
// already Free are logged and skipped. It returns the number of nodes that
// actually changed state.
func (p *Pool) Release(hostnames []string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	released := 0
	for _, host := range hostnames {
		i, ok := p.index[host]
		if !ok {
			p.logger.Warn("release of unknown hostname skipped", "hostname", host)
			continue
		}
		if p.nodes[i].IsFree() {
			p.logger.Warn("release of free node skipped", "hostname", host)
			continue
		}
		p.nodes[i].State = models.NodeStateFree
		p.free++
		released++
	}
	p.assertConserved()

	if released > 0 {
		p.logger.Debug("released nodes", "hostnames", hostnames, "released", released, "free", p.free)
	}
	return released
}

// collectFree returns up to n free hostnames in pool order. Caller holds mu.
func (p *Pool) collectFree(n int) []string {
	hosts := make([]string, 0, min(n, p.free))
	for _, node := range p.nodes {
		if len(hosts) == n {
			break
		}
		if node.IsFree() {
			hosts = append(hosts, node.Hostname)
		}
	}
	return hosts
}

// markBusy transitions one Free node to Busy. Caller holds mu.
func (p *Pool) markBusy(i int) {
	if !p.nodes[i].IsFree() {
		panic(fmt.Sprintf("nodepool: double reservation of %s", p.nodes[i].Hostname))
	}
	p.nodes[i].State = models.NodeStateBusy
	p.free--
}

// assertConserved panics if the free counter disagrees with node states.
// Caller holds mu.
func (p *Pool) assertConserved() {
	if p.free < 0 || p.free > len(p.nodes) {
		panic(fmt.Sprintf("nodepool: free count %d out of range for capacity %d", p.free, len(p.nodes)))
	}
}

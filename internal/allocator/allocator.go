// Package allocator matches resource requests against a fixed node pool and
// manages the servers deployed on reserved nodes.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/mpi-allocator/internal/models"
	"github.com/narvanalabs/mpi-allocator/internal/nodepool"
)

// Estimate scores.
const (
	ScoreIncompatible = -2
	ScoreUnavailable  = -1
	ScoreFeasible     = 0
)

// Provisioner starts and stops servers bound to reserved hosts.
type Provisioner interface {
	Provision(ctx context.Context, req models.ProvisionRequest) (models.ServerInfo, error)
	Teardown(ctx context.Context, server models.ServerInfo) error
}

// CredentialSource supplies the identity a provisioned server is accessible under.
type CredentialSource interface {
	Credentials(ctx context.Context) (models.Credentials, error)
}

// Journal records allocations for audit and recovery.
type Journal interface {
	Record(ctx context.Context, alloc *models.Allocation) error
	MarkReleased(ctx context.Context, id string, at time.Time) error
}

// Publisher receives pool change notifications.
type Publisher interface {
	Publish(event *models.PoolEvent)
}

// Config holds the allocator's construction-time settings.
type Config struct {
	Name         string
	AccountingID string
	Hosts        []string
	// MPI selects multi-host launches; when false servers run on this machine.
	MPI bool
}

// ConfigUpdate carries descriptive fields that may change after construction.
// Nil fields are left untouched.
type ConfigUpdate struct {
	AccountingID *string `json:"accounting_id,omitempty"`
}

// Option configures optional collaborators.
type Option func(*Allocator)

// WithCredentials sets the credential source passed through to provisioning.
func WithCredentials(c CredentialSource) Option {
	return func(a *Allocator) { a.credentials = c }
}

// WithJournal sets the allocation journal.
func WithJournal(j Journal) Option {
	return func(a *Allocator) { a.journal = j }
}

// WithPublisher sets the pool event publisher.
func WithPublisher(p Publisher) Option {
	return func(a *Allocator) { a.publisher = p }
}

// Allocator owns one node pool exclusively and serves requests against it.
type Allocator struct {
	name        string
	mpi         bool
	pool        *nodepool.Pool
	provisioner Provisioner
	credentials CredentialSource
	journal     Journal
	publisher   Publisher
	logger      *slog.Logger

	mu           sync.RWMutex
	accountingID string
	handles      map[string]*models.ServerHandle
}

// New builds an allocator with a fresh pool over cfg.Hosts.
func New(cfg Config, provisioner Provisioner, logger *slog.Logger, opts ...Option) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		return nil, errors.New("allocator name is required")
	}
	if provisioner == nil {
		return nil, errors.New("provisioner is required")
	}

	pool, err := nodepool.New(cfg.Hosts, logger.With("component", "nodepool"))
	if err != nil {
		return nil, fmt.Errorf("building node pool: %w", err)
	}

	a := &Allocator{
		name:         cfg.Name,
		mpi:          cfg.MPI,
		pool:         pool,
		provisioner:  provisioner,
		logger:       logger,
		accountingID: cfg.AccountingID,
		handles:      make(map[string]*models.ServerHandle),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.logger.Info("allocator ready",
		"allocator", a.name,
		"capacity", pool.Capacity(),
		"mpi", a.mpi,
	)
	return a, nil
}

// Name returns the allocator's configured name.
func (a *Allocator) Name() string {
	return a.name
}

// Capacity returns the total number of nodes in the pool.
func (a *Allocator) Capacity() int {
	return a.pool.Capacity()
}

// FreeCount returns the number of nodes currently free.
func (a *Allocator) FreeCount() int {
	return a.pool.FreeCount()
}

// AccountingID returns the current accounting identifier.
func (a *Allocator) AccountingID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.accountingID
}

// Estimate scores a request without reserving anything. It returns
// ScoreIncompatible when the request is addressed elsewhere or fails for a
// reason other than CPU count, ScoreUnavailable when too few nodes are free,
// and ScoreFeasible with a preview of candidate hostnames otherwise.
func (a *Allocator) Estimate(req *models.ResourceRequest) (int, *models.Criteria) {
	if req != nil && req.AllocatorName != "" && req.AllocatorName != a.name {
		return ScoreIncompatible, nil
	}
	if err := checkStatic(req); err != nil {
		return ScoreIncompatible, nil
	}
	if !req.HasMinCPUs() {
		return ScoreIncompatible, nil
	}
	if req.CPUs() > a.pool.Capacity() {
		return ScoreUnavailable, nil
	}

	hosts, err := a.pool.SelectFree(req.CPUs())
	if err != nil {
		return ScoreUnavailable, nil
	}

	return ScoreFeasible, &models.Criteria{
		Allocator: a.name,
		Hostnames: hosts,
	}
}

// MaxServers reports how many servers of this request size the pool could
// host at once, ignoring the current free/busy split. It returns 0 and the
// incompatibility when CheckCompatibility fails.
func (a *Allocator) MaxServers(req *models.ResourceRequest) (int, error) {
	if err := a.CheckCompatibility(req); err != nil {
		return 0, err
	}
	if !req.HasMinCPUs() {
		return a.pool.Capacity(), nil
	}
	return a.pool.Capacity() / req.CPUs(), nil
}

// Deploy reserves nodes for req and starts a server on them. Criteria
// hostnames from a prior Estimate are honored when they still cover the
// request; they are re-validated atomically and a lost race yields
// ErrConflict. Without usable criteria the first free nodes are taken, and
// a shortfall yields ErrUnavailable. A provisioning failure releases the
// reservation before returning an error wrapping ErrProvisioning.
func (a *Allocator) Deploy(ctx context.Context, name string, req *models.ResourceRequest, criteria *models.Criteria) (*models.ServerHandle, error) {
	if err := checkStatic(req); err != nil {
		return nil, err
	}
	if !req.HasMinCPUs() {
		return nil, &IncompatibleError{Key: models.KeyMinCPUs, Reason: "required"}
	}
	if req.AllocatorName != "" && req.AllocatorName != a.name {
		return nil, &IncompatibleError{Key: models.KeyAllocator, Reason: fmt.Sprintf("addressed to %q", req.AllocatorName)}
	}
	if criteria != nil && criteria.Allocator != "" && criteria.Allocator != a.name {
		return nil, &IncompatibleError{Reason: fmt.Sprintf("criteria issued by allocator %q", criteria.Allocator)}
	}
	if criteria != nil {
		for _, host := range criteria.Hostnames {
			if !a.pool.Contains(host) {
				return nil, &IncompatibleError{Reason: fmt.Sprintf("criteria hostname %q is not in this pool", host)}
			}
		}
	}

	want := req.CPUs()
	if capacity := a.pool.Capacity(); want > capacity {
		return nil, &CapacityError{Want: want, Capacity: capacity}
	}

	var creds models.Credentials
	if a.credentials != nil {
		c, err := a.credentials.Credentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving credentials: %w", err)
		}
		creds = c
	}

	hosts, err := a.reserve(want, criteria)
	if err != nil {
		a.logger.Info("deploy rejected",
			"allocator", a.name,
			"name", name,
			"min_cpus", want,
			"error", err,
		)
		return nil, err
	}

	handleID := uuid.New().String()
	accountingID := a.AccountingID()

	server, err := a.provisioner.Provision(ctx, models.ProvisionRequest{
		HandleID:     handleID,
		Name:         name,
		Hosts:        hosts,
		Credentials:  creds,
		AccountingID: accountingID,
		MPI:          a.mpi,
	})
	if err != nil {
		a.pool.Release(hosts)
		a.logger.Error("provisioning failed, reservation rolled back",
			"allocator", a.name,
			"handle_id", handleID,
			"hostnames", hosts,
			"error", err,
		)
		a.publish(models.PoolEventRolledBack, handleID, hosts)
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}

	handle := &models.ServerHandle{
		ID:            handleID,
		Name:          name,
		AssignedHosts: hosts,
		AccountingID:  accountingID,
		Owner:         creds.User,
		Server:        server,
		CreatedAt:     time.Now().UTC(),
	}

	a.mu.Lock()
	a.handles[handle.ID] = handle
	a.mu.Unlock()

	if a.journal != nil {
		if err := a.journal.Record(ctx, models.AllocationFromHandle(a.name, handle)); err != nil {
			a.logger.Error("failed to record allocation", "handle_id", handle.ID, "error", err)
		}
	}

	a.logger.Info("server deployed",
		"allocator", a.name,
		"handle_id", handle.ID,
		"name", name,
		"hostnames", hosts,
		"server_host", server.Host,
	)
	a.publish(models.PoolEventDeployed, handle.ID, hosts)

	return copyHandle(handle), nil
}

// reserve takes want nodes from the pool, preferring the criteria hostnames.
func (a *Allocator) reserve(want int, criteria *models.Criteria) ([]string, error) {
	if criteria != nil && len(criteria.Hostnames) == want {
		hosts := make([]string, want)
		copy(hosts, criteria.Hostnames)
		if err := a.pool.Reserve(hosts); err != nil {
			return nil, fmt.Errorf("nodes taken by a concurrent deploy: %w", err)
		}
		return hosts, nil
	}

	hosts, err := a.pool.ReserveAny(want)
	if err != nil {
		return nil, fmt.Errorf("reserving %d nodes: %w", want, err)
	}
	return hosts, nil
}

// Release frees the nodes recorded for handle and tears its server down.
// Releasing a handle that is no longer registered is a no-op, so a stale
// handle can never free nodes that were reserved again by a later deploy.
// Nodes are returned to the pool even when teardown fails.
func (a *Allocator) Release(ctx context.Context, handle *models.ServerHandle) error {
	if handle == nil {
		return nil
	}

	a.mu.Lock()
	stored, ok := a.handles[handle.ID]
	if ok {
		delete(a.handles, handle.ID)
	}
	a.mu.Unlock()

	if !ok {
		a.logger.Debug("release of unregistered handle ignored", "handle_id", handle.ID)
		return nil
	}

	return a.release(ctx, stored)
}

// ReleaseByID releases a registered handle by ID.
func (a *Allocator) ReleaseByID(ctx context.Context, id string) error {
	a.mu.Lock()
	stored, ok := a.handles[id]
	if ok {
		delete(a.handles, id)
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrHandleNotFound, id)
	}
	return a.release(ctx, stored)
}

// ReleaseAll releases every registered handle.
func (a *Allocator) ReleaseAll(ctx context.Context) error {
	a.mu.Lock()
	handles := make([]*models.ServerHandle, 0, len(a.handles))
	for id, h := range a.handles {
		handles = append(handles, h)
		delete(a.handles, id)
	}
	a.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := a.release(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	if len(handles) > 0 {
		a.logger.Info("released all servers", "count", len(handles), "failed", len(errs))
	}
	return errors.Join(errs...)
}

// release frees an unregistered handle's nodes and tears its server down.
func (a *Allocator) release(ctx context.Context, h *models.ServerHandle) error {
	freed := a.pool.Release(h.AssignedHosts)

	teardownErr := a.provisioner.Teardown(ctx, h.Server)
	if teardownErr != nil {
		a.logger.Warn("server teardown failed", "handle_id", h.ID, "error", teardownErr)
	}

	if a.journal != nil {
		if err := a.journal.MarkReleased(ctx, h.ID, time.Now().UTC()); err != nil {
			a.logger.Error("failed to mark allocation released", "handle_id", h.ID, "error", err)
		}
	}

	a.logger.Info("server released",
		"allocator", a.name,
		"handle_id", h.ID,
		"hostnames", h.AssignedHosts,
		"freed", freed,
	)
	a.publish(models.PoolEventReleased, h.ID, h.AssignedHosts)

	if teardownErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrTeardown, h.ID, teardownErr)
	}
	return nil
}

// Handle returns a copy of a registered handle.
func (a *Allocator) Handle(id string) (*models.ServerHandle, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h, ok := a.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandleNotFound, id)
	}
	return copyHandle(h), nil
}

// Handles lists registered handles, oldest first.
func (a *Allocator) Handles() []*models.ServerHandle {
	a.mu.RLock()
	out := make([]*models.ServerHandle, 0, len(a.handles))
	for _, h := range a.handles {
		out = append(out, copyHandle(h))
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Status returns a snapshot of the allocator and its pool.
func (a *Allocator) Status() models.PoolStatus {
	nodes := a.pool.Snapshot()
	free := 0
	for _, n := range nodes {
		if n.IsFree() {
			free++
		}
	}
	return models.PoolStatus{
		Name:         a.name,
		AccountingID: a.AccountingID(),
		MPI:          a.mpi,
		Capacity:     len(nodes),
		Free:         free,
		Busy:         len(nodes) - free,
		Nodes:        nodes,
	}
}

// Configure applies descriptive updates. The pool is never resized.
func (a *Allocator) Configure(update ConfigUpdate) {
	if update.AccountingID == nil {
		return
	}

	a.mu.Lock()
	old := a.accountingID
	a.accountingID = *update.AccountingID
	a.mu.Unlock()

	a.logger.Info("allocator reconfigured",
		"allocator", a.name,
		"old_accounting_id", old,
		"accounting_id", *update.AccountingID,
	)
	a.publish(models.PoolEventConfigured, "", nil)
}

func (a *Allocator) publish(t models.PoolEventType, handleID string, hosts []string) {
	if a.publisher == nil {
		return
	}
	free, busy := a.pool.Counts()
	a.publisher.Publish(&models.PoolEvent{
		Type:      t,
		Allocator: a.name,
		HandleID:  handleID,
		Hosts:     hosts,
		Free:      free,
		Busy:      busy,
		Timestamp: time.Now().UTC(),
	})
}

func copyHandle(h *models.ServerHandle) *models.ServerHandle {
	c := *h
	c.AssignedHosts = make([]string, len(h.AssignedHosts))
	copy(c.AssignedHosts, h.AssignedHosts)
	return &c
}

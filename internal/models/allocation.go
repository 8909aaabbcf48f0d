package models

import "time"

// Criteria is the non-binding proposal produced by an estimate.
// Hostnames are a hint for deploy, never a reservation.
type Criteria struct {
	Allocator string   `json:"allocator,omitempty"`
	Hostnames []string `json:"hostnames"`
}

// Credentials identify who may access a provisioned server.
// The allocator passes them through without interpreting them.
type Credentials struct {
	User      string `json:"user"`
	PublicKey string `json:"public_key,omitempty"`
}

// ServerInfo describes a server process started by a provisioner.
type ServerInfo struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Endpoint string `json:"endpoint,omitempty"`
	PID      int    `json:"pid,omitempty"`
}

// ServerHandle is a live server bound to a set of reserved hostnames.
// AssignedHosts is set once at deploy time and read at release time.
type ServerHandle struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	AssignedHosts []string   `json:"assigned_hosts"`
	AccountingID  string     `json:"accounting_id"`
	Owner         string     `json:"owner,omitempty"`
	Server        ServerInfo `json:"server"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Allocation is the journal record of a deploy and its eventual release.
type Allocation struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Allocator    string     `json:"allocator"`
	Hosts        []string   `json:"hosts"`
	AccountingID string     `json:"accounting_id"`
	Owner        string     `json:"owner,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`
}

// Active reports whether the allocation still holds its nodes.
func (a *Allocation) Active() bool {
	return a.ReleasedAt == nil
}

// AllocationFromHandle builds the journal record for a freshly deployed handle.
func AllocationFromHandle(allocator string, h *ServerHandle) *Allocation {
	hosts := make([]string, len(h.AssignedHosts))
	copy(hosts, h.AssignedHosts)
	return &Allocation{
		ID:           h.ID,
		Name:         h.Name,
		Allocator:    allocator,
		Hosts:        hosts,
		AccountingID: h.AccountingID,
		Owner:        h.Owner,
		CreatedAt:    h.CreatedAt,
	}
}

// ProvisionRequest asks a provisioner to start a server on reserved hosts.
type ProvisionRequest struct {
	HandleID     string      `json:"handle_id"`
	Name         string      `json:"name"`
	Hosts        []string    `json:"hosts"`
	Credentials  Credentials `json:"credentials"`
	AccountingID string      `json:"accounting_id"`
	MPI          bool        `json:"mpi"`
}

package models

// NodeState represents whether a node is available for reservation.
type NodeState string

const (
	// NodeStateFree indicates the node is not part of any reservation.
	NodeStateFree NodeState = "free"
	// NodeStateBusy indicates the node backs an outstanding reservation.
	NodeStateBusy NodeState = "busy"
)

// Node represents one machine in the batch allocation's node list.
type Node struct {
	Hostname string    `json:"hostname"`
	State    NodeState `json:"state"`
}

// IsFree reports whether the node can be reserved.
func (n Node) IsFree() bool {
	return n.State == NodeStateFree
}

// PoolStatus is a read-only snapshot of an allocator and its node pool.
type PoolStatus struct {
	Name         string `json:"name"`
	AccountingID string `json:"accounting_id"`
	MPI          bool   `json:"mpi"`
	Capacity     int    `json:"capacity"`
	Free         int    `json:"free"`
	Busy         int    `json:"busy"`
	Nodes        []Node `json:"nodes"`
}

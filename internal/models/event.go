package models

import "time"

// PoolEventType identifies what changed in the pool.
type PoolEventType string

const (
	PoolEventDeployed   PoolEventType = "deployed"
	PoolEventReleased   PoolEventType = "released"
	PoolEventRolledBack PoolEventType = "rolled_back"
	PoolEventConfigured PoolEventType = "configured"
	// PoolEventSnapshot is the first message on a new event stream.
	PoolEventSnapshot PoolEventType = "snapshot"
)

// PoolEvent is published whenever node state or allocator configuration changes.
type PoolEvent struct {
	Type      PoolEventType `json:"type"`
	Allocator string        `json:"allocator"`
	HandleID  string        `json:"handle_id,omitempty"`
	Hosts     []string      `json:"hosts,omitempty"`
	Free      int           `json:"free"`
	Busy      int           `json:"busy"`
	Timestamp time.Time     `json:"timestamp"`
}

package models

import (
	"fmt"
	"math"
	"sort"
)

// Resource request keys as they appear on the wire.
const (
	KeyMinCPUs   = "min_cpus"
	KeyMaxCPUs   = "max_cpus"
	KeyLocalhost = "localhost"
	KeyAllocator = "allocator"
	// KeyName is accepted as an alias for KeyAllocator.
	KeyName = "name"
)

// ResourceRequest describes the resources a caller needs from an allocator.
// MinCPUs and MaxCPUs are nil when the key was not supplied.
type ResourceRequest struct {
	AllocatorName string `json:"allocator,omitempty"`
	MinCPUs       *int   `json:"min_cpus,omitempty"`
	MaxCPUs       *int   `json:"max_cpus,omitempty"`
	Localhost     bool   `json:"localhost,omitempty"`

	// Unrecognized holds keys this allocator does not understand, sorted.
	Unrecognized []string `json:"-"`
	// Invalid maps a recognized key to the reason its value was rejected.
	Invalid map[string]string `json:"-"`
}

// NewCPURequest is a convenience constructor for a request of n CPUs.
func NewCPURequest(n int) *ResourceRequest {
	return &ResourceRequest{MinCPUs: &n}
}

// HasMinCPUs reports whether min_cpus was supplied.
func (r *ResourceRequest) HasMinCPUs() bool {
	return r != nil && r.MinCPUs != nil
}

// CPUs returns the requested minimum CPU count, or 0 when absent.
func (r *ResourceRequest) CPUs() int {
	if !r.HasMinCPUs() {
		return 0
	}
	return *r.MinCPUs
}

// ParseResourceRequest converts a wire mapping into a ResourceRequest.
// It never fails: unknown keys and badly typed values are recorded on the
// result so compatibility checking can report them.
func ParseResourceRequest(desc map[string]any) *ResourceRequest {
	req := &ResourceRequest{}

	keys := make([]string, 0, len(desc))
	for k := range desc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := desc[key]
		switch key {
		case KeyMinCPUs:
			n, err := toInt(value)
			if err != nil {
				req.invalid(key, err.Error())
				continue
			}
			req.MinCPUs = &n
		case KeyMaxCPUs:
			n, err := toInt(value)
			if err != nil {
				req.invalid(key, err.Error())
				continue
			}
			req.MaxCPUs = &n
		case KeyLocalhost:
			b, ok := value.(bool)
			if !ok {
				req.invalid(key, fmt.Sprintf("expected boolean, got %T", value))
				continue
			}
			req.Localhost = b
		case KeyAllocator, KeyName:
			s, ok := value.(string)
			if !ok {
				req.invalid(key, fmt.Sprintf("expected string, got %T", value))
				continue
			}
			req.AllocatorName = s
		default:
			req.Unrecognized = append(req.Unrecognized, key)
		}
	}

	return req
}

// ToMap converts the request back into its wire mapping.
func (r *ResourceRequest) ToMap() map[string]any {
	m := make(map[string]any)
	if r.AllocatorName != "" {
		m[KeyAllocator] = r.AllocatorName
	}
	if r.MinCPUs != nil {
		m[KeyMinCPUs] = *r.MinCPUs
	}
	if r.MaxCPUs != nil {
		m[KeyMaxCPUs] = *r.MaxCPUs
	}
	if r.Localhost {
		m[KeyLocalhost] = true
	}
	return m
}

func (r *ResourceRequest) invalid(key, reason string) {
	if r.Invalid == nil {
		r.Invalid = make(map[string]string)
	}
	r.Invalid[key] = reason
}

// toInt accepts the numeric types produced by JSON and protobuf decoding.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

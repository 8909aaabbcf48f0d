package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseResourceRequest(t *testing.T) {
	req := ParseResourceRequest(map[string]any{
		"min_cpus":  float64(4),
		"max_cpus":  int64(8),
		"localhost": true,
		"name":      "pbs",
		"gpus":      2,
		"memory":    "1G",
	})

	require.True(t, req.HasMinCPUs())
	require.Equal(t, 4, req.CPUs())
	require.Equal(t, 8, *req.MaxCPUs)
	require.True(t, req.Localhost)
	require.Equal(t, "pbs", req.AllocatorName)
	require.Equal(t, []string{"gpus", "memory"}, req.Unrecognized)
	require.Empty(t, req.Invalid)
}

func TestParseResourceRequestInvalidValues(t *testing.T) {
	req := ParseResourceRequest(map[string]any{
		"min_cpus":  2.5,
		"max_cpus":  "lots",
		"localhost": "yes",
		"allocator": 7,
	})

	require.False(t, req.HasMinCPUs())
	require.Equal(t, 0, req.CPUs())
	require.Nil(t, req.MaxCPUs)
	require.Len(t, req.Invalid, 4)
	require.Contains(t, req.Invalid["min_cpus"], "expected integer")
	require.Empty(t, req.Unrecognized)
}

func TestResourceRequestToMap(t *testing.T) {
	require.Equal(t, map[string]any{"min_cpus": 3}, NewCPURequest(3).ToMap())

	var nilReq *ResourceRequest
	require.False(t, nilReq.HasMinCPUs())

	req := ParseResourceRequest(map[string]any{"allocator": "pbs", "localhost": false})
	require.Equal(t, map[string]any{"allocator": "pbs"}, req.ToMap())
}

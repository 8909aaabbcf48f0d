package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/mpi-allocator/internal/allocator"
	"github.com/narvanalabs/mpi-allocator/internal/auth"
	"github.com/narvanalabs/mpi-allocator/internal/nodepool"
)

func genErrorCode() gopter.Gen {
	return gen.OneConstOf(
		CodeValidationError,
		CodeNotFound,
		CodeUnauthorized,
		CodeForbidden,
		CodeInternalError,
		CodeConflict,
		CodeIncompatible,
		CodeUnavailable,
		CodeProvisioningFailed,
	)
}

func TestPropertyStructuredErrorResponseFormat(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genNonEmptyString := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0
	})
	genRequestID := gen.RegexMatch("[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}")

	properties.Property("error body carries code, message and request_id", prop.ForAll(
		func(code, message, requestID string) bool {
			rr := httptest.NewRecorder()
			WriteError(rr, New(code, message).WithRequestID(requestID))

			var response map[string]any
			if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
				t.Logf("Failed to decode response: %v", err)
				return false
			}
			return response["code"] == code &&
				response["message"] == message &&
				response["request_id"] == requestID &&
				rr.Header().Get("Content-Type") == "application/json"
		},
		genErrorCode(),
		genNonEmptyString,
		genRequestID,
	))

	properties.Property("HTTP status code matches error code", prop.ForAll(
		func(code string) bool {
			err := New(code, "test message")
			rr := httptest.NewRecorder()
			WriteError(rr, err)
			return rr.Code == err.HTTPStatusCode() && rr.Code >= 400
		},
		genErrorCode(),
	))

	properties.TestingRun(t)
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"unauthenticated", auth.ErrUnauthenticated, CodeUnauthorized, http.StatusUnauthorized},
		{"forbidden", fmt.Errorf("wrapped: %w", auth.ErrPermissionDenied), CodeForbidden, http.StatusForbidden},
		{"missing handle", fmt.Errorf("%w: h-1", allocator.ErrHandleNotFound), CodeNotFound, http.StatusNotFound},
		{"incompatible", &allocator.IncompatibleError{Key: "localhost", Reason: "no"}, CodeIncompatible, http.StatusUnprocessableEntity},
		{"conflict", fmt.Errorf("deploy: %w", &nodepool.ConflictError{Hosts: []string{"n1"}}), CodeConflict, http.StatusConflict},
		{"unavailable", &nodepool.UnavailableError{Want: 3, Have: 1}, CodeUnavailable, http.StatusServiceUnavailable},
		{"beyond capacity", &allocator.CapacityError{Want: 5, Capacity: 4}, CodeUnavailable, http.StatusServiceUnavailable},
		{"provisioning", fmt.Errorf("%w: %w", allocator.ErrProvisioning, fmt.Errorf("ssh: refused")), CodeProvisioningFailed, http.StatusBadGateway},
		{"unknown", fmt.Errorf("disk on fire"), CodeInternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := FromError(tt.err)
			if apiErr.Code != tt.code {
				t.Errorf("Code = %s, want %s", apiErr.Code, tt.code)
			}
			if apiErr.HTTPStatusCode() != tt.status {
				t.Errorf("status = %d, want %d", apiErr.HTTPStatusCode(), tt.status)
			}
		})
	}

	if FromError(nil) != nil {
		t.Error("FromError(nil) should be nil")
	}

	internal := FromError(fmt.Errorf("password=hunter2"))
	if internal.Message != "An unexpected error occurred" {
		t.Errorf("internal error leaked %q", internal.Message)
	}

	conflict := FromError(&nodepool.ConflictError{Hosts: []string{"n1", "n2"}})
	if hosts, ok := conflict.Details["hosts"].([]string); !ok || len(hosts) != 2 {
		t.Errorf("conflict details = %v", conflict.Details)
	}
	incompatible := FromError(&allocator.IncompatibleError{Key: "min_cpus", Reason: "too many", Transient: true})
	if incompatible.Details["key"] != "min_cpus" || incompatible.Details["transient"] != true {
		t.Errorf("incompatible details = %v", incompatible.Details)
	}
	beyond := FromError(&allocator.CapacityError{Want: 5, Capacity: 4})
	if beyond.Details["capacity"] != 4 || beyond.Details["transient"] != false {
		t.Errorf("capacity details = %v", beyond.Details)
	}
}

func TestErrorLogEntry(t *testing.T) {
	entry := NewErrorLogEntry("req-1", CodeInternalError, "panic recovered")
	if entry.CorrelationID != "req-1" || entry.ErrorCode != CodeInternalError || entry.StackTrace == "" {
		t.Errorf("entry = %+v", entry)
	}
}

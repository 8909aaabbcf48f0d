package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/mpi-allocator/internal/allocator"
	"github.com/narvanalabs/mpi-allocator/internal/auth"
	"github.com/narvanalabs/mpi-allocator/internal/models"
	"github.com/narvanalabs/mpi-allocator/pkg/logger"
)

// AllocatorHandler serves the allocator operations.
type AllocatorHandler struct {
	guard  *auth.Guard
	logger *slog.Logger
}

// NewAllocatorHandler creates a new allocator handler.
func NewAllocatorHandler(guard *auth.Guard, logger *slog.Logger) *AllocatorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AllocatorHandler{
		guard:  guard,
		logger: logger,
	}
}

// CompatibilityResponse is returned by POST /v1/compatibility.
type CompatibilityResponse struct {
	Compatible bool   `json:"compatible"`
	Key        string `json:"key,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Transient  bool   `json:"transient,omitempty"`
}

// EstimateResponse is returned by POST /v1/estimate.
type EstimateResponse struct {
	Score    int              `json:"score"`
	Criteria *models.Criteria `json:"criteria,omitempty"`
}

// MaxServersResponse is returned by POST /v1/max-servers.
type MaxServersResponse struct {
	MaxServers int `json:"max_servers"`
}

// DeployRequest is the body of POST /v1/servers.
type DeployRequest struct {
	Name     string           `json:"name"`
	Request  map[string]any   `json:"request"`
	Criteria *models.Criteria `json:"criteria,omitempty"`
}

// ConfigRequest is the body of PUT /v1/config.
type ConfigRequest struct {
	AccountingID *string `json:"accounting_id"`
}

// readResourceRequest decodes a resource request mapping from the body.
func (h *AllocatorHandler) readResourceRequest(w http.ResponseWriter, r *http.Request) (*models.ResourceRequest, bool) {
	desc := map[string]any{}
	if err := decodeBody(r, &desc); err != nil {
		writeBadRequest(w, r, "Invalid request body")
		return nil, false
	}
	return models.ParseResourceRequest(desc), true
}

// CheckCompatibility handles POST /v1/compatibility. An incompatible request
// is a normal answer, not an error.
func (h *AllocatorHandler) CheckCompatibility(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readResourceRequest(w, r)
	if !ok {
		return
	}

	err := h.guard.CheckCompatibility(r.Context(), req)
	var ie *allocator.IncompatibleError
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, CompatibilityResponse{Compatible: true})
	case errors.As(err, &ie):
		WriteJSON(w, http.StatusOK, CompatibilityResponse{
			Key:       ie.Key,
			Reason:    ie.Reason,
			Transient: ie.Transient,
		})
	default:
		writeError(w, r, h.logger, err)
	}
}

// Estimate handles POST /v1/estimate.
func (h *AllocatorHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readResourceRequest(w, r)
	if !ok {
		return
	}

	score, criteria, err := h.guard.Estimate(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, EstimateResponse{Score: score, Criteria: criteria})
}

// MaxServers handles POST /v1/max-servers.
func (h *AllocatorHandler) MaxServers(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readResourceRequest(w, r)
	if !ok {
		return
	}

	n, err := h.guard.MaxServers(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, MaxServersResponse{MaxServers: n})
}

// Deploy handles POST /v1/servers.
func (h *AllocatorHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var body DeployRequest
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, r, "Invalid request body")
		return
	}
	if body.Name == "" {
		writeBadRequest(w, r, "name is required")
		return
	}

	handle, err := h.guard.Deploy(r.Context(), body.Name, models.ParseResourceRequest(body.Request), body.Criteria)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, handle)
}

// List handles GET /v1/servers.
func (h *AllocatorHandler) List(w http.ResponseWriter, r *http.Request) {
	handles, err := h.guard.Handles(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if handles == nil {
		handles = []*models.ServerHandle{}
	}
	WriteJSON(w, http.StatusOK, handles)
}

// Get handles GET /v1/servers/{handleID}.
func (h *AllocatorHandler) Get(w http.ResponseWriter, r *http.Request) {
	handle, err := h.guard.Handle(r.Context(), chi.URLParam(r, "handleID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, handle)
}

// Release handles DELETE /v1/servers/{handleID}.
func (h *AllocatorHandler) Release(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "handleID")
	ctx := logger.ContextWithHandleID(r.Context(), id)

	err := h.guard.Release(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, allocator.ErrTeardown):
		// The nodes are free; the caller has nothing left to retry.
		h.logger.Warn("server released with teardown error", "handle_id", id, "error", err)
	default:
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /v1/pool.
func (h *AllocatorHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.guard.Status(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

// Configure handles PUT /v1/config.
func (h *AllocatorHandler) Configure(w http.ResponseWriter, r *http.Request) {
	var body ConfigRequest
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, r, "Invalid request body")
		return
	}
	if body.AccountingID == nil {
		writeBadRequest(w, r, "accounting_id is required")
		return
	}

	if err := h.guard.Configure(r.Context(), allocator.ConfigUpdate{AccountingID: body.AccountingID}); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.Status(w, r)
}

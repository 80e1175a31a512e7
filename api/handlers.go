/*
handlers.go - HTTP API handlers for the contract reconciliation service

PURPOSE:
  Exposes the reconciliation engine and the quota tracker via a JSON API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  grain package.

ENDPOINTS:
  Reports:
    GET    /api/pending?min_harvest=        Pending contracts, totals, rollup
    GET    /api/coverage?min_harvest=       Stock vs pending per grain/harvest

  Contracts:
    GET    /api/contracts                   Ids by latest delivery
    GET    /api/contracts/{id}/ledger       Running-balance ledger
    GET    /api/contracts/{id}/statement    Delivery and liquidation statement

  Quotas:
    GET    /api/quotas/open                 Open requests, newest first
    POST   /api/quotas                      Create request
    GET    /api/quotas/{id}/message         Rendered request message
    POST   /api/quotas/{id}/trip            Link (or relink) to a trip
    POST   /api/quotas/{id}/code            Set or clear authorization code
    DELETE /api/quotas/{id}                 Delete request

  Trips:
    GET    /api/trips                       Freight trips

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the reconciler or tracker
  3. Serialize response
  4. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input (grain.IsClientError, bad JSON, bad dates)
  - 404: Unknown quota or trip (grain.IsNotFound)
  - 500: Internal errors
  Unreadable source tables are not errors: reports come back 200 with
  diagnostics.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/acopio/contract-ledger/grain"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger checks the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Reconciler *grain.Reconciler
	Quotas     *grain.QuotaTracker
	Trips      grain.TripSource
	Store      Pinger

	// MinHarvest applies when a request has no min_harvest parameter.
	MinHarvest grain.Harvest

	// Sender signs quota request messages.
	Sender string

	Log *zap.Logger

	mu          sync.RWMutex
	lastRefresh time.Time
	refreshErr  error
	lastCheck   *SourceCheckDTO
}

// NewHandler creates a handler.
func NewHandler(reconciler *grain.Reconciler, quotas *grain.QuotaTracker, trips grain.TripSource, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Reconciler: reconciler,
		Quotas:     quotas,
		Trips:      trips,
		Log:        log.Named("api"),
	}
}

func (h *Handler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// recordRefresh stores the outcome of the last scheduled refresh.
// A failed refresh keeps the previous check.
func (h *Handler) recordRefresh(at time.Time, check *SourceCheckDTO, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastRefresh = at
	h.refreshErr = err
	if check != nil {
		h.lastCheck = check
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports store reachability and the last refresh.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthDTO{Status: "ok"}

	h.mu.RLock()
	if !h.lastRefresh.IsZero() {
		at := h.lastRefresh
		resp.LastRefresh = &at
	}
	if h.refreshErr != nil {
		resp.RefreshErr = h.refreshErr.Error()
	}
	if h.lastCheck != nil {
		check := *h.lastCheck
		resp.LastCheck = &check
	}
	h.mu.RUnlock()

	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			resp.Status = "unavailable"
			h.writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// GetPending returns pending contracts with totals.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.PendingReport(r.Context(), h.minHarvest(r))
	if err != nil {
		h.writeDomainError(w, "Failed to build pending report", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// GetCoverage returns stock vs pending rows.
func (h *Handler) GetCoverage(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Coverage(r.Context(), h.minHarvest(r))
	if err != nil {
		h.writeDomainError(w, "Failed to build coverage report", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) minHarvest(r *http.Request) grain.Harvest {
	if v, ok := r.URL.Query()["min_harvest"]; ok {
		return grain.Harvest(strings.TrimSpace(v[0]))
	}
	return h.MinHarvest
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// ListContracts returns contract ids, most recently delivered first.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	ids, diag, err := h.Reconciler.ContractsByLatestDelivery(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list contracts", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	h.writeJSON(w, http.StatusOK, ContractIndexDTO{Contracts: ids, Diagnostics: diag})
}

// GetLedger returns the running-balance ledger of a contract.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	ledger, err := h.Reconciler.Ledger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to build ledger", err)
		return
	}
	if ledger.Entries == nil {
		ledger.Entries = []grain.LedgerEntry{}
	}
	h.writeJSON(w, http.StatusOK, ledger)
}

// GetStatement returns the delivery and liquidation statement of a contract.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	st, err := h.Reconciler.Statement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to build statement", err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// =============================================================================
// QUOTA HANDLERS
// =============================================================================

// ListOpenQuotas returns requests with no trip, newest first.
func (h *Handler) ListOpenQuotas(w http.ResponseWriter, r *http.Request) {
	qs, err := h.Quotas.ListOpen(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list quota requests", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toQuotaDTOs(qs))
}

// CreateQuota creates an open request.
func (h *Handler) CreateQuota(w http.ResponseWriter, r *http.Request) {
	var req CreateQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var at time.Time
	if req.RequestedAt != "" {
		var err error
		at, err = time.Parse("2006-01-02", req.RequestedAt)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid requested_at, expected YYYY-MM-DD", err)
			return
		}
	}

	q, err := h.Quotas.RequestQuota(r.Context(), grain.NewQuota{
		ContractID:  req.ContractID,
		Grain:       req.Grain,
		Harvest:     grain.Harvest(req.Harvest),
		Quantity:    req.Quantity,
		Requester:   req.Requester,
		RequestedAt: at,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create quota request", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toQuotaDTO(q))
}

// GetQuotaMessage renders the message for the counterparty.
func (h *Handler) GetQuotaMessage(w http.ResponseWriter, r *http.Request) {
	id := grain.QuotaID(chi.URLParam(r, "id"))
	q, err := h.Quotas.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get quota request", err)
		return
	}

	sender := r.URL.Query().Get("sender")
	if sender == "" {
		sender = h.Sender
	}
	h.writeJSON(w, http.StatusOK, QuotaMessageDTO{
		ID:      q.ID,
		Message: q.Message(r.URL.Query().Get("counterparty"), sender),
	})
}

// LinkTrip links a request to a freight trip.
func (h *Handler) LinkTrip(w http.ResponseWriter, r *http.Request) {
	var req LinkTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	q, err := h.Quotas.LinkTrip(r.Context(), grain.QuotaID(chi.URLParam(r, "id")), req.TripID)
	if err != nil {
		h.writeDomainError(w, "Failed to link trip", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toQuotaDTO(q))
}

// SetAuthorizationCode sets or clears the authorization code.
func (h *Handler) SetAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	var req SetCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	q, err := h.Quotas.SetAuthorizationCode(r.Context(), grain.QuotaID(chi.URLParam(r, "id")), req.Code)
	if err != nil {
		h.writeDomainError(w, "Failed to set authorization code", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toQuotaDTO(q))
}

// DeleteQuota removes a request.
func (h *Handler) DeleteQuota(w http.ResponseWriter, r *http.Request) {
	if err := h.Quotas.Delete(r.Context(), grain.QuotaID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, "Failed to delete quota request", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// TRIP HANDLERS
// =============================================================================

// ListTrips returns freight trips.
func (h *Handler) ListTrips(w http.ResponseWriter, r *http.Request) {
	if h.Trips == nil {
		h.writeJSON(w, http.StatusOK, []TripDTO{})
		return
	}
	trips, err := h.Trips.Trips(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list trips", err)
		return
	}
	dtos := make([]TripDTO, len(trips))
	for i, t := range trips {
		dtos[i] = toTripDTO(t)
	}
	h.writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// encodeFailure is sent when a response body cannot be encoded.
var encodeFailure = []byte(`{"error":"Failed to encode response"}` + "\n")

// writeJSON encodes data before writing the status, so an unencodable
// body becomes a 500 instead of a success with an empty body.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		h.logger().Error("encode response", zap.Int("status", status), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		w.Write(encodeFailure)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		h.logger().Debug("write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	h.writeJSON(w, status, resp)
}

// writeDomainError maps grain errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case grain.IsClientError(err):
		h.writeError(w, http.StatusBadRequest, message, err)
	case grain.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, message, err)
	default:
		h.logger().Error(message, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, message, errors.New("internal error"))
	}
}

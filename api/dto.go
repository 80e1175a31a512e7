/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Report types from the
  grain package already carry JSON tags and are returned as is; this file
  holds request bodies and the types whose wire shape differs from the
  domain model.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Quotas:
    QuotaDTO, CreateQuotaRequest, LinkTripRequest, SetCodeRequest, QuotaMessageDTO

  Trips:
    TripDTO

  Contracts:
    ContractIndexDTO

VALIDATION:
  Validation is done by grain.QuotaTracker, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/acopio/contract-ledger/grain"
)

// =============================================================================
// QUOTAS
// =============================================================================

// QuotaDTO is a quota request with its derived state.
type QuotaDTO struct {
	grain.QuotaRequest
	State grain.QuotaState `json:"state"`
}

// CreateQuotaRequest is the body for creating a quota request.
type CreateQuotaRequest struct {
	ContractID  string `json:"contract_id"`
	Grain       string `json:"grain"`
	Harvest     string `json:"harvest"`
	Quantity    int    `json:"quantity"`
	Requester   string `json:"requester"`
	RequestedAt string `json:"requested_at,omitempty"` // YYYY-MM-DD, default today
}

// LinkTripRequest is the body for linking a quota to a trip.
type LinkTripRequest struct {
	TripID string `json:"trip_id"`
}

// SetCodeRequest is the body for setting the authorization code.
// An empty code clears it.
type SetCodeRequest struct {
	Code string `json:"code"`
}

// QuotaMessageDTO is the rendered request message.
type QuotaMessageDTO struct {
	ID      grain.QuotaID `json:"id"`
	Message string        `json:"message"`
}

// =============================================================================
// TRIPS
// =============================================================================

// TripDTO represents a freight trip in API responses.
type TripDTO struct {
	ID         string  `json:"id"`
	Date       string  `json:"date,omitempty"`
	CTG        string  `json:"ctg"`
	GrainCode  string  `json:"grain_code"`
	Harvest    string  `json:"harvest"`
	Gross      float64 `json:"gross"`
	Net        float64 `json:"net"`
	Rate       string  `json:"rate"`
	Kilometers int     `json:"kilometers"`
	Carrier    string  `json:"carrier"`
	Driver     string  `json:"driver"`
	Amount     string  `json:"amount"`
	Origin     string  `json:"origin"`
}

// =============================================================================
// CONTRACTS
// =============================================================================

// ContractIndexDTO lists contract ids by latest delivery.
type ContractIndexDTO struct {
	Contracts   []string          `json:"contracts"`
	Diagnostics grain.Diagnostics `json:"diagnostics"`
}

// HealthDTO is the health check response.
type HealthDTO struct {
	Status      string          `json:"status"`
	LastRefresh *time.Time      `json:"last_refresh,omitempty"`
	RefreshErr  string          `json:"refresh_error,omitempty"`
	LastCheck   *SourceCheckDTO `json:"last_check,omitempty"`
}

// SourceCheckDTO counts what the last scheduled pending report saw.
type SourceCheckDTO struct {
	Contracts int `json:"contracts"`
	Evaluated int `json:"evaluated"`
	Skipped   int `json:"skipped"`
	Warnings  int `json:"warnings"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toQuotaDTO(q grain.QuotaRequest) QuotaDTO {
	return QuotaDTO{QuotaRequest: q, State: q.State()}
}

func toQuotaDTOs(qs []grain.QuotaRequest) []QuotaDTO {
	out := make([]QuotaDTO, len(qs))
	for i, q := range qs {
		out[i] = toQuotaDTO(q)
	}
	return out
}

func toTripDTO(t grain.Trip) TripDTO {
	dto := TripDTO{
		ID:         t.ID,
		CTG:        t.CTG,
		GrainCode:  t.GrainCode,
		Harvest:    string(t.Harvest),
		Gross:      t.Gross,
		Net:        t.Net,
		Rate:       t.Rate.StringFixed(2),
		Kilometers: t.Kilometers,
		Carrier:    t.Carrier,
		Driver:     t.Driver,
		Amount:     t.Amount.StringFixed(2),
		Origin:     t.Origin,
	}
	if !t.Date.IsZero() {
		dto.Date = t.Date.Format("2006-01-02")
	}
	return dto
}

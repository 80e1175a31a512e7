/*
quota.go - Quota request tracker

PURPOSE:
  A quota request asks the buyer for truck slots against a contract. It
  is linked to at most one freight trip and may carry the authorization
  code the buyer issues.

STATE MACHINE:
  Open   (TripID == nil) --LinkTrip--> Linked (TripID set)
  Linked               --LinkTrip--> Linked (trip overwritten)

  AuthorizationCode is independent of the link state.
  Delete removes the request in any state.

CONCURRENCY:
  Every mutation goes through QuotaStore.UpdateQuota, which holds a
  single-row transaction, so LinkTrip and Delete on the same id never
  interleave.
*/
package grain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QuotaID identifies a quota request.
type QuotaID string

// QuotaState is derived from the trip link.
type QuotaState string

const (
	QuotaOpen   QuotaState = "open"
	QuotaLinked QuotaState = "linked"
)

// QuotaRequest is a request for truck slots against a contract.
type QuotaRequest struct {
	ID                QuotaID   `json:"id"`
	ContractID        string    `json:"contract_id"`
	Grain             string    `json:"grain"`
	Harvest           Harvest   `json:"harvest"`
	Quantity          int       `json:"quantity"`
	Requester         string    `json:"requester"`
	RequestedAt       time.Time `json:"requested_at"`
	TripID            *string   `json:"trip_id"`
	AuthorizationCode *string   `json:"authorization_code"`
}

// State returns Linked when a trip is set.
func (q QuotaRequest) State() QuotaState {
	if q.TripID != nil {
		return QuotaLinked
	}
	return QuotaOpen
}

// Message renders the text sent to the counterparty to ask for the quota.
func (q QuotaRequest) Message(counterparty, sender string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", strings.TrimSpace(counterparty))
	fmt.Fprintf(&b, "Message for: %s.\n\n", q.Requester)
	fmt.Fprintf(&b, "We request %d quota(s) of %s, harvest %s, for %s.\n\n",
		q.Quantity, q.Grain, q.Harvest, q.RequestedAt.Format("02/01/2006"))
	fmt.Fprintf(&b, "Regards,\n%s", sender)
	return b.String()
}

// SortNewestFirst orders requests by RequestedAt descending, ties by id.
func SortNewestFirst(qs []QuotaRequest) {
	sort.SliceStable(qs, func(i, j int) bool {
		if !qs[i].RequestedAt.Equal(qs[j].RequestedAt) {
			return qs[i].RequestedAt.After(qs[j].RequestedAt)
		}
		return qs[i].ID < qs[j].ID
	})
}

// =============================================================================
// TRACKER
// =============================================================================

// NewQuota is the input to RequestQuota.
type NewQuota struct {
	ContractID  string
	Grain       string
	Harvest     Harvest
	Quantity    int
	Requester   string
	RequestedAt time.Time // zero means now
}

// QuotaTracker applies the quota state machine over a QuotaStore.
type QuotaTracker struct {
	Store QuotaStore

	// Trips is optional. When set, LinkTrip rejects unknown trips.
	Trips TripSource

	Now   func() time.Time
	NewID func() QuotaID
	Log   *zap.Logger
}

// NewQuotaTracker creates a tracker with uuid ids and the wall clock.
func NewQuotaTracker(store QuotaStore, trips TripSource, log *zap.Logger) *QuotaTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &QuotaTracker{
		Store: store,
		Trips: trips,
		Now:   time.Now,
		NewID: func() QuotaID { return QuotaID(uuid.NewString()) },
		Log:   log.Named("quotas"),
	}
}

// RequestQuota creates a new open request.
func (t *QuotaTracker) RequestQuota(ctx context.Context, in NewQuota) (QuotaRequest, error) {
	q := QuotaRequest{
		ContractID:  trimID(in.ContractID),
		Grain:       strings.TrimSpace(in.Grain),
		Harvest:     in.Harvest.Trim(),
		Quantity:    in.Quantity,
		Requester:   strings.TrimSpace(in.Requester),
		RequestedAt: in.RequestedAt,
	}
	if err := validateQuota(q); err != nil {
		return QuotaRequest{}, err
	}
	if q.RequestedAt.IsZero() {
		q.RequestedAt = t.Now().UTC()
	}
	if t.NewID != nil {
		q.ID = t.NewID()
	}

	stored, err := t.Store.CreateQuota(ctx, q)
	if err != nil {
		return QuotaRequest{}, fmt.Errorf("create quota request: %w", err)
	}
	t.Log.Info("quota requested",
		zap.String("id", string(stored.ID)),
		zap.String("contract", stored.ContractID),
		zap.Int("quantity", stored.Quantity))
	return stored, nil
}

func validateQuota(q QuotaRequest) error {
	switch {
	case q.ContractID == "":
		return fmt.Errorf("%w: contract id is required", ErrInvalidQuota)
	case q.Grain == "":
		return fmt.Errorf("%w: grain is required", ErrInvalidQuota)
	case q.Harvest == "":
		return fmt.Errorf("%w: harvest is required", ErrInvalidQuota)
	case q.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidQuota, q.Quantity)
	case q.Requester == "":
		return fmt.Errorf("%w: requester is required", ErrInvalidQuota)
	}
	return nil
}

// LinkTrip links the request to tripID, replacing any previous link.
func (t *QuotaTracker) LinkTrip(ctx context.Context, id QuotaID, tripID string) (QuotaRequest, error) {
	tripID = strings.TrimSpace(tripID)
	if tripID == "" {
		return QuotaRequest{}, fmt.Errorf("%w: trip id is required", ErrInvalidQuota)
	}
	if t.Trips != nil {
		ok, err := t.Trips.TripExists(ctx, tripID)
		if err != nil {
			return QuotaRequest{}, fmt.Errorf("look up trip %s: %w", tripID, err)
		}
		if !ok {
			return QuotaRequest{}, fmt.Errorf("%w: %s", ErrTripNotFound, tripID)
		}
	}

	q, err := t.Store.UpdateQuota(ctx, id, func(q *QuotaRequest) error {
		if q.TripID != nil && *q.TripID != tripID {
			t.Log.Info("relinking quota request",
				zap.String("id", string(id)),
				zap.String("from", *q.TripID),
				zap.String("to", tripID))
		}
		q.TripID = &tripID
		return nil
	})
	if err != nil {
		return QuotaRequest{}, err
	}
	return q, nil
}

// SetAuthorizationCode sets or, with an empty code, clears the code.
// The link state is left untouched.
func (t *QuotaTracker) SetAuthorizationCode(ctx context.Context, id QuotaID, code string) (QuotaRequest, error) {
	code = strings.TrimSpace(code)
	return t.Store.UpdateQuota(ctx, id, func(q *QuotaRequest) error {
		if code == "" {
			q.AuthorizationCode = nil
			return nil
		}
		q.AuthorizationCode = &code
		return nil
	})
}

// Get returns one request.
func (t *QuotaTracker) Get(ctx context.Context, id QuotaID) (QuotaRequest, error) {
	return t.Store.GetQuota(ctx, id)
}

// Delete removes the request.
func (t *QuotaTracker) Delete(ctx context.Context, id QuotaID) error {
	if err := t.Store.DeleteQuota(ctx, id); err != nil {
		return err
	}
	t.Log.Info("quota request deleted", zap.String("id", string(id)))
	return nil
}

// ListOpen returns requests with no trip, newest first.
func (t *QuotaTracker) ListOpen(ctx context.Context) ([]QuotaRequest, error) {
	qs, err := t.Store.ListOpenQuotas(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open quota requests: %w", err)
	}
	open := qs[:0]
	for _, q := range qs {
		if q.TripID == nil {
			open = append(open, q)
		}
	}
	SortNewestFirst(open)
	return open, nil
}

// Package store provides in-memory RecordSource, TripSource and QuotaStore
// implementations.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/acopio/contract-ledger/grain"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	contracts    []grain.Contract
	deliveries   []grain.Delivery
	liquidations []grain.Liquidation
	stock        []grain.StockSnapshot
	grains       []grain.GrainDescriptor
	trips        []grain.Trip
	quotas       map[grain.QuotaID]grain.QuotaRequest
	nextID       int

	// failures makes a table return the given error on every scan.
	failures map[grain.Table]error
}

func NewMemory() *Memory {
	return &Memory{
		quotas:   make(map[grain.QuotaID]grain.QuotaRequest),
		failures: make(map[grain.Table]error),
	}
}

// Fail makes every scan of table return err. A nil err clears it.
func (m *Memory) Fail(table grain.Table, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, table)
		return
	}
	m.failures[table] = err
}

// Drop makes table behave as if it did not exist.
func (m *Memory) Drop(table grain.Table) {
	m.Fail(table, fmt.Errorf("%s: %w", table, grain.ErrNotFound))
}

func (m *Memory) failure(table grain.Table) error {
	return m.failures[table]
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) AddContracts(cs ...grain.Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts = append(m.contracts, cs...)
}

func (m *Memory) AddDeliveries(ds ...grain.Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, ds...)
}

func (m *Memory) AddLiquidations(ls ...grain.Liquidation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liquidations = append(m.liquidations, ls...)
}

func (m *Memory) AddStock(ss ...grain.StockSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock = append(m.stock, ss...)
}

func (m *Memory) AddGrains(gs ...grain.GrainDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grains = append(m.grains, gs...)
}

func (m *Memory) AddTrips(ts ...grain.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips = append(m.trips, ts...)
}

// =============================================================================
// RECORD SOURCE
// =============================================================================

func (m *Memory) Contracts(ctx context.Context, filter grain.ContractFilter) ([]grain.Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(grain.TableContracts); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(filter.ID)
	var out []grain.Contract
	for _, c := range m.contracts {
		if id != "" && strings.TrimSpace(c.ID) != id {
			continue
		}
		if !c.Harvest.Trim().AtLeast(filter.MinHarvest) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Memory) Deliveries(ctx context.Context, contractID string) ([]grain.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(grain.TableDeliveries); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(contractID)
	var out []grain.Delivery
	for _, d := range m.deliveries {
		if id == "" || strings.TrimSpace(d.ContractID) == id {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) Liquidations(ctx context.Context, contractID string) ([]grain.Liquidation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(grain.TableLiquidations); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(contractID)
	var out []grain.Liquidation
	for _, l := range m.liquidations {
		if id == "" || strings.TrimSpace(l.ContractID) == id {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Memory) Stock(ctx context.Context) ([]grain.StockSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(grain.TableStock); err != nil {
		return nil, err
	}
	return append([]grain.StockSnapshot(nil), m.stock...), nil
}

func (m *Memory) Grains(ctx context.Context) ([]grain.GrainDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(grain.TableGrains); err != nil {
		return nil, err
	}
	return append([]grain.GrainDescriptor(nil), m.grains...), nil
}

// =============================================================================
// TRIP SOURCE
// =============================================================================

func (m *Memory) Trips(ctx context.Context) ([]grain.Trip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(grain.TableTrips); err != nil {
		return nil, err
	}
	return append([]grain.Trip(nil), m.trips...), nil
}

func (m *Memory) TripExists(ctx context.Context, id string) (bool, error) {
	trips, err := m.Trips(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range trips {
		if t.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// QUOTA STORE
// =============================================================================

// CreateQuota stores q, assigning a sequential id when q has none.
func (m *Memory) CreateQuota(_ context.Context, q grain.QuotaRequest) (grain.QuotaRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q.ID == "" {
		m.nextID++
		q.ID = grain.QuotaID(fmt.Sprint(m.nextID))
	}
	if _, exists := m.quotas[q.ID]; exists {
		return grain.QuotaRequest{}, fmt.Errorf("quota request %s already exists", q.ID)
	}
	m.quotas[q.ID] = cloneQuota(q)
	return cloneQuota(q), nil
}

func (m *Memory) GetQuota(_ context.Context, id grain.QuotaID) (grain.QuotaRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotas[id]
	if !ok {
		return grain.QuotaRequest{}, fmt.Errorf("%w: %s", grain.ErrQuotaNotFound, id)
	}
	return cloneQuota(q), nil
}

// UpdateQuota runs fn on a copy under the write lock; the copy replaces
// the stored row only when fn succeeds.
func (m *Memory) UpdateQuota(_ context.Context, id grain.QuotaID, fn func(*grain.QuotaRequest) error) (grain.QuotaRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[id]
	if !ok {
		return grain.QuotaRequest{}, fmt.Errorf("%w: %s", grain.ErrQuotaNotFound, id)
	}
	working := cloneQuota(q)
	if err := fn(&working); err != nil {
		return grain.QuotaRequest{}, err
	}
	working.ID = id
	m.quotas[id] = working
	return cloneQuota(working), nil
}

func (m *Memory) DeleteQuota(_ context.Context, id grain.QuotaID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.quotas[id]; !ok {
		return fmt.Errorf("%w: %s", grain.ErrQuotaNotFound, id)
	}
	delete(m.quotas, id)
	return nil
}

func (m *Memory) ListOpenQuotas(_ context.Context) ([]grain.QuotaRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []grain.QuotaRequest{}
	for _, q := range m.quotas {
		if q.TripID == nil {
			out = append(out, cloneQuota(q))
		}
	}
	grain.SortNewestFirst(out)
	return out, nil
}

func cloneQuota(q grain.QuotaRequest) grain.QuotaRequest {
	if q.TripID != nil {
		v := *q.TripID
		q.TripID = &v
	}
	if q.AuthorizationCode != nil {
		v := *q.AuthorizationCode
		q.AuthorizationCode = &v
	}
	return q
}

/*
source.go - Record source and quota store interfaces

PURPOSE:
  Defines the boundary between the engine and whatever holds the records:
  CSV exports of the legacy tables, a SQLite database, or the PostgreSQL
  database the legacy tables are synced into.

READ CONTRACT:
  - Each method returns fully materialized, typed records
  - No ordering guarantee; the engine imposes all ordering
  - A table that does not exist returns an error wrapping ErrNotFound
  - Any other error means the table is unavailable for this call

IMPLEMENTATIONS:
  - grain/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: Legacy PostgreSQL schema
  - store/csvfile/csvfile.go: Flat CSV exports
*/
package grain

import (
	"context"
)

// Table names a logical source table.
type Table string

const (
	TableContracts    Table = "contracts"
	TableDeliveries   Table = "deliveries"
	TableLiquidations Table = "liquidations"
	TableStock        Table = "stock"
	TableGrains       Table = "grains"
	TableTrips        Table = "trips"
	TableQuotas       Table = "quota_requests"
)

// ContractFilter narrows a contract scan. Zero value means all contracts.
type ContractFilter struct {
	ID         string
	MinHarvest Harvest
}

// RecordSource yields typed records for the logical tables.
type RecordSource interface {
	Contracts(ctx context.Context, filter ContractFilter) ([]Contract, error)

	// Deliveries returns deliveries for contractID, or all when empty.
	Deliveries(ctx context.Context, contractID string) ([]Delivery, error)

	// Liquidations returns liquidations for contractID, or all when empty.
	Liquidations(ctx context.Context, contractID string) ([]Liquidation, error)

	Stock(ctx context.Context) ([]StockSnapshot, error)
	Grains(ctx context.Context) ([]GrainDescriptor, error)
}

// TripSource lists freight trips.
type TripSource interface {
	Trips(ctx context.Context) ([]Trip, error)
	TripExists(ctx context.Context, id string) (bool, error)
}

// QuotaStore persists quota requests.
//
// UpdateQuota must run fn and write the row in one transaction, so a
// concurrent DeleteQuota either happens before (ErrQuotaNotFound) or after.
type QuotaStore interface {
	// CreateQuota stores q. Stores that assign their own ids return the
	// stored request with its id set.
	CreateQuota(ctx context.Context, q QuotaRequest) (QuotaRequest, error)

	GetQuota(ctx context.Context, id QuotaID) (QuotaRequest, error)

	UpdateQuota(ctx context.Context, id QuotaID, fn func(*QuotaRequest) error) (QuotaRequest, error)

	DeleteQuota(ctx context.Context, id QuotaID) error

	// ListOpenQuotas returns requests with no trip, newest first.
	ListOpenQuotas(ctx context.Context) ([]QuotaRequest, error)
}

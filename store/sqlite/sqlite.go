/*
Package sqlite provides a SQLite-backed record source and quota store.

PURPOSE:
  Holds a local copy of the legacy grain tables (contracts, deliveries,
  liquidations, stock, grain descriptions, freight trips) plus the quota
  requests the application owns. Implements grain.RecordSource,
  grain.TripSource and grain.QuotaStore.

INTERFACES IMPLEMENTED:
  grain.RecordSource: Typed scans of the record tables
  grain.TripSource:   Freight trips
  grain.QuotaStore:   Quota request lifecycle

NUMERIC COLUMNS:
  Quantities are stored as TEXT exactly as they were imported. The engine
  parses them, so a malformed value only skips its own record. Money is
  stored as decimal text and scanned with decimal.NullDecimal.

KEY TABLES:
  contracts:      One row per contract (upserted by id)
  deliveries:     Append-only, scan order is insertion order
  liquidations:   Upserted by (invoice_prefix, invoice_number)
  stock:          One row per (grain_code, harvest)
  grains:         Code -> description
  trips:          Freight trips
  quota_requests: Quota requests, trip_id references trips

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Quota updates run in a single
  transaction under the write lock, so link and delete never interleave.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/acopio.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  reconciler := grain.NewReconciler(store, resolver, log)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - grain/source.go: Interface definitions
  - grain/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/acopio/contract-ledger/grain"
)

// Store implements the grain storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		grain_code TEXT NOT NULL DEFAULT '',
		harvest TEXT NOT NULL DEFAULT '',
		requested TEXT,
		delivered TEXT,
		liquidated TEXT,
		counterparty TEXT NOT NULL DEFAULT '',
		contract_date TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_harvest
		ON contracts(harvest);

	-- Deliveries have no natural key in the source system
	CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		contract_id TEXT NOT NULL,
		delivered_on TEXT,
		net_quantity TEXT,
		confirmation TEXT NOT NULL DEFAULT '',
		destination TEXT NOT NULL DEFAULT '',
		ticket TEXT NOT NULL DEFAULT '',
		ctg TEXT NOT NULL DEFAULT '',
		grain_code TEXT NOT NULL DEFAULT '',
		harvest TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_contract
		ON deliveries(contract_id);

	CREATE TABLE IF NOT EXISTS liquidations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		contract_id TEXT NOT NULL,
		liquidated_on TEXT,
		weight TEXT,
		price TEXT,
		gross TEXT,
		tax TEXT,
		expenses TEXT,
		expenses_tax TEXT,
		commission TEXT,
		commission_tax TEXT,
		miscellaneous TEXT,
		miscellaneous_tax TEXT,
		net TEXT,
		invoice_prefix TEXT NOT NULL DEFAULT '',
		invoice_number TEXT NOT NULL DEFAULT '',
		buyer TEXT NOT NULL DEFAULT '',
		UNIQUE(invoice_prefix, invoice_number)
	);

	CREATE INDEX IF NOT EXISTS idx_liquidations_contract
		ON liquidations(contract_id);

	CREATE TABLE IF NOT EXISTS stock (
		grain_code TEXT NOT NULL,
		harvest TEXT NOT NULL,
		quantity TEXT,
		PRIMARY KEY (grain_code, harvest)
	);

	CREATE TABLE IF NOT EXISTS grains (
		code TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS trips (
		id TEXT PRIMARY KEY,
		trip_date TEXT,
		ctg TEXT,
		grain_code TEXT NOT NULL DEFAULT '',
		harvest TEXT NOT NULL DEFAULT '',
		gross REAL NOT NULL DEFAULT 0,
		net REAL NOT NULL DEFAULT 0,
		rate TEXT,
		kilometers INTEGER NOT NULL DEFAULT 0,
		carrier TEXT NOT NULL DEFAULT '',
		driver TEXT NOT NULL DEFAULT '',
		amount TEXT,
		origin TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS quota_requests (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		grain TEXT NOT NULL,
		harvest TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		requester TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		trip_id TEXT REFERENCES trips(id) ON DELETE SET NULL,
		authorization_code TEXT
	);

	-- Open requests view (trip_id IS NULL, newest first)
	CREATE INDEX IF NOT EXISTS idx_quota_requests_open
		ON quota_requests(requested_at DESC) WHERE trip_id IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// withTx executes fn within a database transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// RECORD SOURCE
// =============================================================================

// Contracts returns contracts matching filter.
func (s *Store) Contracts(ctx context.Context, filter grain.ContractFilter) ([]grain.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := strings.TrimSpace(filter.ID)
	minHarvest := string(filter.MinHarvest)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, grain_code, harvest, requested, delivered, liquidated, counterparty, contract_date
		FROM contracts
		WHERE (? = '' OR TRIM(id) = ?)
		  AND (? = '' OR TRIM(harvest) >= ?)
		ORDER BY id
	`, id, id, minHarvest, minHarvest)
	if err != nil {
		return nil, tableError(grain.TableContracts, err)
	}
	defer rows.Close()

	var out []grain.Contract
	for rows.Next() {
		var c grain.Contract
		var harvest string
		var requested, delivered, liquidated, date sql.NullString
		if err := rows.Scan(&c.ID, &c.GrainCode, &harvest, &requested, &delivered, &liquidated, &c.Counterparty, &date); err != nil {
			return nil, err
		}
		c.Harvest = grain.Harvest(harvest)
		c.Requested = grain.Numeric(requested.String)
		c.Delivered = grain.Numeric(delivered.String)
		c.Liquidated = grain.Numeric(liquidated.String)
		c.Date = parseTime(date)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Deliveries returns deliveries for contractID, or all when empty.
func (s *Store) Deliveries(ctx context.Context, contractID string) ([]grain.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := strings.TrimSpace(contractID)
	rows, err := s.db.QueryContext(ctx, `
		SELECT contract_id, delivered_on, net_quantity, confirmation, destination, ticket, ctg, grain_code, harvest
		FROM deliveries
		WHERE (? = '' OR TRIM(contract_id) = ?)
		ORDER BY id
	`, id, id)
	if err != nil {
		return nil, tableError(grain.TableDeliveries, err)
	}
	defer rows.Close()

	var out []grain.Delivery
	for rows.Next() {
		var d grain.Delivery
		var date, qty sql.NullString
		var harvest string
		if err := rows.Scan(&d.ContractID, &date, &qty, &d.Confirmation, &d.Destination, &d.Ticket, &d.CTG, &d.GrainCode, &harvest); err != nil {
			return nil, err
		}
		d.Date = parseTime(date)
		d.NetQuantity = grain.Numeric(qty.String)
		d.Harvest = grain.Harvest(harvest)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Liquidations returns liquidations for contractID, or all when empty.
func (s *Store) Liquidations(ctx context.Context, contractID string) ([]grain.Liquidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := strings.TrimSpace(contractID)
	rows, err := s.db.QueryContext(ctx, `
		SELECT contract_id, liquidated_on, weight, price, gross, tax,
			expenses, expenses_tax, commission, commission_tax, miscellaneous, miscellaneous_tax,
			net, invoice_prefix, invoice_number, buyer
		FROM liquidations
		WHERE (? = '' OR TRIM(contract_id) = ?)
		ORDER BY id
	`, id, id)
	if err != nil {
		return nil, tableError(grain.TableLiquidations, err)
	}
	defer rows.Close()

	var out []grain.Liquidation
	for rows.Next() {
		var l grain.Liquidation
		var date, weight sql.NullString
		var price, gross, tax, net decimal.NullDecimal
		var exp, expTax, com, comTax, misc, miscTax decimal.NullDecimal
		if err := rows.Scan(&l.ContractID, &date, &weight, &price, &gross, &tax,
			&exp, &expTax, &com, &comTax, &misc, &miscTax,
			&net, &l.InvoicePrefix, &l.InvoiceNumber, &l.Buyer); err != nil {
			return nil, err
		}
		l.Date = parseTime(date)
		l.Weight = grain.Numeric(weight.String)
		l.Price = price.Decimal
		l.Gross = gross.Decimal
		l.Tax = tax.Decimal
		l.Net = net.Decimal
		l.Charges = grain.Charges{
			Expenses:         exp.Decimal,
			ExpensesTax:      expTax.Decimal,
			Commission:       com.Decimal,
			CommissionTax:    comTax.Decimal,
			Miscellaneous:    misc.Decimal,
			MiscellaneousTax: miscTax.Decimal,
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Stock returns every stock snapshot.
func (s *Store) Stock(ctx context.Context) ([]grain.StockSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT grain_code, harvest, quantity FROM stock ORDER BY grain_code, harvest")
	if err != nil {
		return nil, tableError(grain.TableStock, err)
	}
	defer rows.Close()

	var out []grain.StockSnapshot
	for rows.Next() {
		var snap grain.StockSnapshot
		var harvest string
		var qty sql.NullString
		if err := rows.Scan(&snap.GrainCode, &harvest, &qty); err != nil {
			return nil, err
		}
		snap.Harvest = grain.Harvest(harvest)
		snap.Quantity = grain.Numeric(qty.String)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Grains returns the grain description table.
func (s *Store) Grains(ctx context.Context) ([]grain.GrainDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT code, description FROM grains ORDER BY code")
	if err != nil {
		return nil, tableError(grain.TableGrains, err)
	}
	defer rows.Close()

	var out []grain.GrainDescriptor
	for rows.Next() {
		var g grain.GrainDescriptor
		if err := rows.Scan(&g.Code, &g.Description); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// =============================================================================
// TRIP SOURCE
// =============================================================================

// Trips returns every freight trip, newest first.
func (s *Store) Trips(ctx context.Context) ([]grain.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trip_date, ctg, grain_code, harvest, gross, net, rate, kilometers, carrier, driver, amount, origin
		FROM trips
		ORDER BY trip_date DESC, id
	`)
	if err != nil {
		return nil, tableError(grain.TableTrips, err)
	}
	defer rows.Close()

	var out []grain.Trip
	for rows.Next() {
		var t grain.Trip
		var date, ctg sql.NullString
		var harvest string
		var rate, amount decimal.NullDecimal
		if err := rows.Scan(&t.ID, &date, &ctg, &t.GrainCode, &harvest, &t.Gross, &t.Net, &rate,
			&t.Kilometers, &t.Carrier, &t.Driver, &amount, &t.Origin); err != nil {
			return nil, err
		}
		t.Date = parseTime(date)
		t.CTG = ctg.String
		t.Harvest = grain.Harvest(harvest)
		t.Rate = rate.Decimal
		t.Amount = amount.Decimal
		out = append(out, t)
	}
	return out, rows.Err()
}

// TripExists reports whether a trip with id exists.
func (s *Store) TripExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trips WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, tableError(grain.TableTrips, err)
	}
	return n > 0, nil
}

// =============================================================================
// SEEDING - Writes used by imports and tests
// =============================================================================

// SaveContract upserts a contract.
func (s *Store) SaveContract(ctx context.Context, c grain.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveContract(ctx, s.db, c)
}

func saveContract(ctx context.Context, db execer, c grain.Contract) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO contracts (id, grain_code, harvest, requested, delivered, liquidated, counterparty, contract_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			grain_code = excluded.grain_code,
			harvest = excluded.harvest,
			requested = excluded.requested,
			delivered = excluded.delivered,
			liquidated = excluded.liquidated,
			counterparty = excluded.counterparty,
			contract_date = excluded.contract_date
	`, strings.TrimSpace(c.ID), c.GrainCode, string(c.Harvest),
		nullString(string(c.Requested)), nullString(string(c.Delivered)), nullString(string(c.Liquidated)),
		c.Counterparty, formatTime(c.Date))
	if err != nil {
		return fmt.Errorf("failed to save contract %s: %w", c.ID, err)
	}
	return nil
}

// AddDelivery appends a delivery.
func (s *Store) AddDelivery(ctx context.Context, d grain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addDelivery(ctx, s.db, d)
}

func addDelivery(ctx context.Context, db execer, d grain.Delivery) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO deliveries (contract_id, delivered_on, net_quantity, confirmation, destination, ticket, ctg, grain_code, harvest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ContractID, formatTime(d.Date), nullString(string(d.NetQuantity)),
		d.Confirmation, d.Destination, d.Ticket, d.CTG, d.GrainCode, string(d.Harvest))
	if err != nil {
		return fmt.Errorf("failed to add delivery %s: %w", d.Ticket, err)
	}
	return nil
}

// SaveLiquidation upserts a liquidation by invoice prefix and number.
func (s *Store) SaveLiquidation(ctx context.Context, l grain.Liquidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveLiquidation(ctx, s.db, l)
}

func saveLiquidation(ctx context.Context, db execer, l grain.Liquidation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO liquidations (contract_id, liquidated_on, weight, price, gross, tax,
			expenses, expenses_tax, commission, commission_tax, miscellaneous, miscellaneous_tax,
			net, invoice_prefix, invoice_number, buyer)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(invoice_prefix, invoice_number) DO UPDATE SET
			contract_id = excluded.contract_id,
			liquidated_on = excluded.liquidated_on,
			weight = excluded.weight,
			price = excluded.price,
			gross = excluded.gross,
			tax = excluded.tax,
			expenses = excluded.expenses,
			expenses_tax = excluded.expenses_tax,
			commission = excluded.commission,
			commission_tax = excluded.commission_tax,
			miscellaneous = excluded.miscellaneous,
			miscellaneous_tax = excluded.miscellaneous_tax,
			net = excluded.net,
			buyer = excluded.buyer
	`, l.ContractID, formatTime(l.Date), nullString(string(l.Weight)),
		l.Price.String(), l.Gross.String(), l.Tax.String(),
		l.Charges.Expenses.String(), l.Charges.ExpensesTax.String(),
		l.Charges.Commission.String(), l.Charges.CommissionTax.String(),
		l.Charges.Miscellaneous.String(), l.Charges.MiscellaneousTax.String(),
		l.Net.String(), l.InvoicePrefix, l.InvoiceNumber, l.Buyer)
	if err != nil {
		return fmt.Errorf("failed to save liquidation %s: %w", l.COE(), err)
	}
	return nil
}

// SaveStock upserts the stock of a grain and harvest.
func (s *Store) SaveStock(ctx context.Context, snap grain.StockSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveStock(ctx, s.db, snap)
}

func saveStock(ctx context.Context, db execer, snap grain.StockSnapshot) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stock (grain_code, harvest, quantity) VALUES (?, ?, ?)
		ON CONFLICT(grain_code, harvest) DO UPDATE SET quantity = excluded.quantity
	`, strings.TrimSpace(snap.GrainCode), string(snap.Harvest.Trim()), nullString(string(snap.Quantity)))
	if err != nil {
		return fmt.Errorf("failed to save stock: %w", err)
	}
	return nil
}

// SaveGrain upserts a grain description.
func (s *Store) SaveGrain(ctx context.Context, g grain.GrainDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveGrain(ctx, s.db, g)
}

func saveGrain(ctx context.Context, db execer, g grain.GrainDescriptor) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO grains (code, description) VALUES (?, ?)
		ON CONFLICT(code) DO UPDATE SET description = excluded.description
	`, strings.TrimSpace(g.Code), g.Description)
	if err != nil {
		return fmt.Errorf("failed to save grain %s: %w", g.Code, err)
	}
	return nil
}

// SaveTrip upserts a freight trip.
func (s *Store) SaveTrip(ctx context.Context, t grain.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveTrip(ctx, s.db, t)
}

func saveTrip(ctx context.Context, db execer, t grain.Trip) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO trips (id, trip_date, ctg, grain_code, harvest, gross, net, rate, kilometers, carrier, driver, amount, origin)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			trip_date = excluded.trip_date,
			ctg = excluded.ctg,
			grain_code = excluded.grain_code,
			harvest = excluded.harvest,
			gross = excluded.gross,
			net = excluded.net,
			rate = excluded.rate,
			kilometers = excluded.kilometers,
			carrier = excluded.carrier,
			driver = excluded.driver,
			amount = excluded.amount,
			origin = excluded.origin
	`, t.ID, formatTime(t.Date), nullString(t.CTG), t.GrainCode, string(t.Harvest),
		t.Gross, t.Net, t.Rate.String(), t.Kilometers, t.Carrier, t.Driver, t.Amount.String(), t.Origin)
	if err != nil {
		return fmt.Errorf("failed to save trip %s: %w", t.ID, err)
	}
	return nil
}

// =============================================================================
// IMPORT - Replace the record tables from another source
// =============================================================================

// ImportStats counts the rows written by Import.
type ImportStats struct {
	Contracts    int `json:"contracts"`
	Deliveries   int `json:"deliveries"`
	Liquidations int `json:"liquidations"`
	Stock        int `json:"stock"`
	Grains       int `json:"grains"`
	Trips        int `json:"trips"`
}

// Import replaces contracts, deliveries, liquidations, stock and grains
// with the contents of src, in one transaction. A table src does not have
// is left untouched; any other source error aborts the import.
//
// When src is also a grain.TripSource its trips are upserted. Trips are
// never deleted because quota requests point at them.
func (s *Store) Import(ctx context.Context, src grain.RecordSource) (ImportStats, error) {
	var stats ImportStats

	contracts, err := src.Contracts(ctx, grain.ContractFilter{})
	if err = skipMissing(err); err != nil {
		return stats, fmt.Errorf("read contracts: %w", err)
	}
	deliveries, err := src.Deliveries(ctx, "")
	if err = skipMissing(err); err != nil {
		return stats, fmt.Errorf("read deliveries: %w", err)
	}
	liquidations, err := src.Liquidations(ctx, "")
	if err = skipMissing(err); err != nil {
		return stats, fmt.Errorf("read liquidations: %w", err)
	}
	stock, err := src.Stock(ctx)
	if err = skipMissing(err); err != nil {
		return stats, fmt.Errorf("read stock: %w", err)
	}
	grains, err := src.Grains(ctx)
	if err = skipMissing(err); err != nil {
		return stats, fmt.Errorf("read grains: %w", err)
	}
	var trips []grain.Trip
	if ts, ok := src.(grain.TripSource); ok {
		trips, err = ts.Trips(ctx)
		if err = skipMissing(err); err != nil {
			return stats, fmt.Errorf("read trips: %w", err)
		}
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if contracts != nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM contracts"); err != nil {
				return err
			}
			for _, c := range contracts {
				if err := saveContract(ctx, tx, c); err != nil {
					return err
				}
			}
			stats.Contracts = len(contracts)
		}
		if deliveries != nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM deliveries"); err != nil {
				return err
			}
			for _, d := range deliveries {
				if err := addDelivery(ctx, tx, d); err != nil {
					return err
				}
			}
			stats.Deliveries = len(deliveries)
		}
		if liquidations != nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM liquidations"); err != nil {
				return err
			}
			for _, l := range liquidations {
				if err := saveLiquidation(ctx, tx, l); err != nil {
					return err
				}
			}
			stats.Liquidations = len(liquidations)
		}
		if stock != nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM stock"); err != nil {
				return err
			}
			for _, snap := range stock {
				if err := saveStock(ctx, tx, snap); err != nil {
					return err
				}
			}
			stats.Stock = len(stock)
		}
		if grains != nil {
			for _, g := range grains {
				if err := saveGrain(ctx, tx, g); err != nil {
					return err
				}
			}
			stats.Grains = len(grains)
		}
		for _, t := range trips {
			if err := saveTrip(ctx, tx, t); err != nil {
				return err
			}
		}
		stats.Trips = len(trips)
		return nil
	})
	if err != nil {
		return ImportStats{}, fmt.Errorf("import: %w", err)
	}
	return stats, nil
}

func skipMissing(err error) error {
	if errors.Is(err, grain.ErrNotFound) {
		return nil
	}
	return err
}

// =============================================================================
// QUOTA STORE
// =============================================================================

const quotaColumns = `id, contract_id, grain, harvest, quantity, requester, requested_at, trip_id, authorization_code`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuota(row rowScanner) (grain.QuotaRequest, error) {
	var q grain.QuotaRequest
	var id, harvest, requestedAt string
	var tripID, code sql.NullString
	if err := row.Scan(&id, &q.ContractID, &q.Grain, &harvest, &q.Quantity, &q.Requester, &requestedAt, &tripID, &code); err != nil {
		return grain.QuotaRequest{}, err
	}
	q.ID = grain.QuotaID(id)
	q.Harvest = grain.Harvest(harvest)
	at, err := time.Parse(time.RFC3339, requestedAt)
	if err != nil {
		return grain.QuotaRequest{}, &grain.MalformedRecordError{
			Table:    grain.TableQuotas,
			RecordID: id,
			Field:    "requested_at",
			Value:    requestedAt,
			Err:      err,
		}
	}
	q.RequestedAt = at
	if tripID.Valid {
		q.TripID = &tripID.String
	}
	if code.Valid {
		q.AuthorizationCode = &code.String
	}
	return q, nil
}

// CreateQuota inserts a new quota request. The id must be set.
func (s *Store) CreateQuota(ctx context.Context, q grain.QuotaRequest) (grain.QuotaRequest, error) {
	if q.ID == "" {
		return grain.QuotaRequest{}, fmt.Errorf("%w: id is required", grain.ErrInvalidQuota)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_requests (`+quotaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(q.ID), q.ContractID, q.Grain, string(q.Harvest), q.Quantity, q.Requester,
		q.RequestedAt.UTC().Format(time.RFC3339), q.TripID, q.AuthorizationCode)
	if err != nil {
		if isForeignKeyError(err) {
			return grain.QuotaRequest{}, grain.ErrTripNotFound
		}
		return grain.QuotaRequest{}, fmt.Errorf("failed to create quota request: %w", err)
	}
	return q, nil
}

// GetQuota retrieves a quota request by id.
func (s *Store) GetQuota(ctx context.Context, id grain.QuotaID) (grain.QuotaRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, err := scanQuota(s.db.QueryRowContext(ctx,
		"SELECT "+quotaColumns+" FROM quota_requests WHERE id = ?", string(id)))
	if err == sql.ErrNoRows {
		return grain.QuotaRequest{}, fmt.Errorf("%w: %s", grain.ErrQuotaNotFound, id)
	}
	return q, err
}

// UpdateQuota reads, mutates and writes one row in a single transaction.
func (s *Store) UpdateQuota(ctx context.Context, id grain.QuotaID, fn func(*grain.QuotaRequest) error) (grain.QuotaRequest, error) {
	var updated grain.QuotaRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		q, err := scanQuota(tx.QueryRowContext(ctx,
			"SELECT "+quotaColumns+" FROM quota_requests WHERE id = ?", string(id)))
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", grain.ErrQuotaNotFound, id)
		}
		if err != nil {
			return err
		}

		if err := fn(&q); err != nil {
			return err
		}
		q.ID = id

		_, err = tx.ExecContext(ctx, `
			UPDATE quota_requests SET
				contract_id = ?, grain = ?, harvest = ?, quantity = ?, requester = ?,
				requested_at = ?, trip_id = ?, authorization_code = ?
			WHERE id = ?
		`, q.ContractID, q.Grain, string(q.Harvest), q.Quantity, q.Requester,
			q.RequestedAt.UTC().Format(time.RFC3339), q.TripID, q.AuthorizationCode, string(id))
		if err != nil {
			if isForeignKeyError(err) {
				return grain.ErrTripNotFound
			}
			return fmt.Errorf("failed to update quota request: %w", err)
		}
		updated = q
		return nil
	})
	if err != nil {
		return grain.QuotaRequest{}, err
	}
	return updated, nil
}

// DeleteQuota removes a quota request.
func (s *Store) DeleteQuota(ctx context.Context, id grain.QuotaID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM quota_requests WHERE id = ?", string(id))
	if err != nil {
		return fmt.Errorf("failed to delete quota request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", grain.ErrQuotaNotFound, id)
	}
	return nil
}

// ListOpenQuotas returns requests with no trip, newest first.
func (s *Store) ListOpenQuotas(ctx context.Context) ([]grain.QuotaRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+quotaColumns+`
		FROM quota_requests
		WHERE trip_id IS NULL
		ORDER BY requested_at DESC, id
	`)
	if err != nil {
		return nil, tableError(grain.TableQuotas, err)
	}
	defer rows.Close()

	out := []grain.QuotaRequest{}
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// parseTime returns the zero time for NULL or unparseable values.
func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	v := strings.TrimSpace(ns.String)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// tableError maps a missing table to grain.ErrNotFound.
func tableError(table grain.Table, err error) error {
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%s: %w", table, grain.ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", table, err)
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

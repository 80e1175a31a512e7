/*
Package postgres reads the legacy grain tables synced into PostgreSQL.

PURPOSE:
  The back-office system exports its tables (contrat, acocarpo, liqven,
  acograst, acogran) into PostgreSQL under their original column names.
  This package maps them onto grain records. Freight trips (fletes) and
  quota requests (cupos_solicitados) live in the same database and are
  owned by this application.

TABLE MAPPING:
  contrat           -> grain.Contract        nrocont_c, kiloped_c, entrega_c, liquiya_c, cosecha_c, product_c, apelcom_c
  acocarpo          -> grain.Delivery        g_fecha, g_contrato, g_codi, g_cose, g_saldo, g_confirm, g_roman, g_ctg, g_destino
  liqven            -> grain.Liquidation     fec_c, contrato, peso, net_cta, nom_c, fac_c, fa1_c, bru_c, iva_c, preope, ...
  acograst          -> grain.StockSnapshot   g_codi, g_cose, g_stok
  acogran           -> grain.GrainDescriptor g_codi, g_desc
  fletes            -> grain.Trip
  cupos_solicitados -> grain.QuotaRequest    (SERIAL ids)

ERRORS:
  undefined_table (42P01)       -> grain.ErrNotFound
  foreign_key_violation (23503) -> grain.ErrTripNotFound
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/acopio/contract-ledger/grain"
)

// Connection pool configuration constants
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultConnMaxIdleTime = 30 * time.Second
)

const (
	codeUndefinedTable      = "42P01"
	codeForeignKeyViolation = "23503"
)

// Config holds the connection settings.
type Config struct {
	URL string

	// Connection pool settings (optional)
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// WithDefaults fills unset pool settings.
func (c Config) WithDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = DefaultConnMaxIdleTime
	}
	return c
}

// Store implements the grain storage interfaces over the legacy schema.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// New opens the database, configures the pool and pings it.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.WithDefaults()

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	log.Debug("database connection pool configured",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
		zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
		zap.Duration("conn_max_idle_time", cfg.ConnMaxIdleTime))

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("database connection established")
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping runs a trivial query to check the database.
func (s *Store) Ping(ctx context.Context) error {
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("unexpected query result: got %d, expected 1", result)
	}
	return nil
}

// migrate creates the tables this application owns. The legacy tables
// are created by the sync job and are never touched here.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fletes (
			id SERIAL PRIMARY KEY, g_fecha DATE, g_ctg VARCHAR(255) UNIQUE, g_codi VARCHAR(255), g_cose VARCHAR(255),
			o_peso NUMERIC, o_neto NUMERIC, g_tarflet NUMERIC, g_kilomet INTEGER, g_ctaplade VARCHAR(255),
			g_cuilchof VARCHAR(255), importe NUMERIC, fuente VARCHAR(50)
		);
		CREATE TABLE IF NOT EXISTS cupos_solicitados (
			id SERIAL PRIMARY KEY, contrato VARCHAR(255), grano VARCHAR(255), cosecha VARCHAR(255), cantidad INTEGER,
			fecha_solicitud DATE, nombre_persona VARCHAR(255), flete_id INTEGER REFERENCES fletes(id), codigo_cupo VARCHAR(255)
		);
	`)
	return err
}

// =============================================================================
// RECORD SOURCE
// =============================================================================

// Contracts returns contracts matching filter.
func (s *Store) Contracts(ctx context.Context, filter grain.ContractFilter) ([]grain.Contract, error) {
	id := strings.TrimSpace(filter.ID)
	minHarvest := string(filter.MinHarvest)
	rows, err := s.db.QueryContext(ctx, `
		SELECT nrocont_c, product_c, cosecha_c, kiloped_c::text, entrega_c::text, liquiya_c::text, apelcom_c
		FROM contrat
		WHERE ($1 = '' OR TRIM(nrocont_c) = $1)
		  AND ($2 = '' OR TRIM(cosecha_c) >= $2)
		ORDER BY nrocont_c
	`, id, minHarvest)
	if err != nil {
		return nil, tableError(grain.TableContracts, err)
	}
	defer rows.Close()

	var out []grain.Contract
	for rows.Next() {
		var id, code, harvest, requested, delivered, liquidated, counterparty sql.NullString
		if err := rows.Scan(&id, &code, &harvest, &requested, &delivered, &liquidated, &counterparty); err != nil {
			return nil, err
		}
		out = append(out, grain.Contract{
			ID:           id.String,
			GrainCode:    code.String,
			Harvest:      grain.Harvest(harvest.String),
			Requested:    grain.Numeric(requested.String),
			Delivered:    grain.Numeric(delivered.String),
			Liquidated:   grain.Numeric(liquidated.String),
			Counterparty: counterparty.String,
		})
	}
	return out, rows.Err()
}

// Deliveries returns deliveries for contractID, or all when empty.
func (s *Store) Deliveries(ctx context.Context, contractID string) ([]grain.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g_contrato, g_fecha, g_saldo::text, g_confirm, g_destino, g_roman, g_ctg, g_codi, g_cose
		FROM acocarpo
		WHERE ($1 = '' OR TRIM(g_contrato) = $1)
		ORDER BY g_fecha NULLS LAST
	`, strings.TrimSpace(contractID))
	if err != nil {
		return nil, tableError(grain.TableDeliveries, err)
	}
	defer rows.Close()

	var out []grain.Delivery
	for rows.Next() {
		var contract, qty, confirm, dest, ticket, ctg, code, harvest sql.NullString
		var date sql.NullTime
		if err := rows.Scan(&contract, &date, &qty, &confirm, &dest, &ticket, &ctg, &code, &harvest); err != nil {
			return nil, err
		}
		out = append(out, grain.Delivery{
			ContractID:   contract.String,
			Date:         date.Time,
			NetQuantity:  grain.Numeric(qty.String),
			Confirmation: confirm.String,
			Destination:  dest.String,
			Ticket:       ticket.String,
			CTG:          ctg.String,
			GrainCode:    code.String,
			Harvest:      grain.Harvest(harvest.String),
		})
	}
	return out, rows.Err()
}

// Liquidations returns liquidations for contractID, or all when empty.
func (s *Store) Liquidations(ctx context.Context, contractID string) ([]grain.Liquidation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contrato, fec_c, peso::text, preope, bru_c, iva_c,
			otr_gas, iva_gas, gas_com, iva_com, gas_var, iva_var,
			net_cta, fac_c, fa1_c, nom_c
		FROM liqven
		WHERE ($1 = '' OR TRIM(contrato) = $1)
		ORDER BY fec_c NULLS LAST
	`, strings.TrimSpace(contractID))
	if err != nil {
		return nil, tableError(grain.TableLiquidations, err)
	}
	defer rows.Close()

	var out []grain.Liquidation
	for rows.Next() {
		var contract, weight, prefix, number, buyer sql.NullString
		var date sql.NullTime
		var price, gross, tax, net decimal.NullDecimal
		var exp, expTax, com, comTax, misc, miscTax decimal.NullDecimal
		if err := rows.Scan(&contract, &date, &weight, &price, &gross, &tax,
			&exp, &expTax, &com, &comTax, &misc, &miscTax,
			&net, &prefix, &number, &buyer); err != nil {
			return nil, err
		}
		out = append(out, grain.Liquidation{
			ContractID: contract.String,
			Date:       date.Time,
			Weight:     grain.Numeric(weight.String),
			Price:      price.Decimal,
			Gross:      gross.Decimal,
			Tax:        tax.Decimal,
			Charges: grain.Charges{
				Expenses:         exp.Decimal,
				ExpensesTax:      expTax.Decimal,
				Commission:       com.Decimal,
				CommissionTax:    comTax.Decimal,
				Miscellaneous:    misc.Decimal,
				MiscellaneousTax: miscTax.Decimal,
			},
			Net:           net.Decimal,
			InvoicePrefix: prefix.String,
			InvoiceNumber: number.String,
			Buyer:         buyer.String,
		})
	}
	return out, rows.Err()
}

// Stock returns every stock snapshot.
func (s *Store) Stock(ctx context.Context) ([]grain.StockSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT g_codi, g_cose, g_stok::text FROM acograst")
	if err != nil {
		return nil, tableError(grain.TableStock, err)
	}
	defer rows.Close()

	var out []grain.StockSnapshot
	for rows.Next() {
		var code, harvest, qty sql.NullString
		if err := rows.Scan(&code, &harvest, &qty); err != nil {
			return nil, err
		}
		out = append(out, grain.StockSnapshot{
			GrainCode: code.String,
			Harvest:   grain.Harvest(harvest.String),
			Quantity:  grain.Numeric(qty.String),
		})
	}
	return out, rows.Err()
}

// Grains returns the grain description table.
func (s *Store) Grains(ctx context.Context) ([]grain.GrainDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT g_codi, g_desc FROM acogran")
	if err != nil {
		return nil, tableError(grain.TableGrains, err)
	}
	defer rows.Close()

	var out []grain.GrainDescriptor
	for rows.Next() {
		var code, desc sql.NullString
		if err := rows.Scan(&code, &desc); err != nil {
			return nil, err
		}
		out = append(out, grain.GrainDescriptor{Code: code.String, Description: desc.String})
	}
	return out, rows.Err()
}

// =============================================================================
// TRIP SOURCE
// =============================================================================

// Trips returns every freight trip, newest first.
func (s *Store) Trips(ctx context.Context) ([]grain.Trip, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, g_fecha, g_ctg, g_codi, g_cose, o_peso, o_neto, g_tarflet, g_kilomet,
			g_ctaplade, g_cuilchof, importe, fuente
		FROM fletes
		ORDER BY g_fecha DESC NULLS LAST, id
	`)
	if err != nil {
		return nil, tableError(grain.TableTrips, err)
	}
	defer rows.Close()

	var out []grain.Trip
	for rows.Next() {
		var id int64
		var date sql.NullTime
		var ctg, code, harvest, carrier, driver, origin sql.NullString
		var gross, net sql.NullFloat64
		var km sql.NullInt64
		var rate, amount decimal.NullDecimal
		if err := rows.Scan(&id, &date, &ctg, &code, &harvest, &gross, &net, &rate, &km,
			&carrier, &driver, &amount, &origin); err != nil {
			return nil, err
		}
		out = append(out, grain.Trip{
			ID:         strconv.FormatInt(id, 10),
			Date:       date.Time,
			CTG:        ctg.String,
			GrainCode:  code.String,
			Harvest:    grain.Harvest(harvest.String),
			Gross:      gross.Float64,
			Net:        net.Float64,
			Rate:       rate.Decimal,
			Kilometers: int(km.Int64),
			Carrier:    carrier.String,
			Driver:     driver.String,
			Amount:     amount.Decimal,
			Origin:     origin.String,
		})
	}
	return out, rows.Err()
}

// TripExists reports whether a trip with id exists.
func (s *Store) TripExists(ctx context.Context, id string) (bool, error) {
	n, ok := serialID(id)
	if !ok {
		return false, nil
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM fletes WHERE id = $1)", n).Scan(&exists)
	if err != nil {
		return false, tableError(grain.TableTrips, err)
	}
	return exists, nil
}

// =============================================================================
// QUOTA STORE
// =============================================================================

const quotaColumns = `id, contrato, grano, cosecha, cantidad, fecha_solicitud, nombre_persona, flete_id, codigo_cupo`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuota(row rowScanner) (grain.QuotaRequest, error) {
	var id int64
	var contract, grainName, harvest, requester, code sql.NullString
	var qty, tripID sql.NullInt64
	var requestedAt sql.NullTime
	if err := row.Scan(&id, &contract, &grainName, &harvest, &qty, &requestedAt, &requester, &tripID, &code); err != nil {
		return grain.QuotaRequest{}, err
	}
	q := grain.QuotaRequest{
		ID:          grain.QuotaID(strconv.FormatInt(id, 10)),
		ContractID:  contract.String,
		Grain:       grainName.String,
		Harvest:     grain.Harvest(harvest.String),
		Quantity:    int(qty.Int64),
		Requester:   requester.String,
		RequestedAt: requestedAt.Time,
	}
	if tripID.Valid {
		t := strconv.FormatInt(tripID.Int64, 10)
		q.TripID = &t
	}
	if code.Valid {
		q.AuthorizationCode = &code.String
	}
	return q, nil
}

// CreateQuota inserts q. The database assigns the id; q.ID is ignored.
func (s *Store) CreateQuota(ctx context.Context, q grain.QuotaRequest) (grain.QuotaRequest, error) {
	trip, err := tripArg(q.TripID)
	if err != nil {
		return grain.QuotaRequest{}, err
	}
	stored, err := scanQuota(s.db.QueryRowContext(ctx, `
		INSERT INTO cupos_solicitados (contrato, grano, cosecha, cantidad, fecha_solicitud, nombre_persona, flete_id, codigo_cupo)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+quotaColumns,
		q.ContractID, q.Grain, string(q.Harvest), q.Quantity, q.RequestedAt, q.Requester, trip, q.AuthorizationCode))
	if err != nil {
		return grain.QuotaRequest{}, quotaError(err)
	}
	return stored, nil
}

// GetQuota retrieves a quota request by id.
func (s *Store) GetQuota(ctx context.Context, id grain.QuotaID) (grain.QuotaRequest, error) {
	n, ok := serialID(string(id))
	if !ok {
		return grain.QuotaRequest{}, fmt.Errorf("%w: %s", grain.ErrQuotaNotFound, id)
	}
	q, err := scanQuota(s.db.QueryRowContext(ctx,
		"SELECT "+quotaColumns+" FROM cupos_solicitados WHERE id = $1", n))
	if errors.Is(err, sql.ErrNoRows) {
		return grain.QuotaRequest{}, fmt.Errorf("%w: %s", grain.ErrQuotaNotFound, id)
	}
	return q, err
}

// UpdateQuota locks the row with SELECT ... FOR UPDATE, applies fn and
// writes it back in the same transaction.
func (s *Store) UpdateQuota(ctx context.Context, id grain.QuotaID, fn func(*grain.QuotaRequest) error) (grain.QuotaRequest, error) {
	n, ok := serialID(string(id))
	if !ok {
		return grain.QuotaRequest{}, fmt.Errorf("%w: %s", grain.ErrQuotaNotFound, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return grain.QuotaRequest{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	q, err := scanQuota(tx.QueryRowContext(ctx,
		"SELECT "+quotaColumns+" FROM cupos_solicitados WHERE id = $1 FOR UPDATE", n))
	if errors.Is(err, sql.ErrNoRows) {
		return grain.QuotaRequest{}, fmt.Errorf("%w: %s", grain.ErrQuotaNotFound, id)
	}
	if err != nil {
		return grain.QuotaRequest{}, err
	}

	if err := fn(&q); err != nil {
		return grain.QuotaRequest{}, err
	}
	q.ID = id

	trip, err := tripArg(q.TripID)
	if err != nil {
		return grain.QuotaRequest{}, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE cupos_solicitados SET
			contrato = $1, grano = $2, cosecha = $3, cantidad = $4, fecha_solicitud = $5,
			nombre_persona = $6, flete_id = $7, codigo_cupo = $8
		WHERE id = $9
	`, q.ContractID, q.Grain, string(q.Harvest), q.Quantity, q.RequestedAt, q.Requester, trip, q.AuthorizationCode, n)
	if err != nil {
		return grain.QuotaRequest{}, quotaError(err)
	}
	if err := tx.Commit(); err != nil {
		return grain.QuotaRequest{}, fmt.Errorf("failed to commit: %w", err)
	}
	return q, nil
}

// DeleteQuota removes a quota request.
func (s *Store) DeleteQuota(ctx context.Context, id grain.QuotaID) error {
	n, ok := serialID(string(id))
	if !ok {
		return fmt.Errorf("%w: %s", grain.ErrQuotaNotFound, id)
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM cupos_solicitados WHERE id = $1", n)
	if err != nil {
		return quotaError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", grain.ErrQuotaNotFound, id)
	}
	return nil
}

// ListOpenQuotas returns requests with no trip, newest first.
func (s *Store) ListOpenQuotas(ctx context.Context) ([]grain.QuotaRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+quotaColumns+`
		FROM cupos_solicitados
		WHERE flete_id IS NULL
		ORDER BY fecha_solicitud DESC NULLS LAST, id DESC
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

// serialID parses a SERIAL key. Anything else cannot exist in the table.
func serialID(id string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func tripArg(tripID *string) (sql.NullInt64, error) {
	if tripID == nil {
		return sql.NullInt64{}, nil
	}
	n, ok := serialID(*tripID)
	if !ok {
		return sql.NullInt64{}, fmt.Errorf("%w: %s", grain.ErrTripNotFound, *tripID)
	}
	return sql.NullInt64{Int64: n, Valid: true}, nil
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

// tableError maps undefined_table to grain.ErrNotFound.
func tableError(table grain.Table, err error) error {
	if pqCode(err) == codeUndefinedTable {
		return fmt.Errorf("%s: %w", table, grain.ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", table, err)
}

func quotaError(err error) error {
	if pqCode(err) == codeForeignKeyViolation {
		return grain.ErrTripNotFound
	}
	return fmt.Errorf("quota request: %w", err)
}

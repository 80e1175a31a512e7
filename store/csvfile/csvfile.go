/*
Package csvfile reads the legacy tables from flat CSV exports.

PURPOSE:
  The back-office system can export each of its tables to a CSV file with
  the original column names as header. A directory of such exports is a
  complete grain.RecordSource.

FILES (one per table, header row required):
  contrat.csv   NROCONT_C, KILOPED_C, ENTREGA_C, LIQUIYA_C, COSECHA_C, PRODUCT_C, APELCOM_C
  acocarpo.csv  G_FECHA, G_CONTRATO, G_CODI, G_COSE, G_SALDO, G_CONFIRM, G_ROMAN, G_CTG, G_DESTINO
  liqven.csv    FEC_C, CONTRATO, PESO, NET_CTA, NOM_C, FAC_C, FA1_C, BRU_C, IVA_C, PREOPE,
                OTR_GAS, IVA_GAS, GAS_COM, IVA_COM, GAS_VAR, IVA_VAR
  acograst.csv  G_CODI, G_COSE, G_STOK
  acogran.csv   G_CODI, G_DESC
  fletes.csv    ID, G_FECHA, G_CTG, G_CODI, G_COSE, O_PESO, O_NETO, G_TARFLET, G_KILOMET,
                G_CTAPLADE, G_CUILCHOF, IMPORTE, FUENTE

RULES:
  - Header names match case-insensitively; column order is free
  - A missing file is grain.ErrNotFound
  - A missing required column fails the whole table
  - Quantities are passed through as raw text for the engine to parse
  - A row with an unparseable money column is skipped and logged
  - Unparseable dates become the zero time
*/
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/acopio/contract-ledger/grain"
)

// File names, one per table.
const (
	FileContracts    = "contrat.csv"
	FileDeliveries   = "acocarpo.csv"
	FileLiquidations = "liqven.csv"
	FileStock        = "acograst.csv"
	FileGrains       = "acogran.csv"
	FileTrips        = "fletes.csv"
)

// Source reads tables from CSV files in Dir.
type Source struct {
	Dir string
	Log *zap.Logger
}

// New creates a source over dir.
func New(dir string, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{Dir: dir, Log: log.Named("csv")}
}

// table is a parsed CSV file with its header index.
type table struct {
	name  grain.Table
	index map[string]int
	rows  [][]string
}

func (t *table) get(row []string, col string) string {
	i, ok := t.index[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (s *Source) read(ctx context.Context, name grain.Table, file string, required ...string) (*table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.Dir, file)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, grain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s: missing header row", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s header: %w", path, err)
	}

	t := &table{name: name, index: make(map[string]int, len(header))}
	for i, col := range header {
		t.index[strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))] = i
	}
	var missing []string
	for _, col := range required {
		if _, ok := t.index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s header missing columns %v", path, missing)
	}

	t.rows, err = reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return t, nil
}

// =============================================================================
// RECORD SOURCE
// =============================================================================

// Contracts returns contracts matching filter.
func (s *Source) Contracts(ctx context.Context, filter grain.ContractFilter) ([]grain.Contract, error) {
	t, err := s.read(ctx, grain.TableContracts, FileContracts,
		"NROCONT_C", "KILOPED_C", "ENTREGA_C", "LIQUIYA_C", "COSECHA_C", "PRODUCT_C")
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(filter.ID)
	out := []grain.Contract{}
	for _, row := range t.rows {
		c := grain.Contract{
			ID:           t.get(row, "NROCONT_C"),
			GrainCode:    t.get(row, "PRODUCT_C"),
			Harvest:      grain.Harvest(t.get(row, "COSECHA_C")),
			Requested:    grain.Numeric(t.get(row, "KILOPED_C")),
			Delivered:    grain.Numeric(t.get(row, "ENTREGA_C")),
			Liquidated:   grain.Numeric(t.get(row, "LIQUIYA_C")),
			Counterparty: t.get(row, "APELCOM_C"),
		}
		if c.ID == "" {
			continue
		}
		if id != "" && c.ID != id {
			continue
		}
		if !c.Harvest.AtLeast(filter.MinHarvest) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Deliveries returns deliveries for contractID, or all when empty.
func (s *Source) Deliveries(ctx context.Context, contractID string) ([]grain.Delivery, error) {
	t, err := s.read(ctx, grain.TableDeliveries, FileDeliveries, "G_CONTRATO", "G_SALDO")
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(contractID)
	out := []grain.Delivery{}
	for _, row := range t.rows {
		d := grain.Delivery{
			ContractID:   t.get(row, "G_CONTRATO"),
			Date:         parseDate(t.get(row, "G_FECHA")),
			NetQuantity:  grain.Numeric(t.get(row, "G_SALDO")),
			Confirmation: t.get(row, "G_CONFIRM"),
			Destination:  t.get(row, "G_DESTINO"),
			Ticket:       t.get(row, "G_ROMAN"),
			CTG:          t.get(row, "G_CTG"),
			GrainCode:    t.get(row, "G_CODI"),
			Harvest:      grain.Harvest(t.get(row, "G_COSE")),
		}
		if id != "" && d.ContractID != id {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Liquidations returns liquidations for contractID, or all when empty.
func (s *Source) Liquidations(ctx context.Context, contractID string) ([]grain.Liquidation, error) {
	t, err := s.read(ctx, grain.TableLiquidations, FileLiquidations, "CONTRATO", "PESO")
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(contractID)
	out := []grain.Liquidation{}
	for i, row := range t.rows {
		contract := t.get(row, "CONTRATO")
		if id != "" && contract != id {
			continue
		}

		m := moneyReader{t: t, row: row}
		l := grain.Liquidation{
			ContractID: contract,
			Date:       parseDate(t.get(row, "FEC_C")),
			Weight:     grain.Numeric(t.get(row, "PESO")),
			Price:      m.get("PREOPE"),
			Gross:      m.get("BRU_C"),
			Tax:        m.get("IVA_C"),
			Charges: grain.Charges{
				Expenses:         m.get("OTR_GAS"),
				ExpensesTax:      m.get("IVA_GAS"),
				Commission:       m.get("GAS_COM"),
				CommissionTax:    m.get("IVA_COM"),
				Miscellaneous:    m.get("GAS_VAR"),
				MiscellaneousTax: m.get("IVA_VAR"),
			},
			Net:           m.get("NET_CTA"),
			InvoicePrefix: t.get(row, "FAC_C"),
			InvoiceNumber: t.get(row, "FA1_C"),
			Buyer:         t.get(row, "NOM_C"),
		}
		if m.err != nil {
			s.Log.Warn("skipping liquidation with malformed amount",
				zap.String("file", FileLiquidations),
				zap.Int("row", i+2),
				zap.Error(m.err))
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// Stock returns every stock snapshot in file order.
func (s *Source) Stock(ctx context.Context) ([]grain.StockSnapshot, error) {
	t, err := s.read(ctx, grain.TableStock, FileStock, "G_CODI", "G_COSE", "G_STOK")
	if err != nil {
		return nil, err
	}

	out := []grain.StockSnapshot{}
	for _, row := range t.rows {
		out = append(out, grain.StockSnapshot{
			GrainCode: t.get(row, "G_CODI"),
			Harvest:   grain.Harvest(t.get(row, "G_COSE")),
			Quantity:  grain.Numeric(t.get(row, "G_STOK")),
		})
	}
	return out, nil
}

// Grains returns the grain description table.
func (s *Source) Grains(ctx context.Context) ([]grain.GrainDescriptor, error) {
	t, err := s.read(ctx, grain.TableGrains, FileGrains, "G_CODI", "G_DESC")
	if err != nil {
		return nil, err
	}

	out := []grain.GrainDescriptor{}
	for _, row := range t.rows {
		out = append(out, grain.GrainDescriptor{Code: t.get(row, "G_CODI"), Description: t.get(row, "G_DESC")})
	}
	return out, nil
}

// =============================================================================
// TRIP SOURCE
// =============================================================================

// Trips returns the freight trips in file order.
func (s *Source) Trips(ctx context.Context) ([]grain.Trip, error) {
	t, err := s.read(ctx, grain.TableTrips, FileTrips, "ID")
	if err != nil {
		return nil, err
	}

	out := []grain.Trip{}
	for i, row := range t.rows {
		m := moneyReader{t: t, row: row}
		trip := grain.Trip{
			ID:        t.get(row, "ID"),
			Date:      parseDate(t.get(row, "G_FECHA")),
			CTG:       t.get(row, "G_CTG"),
			GrainCode: t.get(row, "G_CODI"),
			Harvest:   grain.Harvest(t.get(row, "G_COSE")),
			Rate:      m.get("G_TARFLET"),
			Carrier:   t.get(row, "G_CTAPLADE"),
			Driver:    t.get(row, "G_CUILCHOF"),
			Amount:    m.get("IMPORTE"),
			Origin:    t.get(row, "FUENTE"),
		}
		trip.Gross, _ = strconv.ParseFloat(t.get(row, "O_PESO"), 64)
		trip.Net, _ = strconv.ParseFloat(t.get(row, "O_NETO"), 64)
		trip.Kilometers, _ = strconv.Atoi(t.get(row, "G_KILOMET"))
		if trip.ID == "" {
			continue
		}
		if m.err != nil {
			s.Log.Warn("skipping trip with malformed amount",
				zap.String("file", FileTrips),
				zap.Int("row", i+2),
				zap.Error(m.err))
			continue
		}
		out = append(out, trip)
	}
	return out, nil
}

// TripExists reports whether fletes.csv lists id.
func (s *Source) TripExists(ctx context.Context, id string) (bool, error) {
	trips, err := s.Trips(ctx)
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
// HELPERS
// =============================================================================

// moneyReader parses decimal columns, keeping the first error.
type moneyReader struct {
	t   *table
	row []string
	err error
}

func (m *moneyReader) get(col string) decimal.Decimal {
	v := m.t.get(m.row, col)
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		if m.err == nil {
			m.err = fmt.Errorf("column %s: %q is not a number", col, v)
		}
		return decimal.Zero
	}
	return d
}

var dateLayouts = []string{"2006-01-02", "02/01/2006", time.RFC3339, "20060102"}

func parseDate(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

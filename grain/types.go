/*
Package grain provides the contract fulfillment reconciliation engine.

PURPOSE:
  Joins three independent record streams (contracts, deliveries,
  liquidations) keyed by contract id, grain code and harvest, and derives
  the figures a grain warehouse needs to plan its outbound freight:
  pending quantity per contract, trucks required, stock coverage per
  grain/harvest, and a per-contract running-balance ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - Numeric: a quantity as read from the source, parsed by the engine so a
    malformed value only skips its own record
  - Harvest: a "YY/YY" season code, compared lexically
  - Contract, Delivery, Liquidation, StockSnapshot: typed source records
  - GrainHarvest: the (grain description, harvest) grouping key

DESIGN PRINCIPLES:
  1. Records are typed at the adapter boundary; the engine never looks up
     fields by name
  2. Quantities are float64, money is decimal.Decimal
  3. The engine is pure: same input, same output, no shared state

SEE ALSO:
  - pending.go: Pending-contract aggregation
  - ledger.go: Running-balance ledger
  - quota.go: Quota request tracker
  - source.go: Record source interface
*/
package grain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// NUMERIC - Raw quantity as read from the source
// =============================================================================

// Numeric holds a quantity exactly as the source yielded it.
// Empty (NULL) parses as zero.
type Numeric string

// NumericFromFloat formats f as a Numeric.
func NumericFromFloat(f float64) Numeric {
	return Numeric(strconv.FormatFloat(f, 'f', -1, 64))
}

// Float parses the value. Surrounding whitespace is ignored. NaN and
// infinities are rejected.
func (n Numeric) Float() (float64, error) {
	s := strings.TrimSpace(string(n))
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", string(n))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %q", string(n))
	}
	return f, nil
}

// =============================================================================
// HARVEST - Season code
// =============================================================================

// Harvest is a season code like "23/24".
//
// Codes compare as strings. "09/10" sorts before "22/23" and that is the
// intended behavior: the cutoff filter must match what the legacy reports
// produced.
type Harvest string

// AtLeast reports whether h >= min. An empty min accepts everything.
func (h Harvest) AtLeast(min Harvest) bool {
	if min == "" {
		return true
	}
	return string(h) >= string(min)
}

func (h Harvest) Trim() Harvest { return Harvest(strings.TrimSpace(string(h))) }

// GrainHarvest groups figures by grain description and harvest.
type GrainHarvest struct {
	Grain   string  `json:"grain"`
	Harvest Harvest `json:"harvest"`
}

func (k GrainHarvest) String() string { return fmt.Sprintf("%s (%s)", k.Grain, k.Harvest) }

func (k GrainHarvest) less(o GrainHarvest) bool {
	if k.Grain != o.Grain {
		return k.Grain < o.Grain
	}
	return k.Harvest < o.Harvest
}

// =============================================================================
// SOURCE RECORDS
// =============================================================================

// Contract is a booked grain trade. Delivered and Liquidated are the
// running figures the back office keeps on the contract itself.
type Contract struct {
	ID           string
	GrainCode    string
	Harvest      Harvest
	Requested    Numeric
	Delivered    Numeric
	Liquidated   Numeric
	Counterparty string
	Date         time.Time
}

// Delivery is a physical grain receipt against a contract.
type Delivery struct {
	ContractID   string
	Date         time.Time // zero when the source date is missing or invalid
	NetQuantity  Numeric
	Confirmation string // "S" when confirmed
	Destination  string
	Ticket       string // internal ticket number
	CTG          string // waybill code
	GrainCode    string
	Harvest      Harvest
}

// Confirmed reports whether the delivery carries the confirmation flag.
func (d Delivery) Confirmed() bool {
	return strings.EqualFold(strings.TrimSpace(d.Confirmation), "S")
}

// Charges are the cost components deducted on a liquidation.
type Charges struct {
	Expenses         decimal.Decimal
	ExpensesTax      decimal.Decimal
	Commission       decimal.Decimal
	CommissionTax    decimal.Decimal
	Miscellaneous    decimal.Decimal
	MiscellaneousTax decimal.Decimal
}

// Total sums every component.
func (c Charges) Total() decimal.Decimal {
	return c.Expenses.Add(c.ExpensesTax).
		Add(c.Commission).Add(c.CommissionTax).
		Add(c.Miscellaneous).Add(c.MiscellaneousTax)
}

// Liquidation is a financial settlement (invoice) against a contract.
type Liquidation struct {
	ContractID    string
	Date          time.Time
	Weight        Numeric
	Price         decimal.Decimal
	Gross         decimal.Decimal
	Tax           decimal.Decimal
	Charges       Charges
	Net           decimal.Decimal
	InvoicePrefix string
	InvoiceNumber string
	Buyer         string
}

// COE returns the electronic settlement code: prefix, dash, and the
// invoice sequence left-padded with zeros to eight digits.
func (l Liquidation) COE() string {
	return fmt.Sprintf("%s-%s", strings.TrimSpace(l.InvoicePrefix), zeroPad(strings.TrimSpace(l.InvoiceNumber), 8))
}

func zeroPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// StockSnapshot is the on-hand quantity for a grain and harvest.
type StockSnapshot struct {
	GrainCode string
	Harvest   Harvest
	Quantity  Numeric
}

// GrainDescriptor maps a grain code to its description.
type GrainDescriptor struct {
	Code        string
	Description string
}

// Trip is a freight trip that quota requests can be linked to.
type Trip struct {
	ID         string
	Date       time.Time
	CTG        string
	GrainCode  string
	Harvest    Harvest
	Gross      float64
	Net        float64
	Rate       decimal.Decimal
	Kilometers int
	Carrier    string
	Driver     string
	Amount     decimal.Decimal
	Origin     string
}

func trimID(id string) string { return strings.TrimSpace(id) }

package grain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DELIVERY STATEMENT
// =============================================================================

// DeliveryLine is a delivery with its parsed quantity.
type DeliveryLine struct {
	Date        time.Time `json:"date"`
	Ticket      string    `json:"ticket"`
	CTG         string    `json:"ctg"`
	NetQuantity float64   `json:"net_quantity"`
	Destination string    `json:"destination"`
	Confirmed   bool      `json:"confirmed"`
}

// DeliveryGroup is a list of deliveries with its subtotal.
type DeliveryGroup struct {
	Lines []DeliveryLine `json:"lines"`
	Total float64        `json:"total"`
	Count int            `json:"count"`
}

func (g *DeliveryGroup) add(line DeliveryLine) {
	g.Lines = append(g.Lines, line)
	g.Total += line.NetQuantity
	g.Count++
}

// DeliveryStatement splits deliveries by confirmation.
type DeliveryStatement struct {
	Unconfirmed DeliveryGroup `json:"unconfirmed"`
	Confirmed   DeliveryGroup `json:"confirmed"`
	Total       float64       `json:"total"`
	Count       int           `json:"count"`
	Diagnostics Diagnostics   `json:"diagnostics"`
}

// SummarizeDeliveries groups deliveries into unconfirmed and confirmed,
// keeping source order within each group.
func SummarizeDeliveries(deliveries []Delivery) DeliveryStatement {
	st := DeliveryStatement{
		Unconfirmed: DeliveryGroup{Lines: []DeliveryLine{}},
		Confirmed:   DeliveryGroup{Lines: []DeliveryLine{}},
	}
	for _, d := range deliveries {
		qty, err := d.NetQuantity.Float()
		if err != nil {
			st.Diagnostics.skip(&MalformedRecordError{Table: TableDeliveries, RecordID: d.Ticket, Field: "net_quantity", Value: string(d.NetQuantity), Err: err})
			continue
		}
		line := DeliveryLine{
			Date:        d.Date,
			Ticket:      d.Ticket,
			CTG:         d.CTG,
			NetQuantity: qty,
			Destination: d.Destination,
			Confirmed:   d.Confirmed(),
		}
		if line.Confirmed {
			st.Confirmed.add(line)
		} else {
			st.Unconfirmed.add(line)
		}
	}
	st.Total = st.Confirmed.Total + st.Unconfirmed.Total
	st.Count = st.Confirmed.Count + st.Unconfirmed.Count
	return st
}

// =============================================================================
// LIQUIDATION STATEMENT
// =============================================================================

// LiquidationLine is a liquidation with its derived code and charges.
type LiquidationLine struct {
	Date    time.Time       `json:"date"`
	COE     string          `json:"coe"`
	Weight  float64         `json:"weight"`
	Price   decimal.Decimal `json:"price"`
	Gross   decimal.Decimal `json:"gross"`
	Tax     decimal.Decimal `json:"tax"`
	Charges decimal.Decimal `json:"charges"`
	Net     decimal.Decimal `json:"net"`
}

// LiquidationTotals sums the liquidation columns.
type LiquidationTotals struct {
	Weight  float64         `json:"weight"`
	Gross   decimal.Decimal `json:"gross"`
	Tax     decimal.Decimal `json:"tax"`
	Charges decimal.Decimal `json:"charges"`
	Net     decimal.Decimal `json:"net"`
}

// LiquidationStatement lists liquidations with their totals.
type LiquidationStatement struct {
	Lines       []LiquidationLine `json:"lines"`
	Totals      LiquidationTotals `json:"totals"`
	Buyer       string            `json:"buyer"`
	Diagnostics Diagnostics       `json:"diagnostics"`
}

// SummarizeLiquidations builds the liquidation statement in source order.
// Buyer is taken from the first liquidation.
func SummarizeLiquidations(liquidations []Liquidation) LiquidationStatement {
	st := LiquidationStatement{Lines: []LiquidationLine{}}
	for _, l := range liquidations {
		w, err := l.Weight.Float()
		if err != nil {
			st.Diagnostics.skip(&MalformedRecordError{Table: TableLiquidations, RecordID: l.COE(), Field: "weight", Value: string(l.Weight), Err: err})
			continue
		}
		if st.Buyer == "" {
			st.Buyer = strings.TrimSpace(l.Buyer)
		}
		line := LiquidationLine{
			Date:    l.Date,
			COE:     l.COE(),
			Weight:  w,
			Price:   l.Price,
			Gross:   l.Gross,
			Tax:     l.Tax,
			Charges: l.Charges.Total(),
			Net:     l.Net,
		}
		st.Lines = append(st.Lines, line)
		st.Totals.Weight += w
		st.Totals.Gross = st.Totals.Gross.Add(line.Gross)
		st.Totals.Tax = st.Totals.Tax.Add(line.Tax)
		st.Totals.Charges = st.Totals.Charges.Add(line.Charges)
		st.Totals.Net = st.Totals.Net.Add(line.Net)
	}
	return st
}

// =============================================================================
// CONTRACT STATEMENT
// =============================================================================

// ContractStatement is everything known about one contract.
type ContractStatement struct {
	ContractID   string               `json:"contract_id"`
	Grain        string               `json:"grain"`
	Harvest      Harvest              `json:"harvest"`
	Counterparty string               `json:"counterparty"`
	Deliveries   DeliveryStatement    `json:"deliveries"`
	Liquidations LiquidationStatement `json:"liquidations"`

	// Difference is delivered minus liquidated weight.
	Difference float64 `json:"difference"`

	// RemainingTrucks is set only when more was liquidated than delivered.
	RemainingTrucks int         `json:"remaining_trucks"`
	Diagnostics     Diagnostics `json:"diagnostics"`
}

// Statement builds the contract statement. Grain and harvest come from the
// first delivery, the counterparty from the first liquidation.
func (e *Engine) Statement(contractID string, deliveries []Delivery, liquidations []Liquidation) ContractStatement {
	id := trimID(contractID)
	ds := make([]Delivery, 0, len(deliveries))
	for _, d := range deliveries {
		if trimID(d.ContractID) == id {
			ds = append(ds, d)
		}
	}
	ls := make([]Liquidation, 0, len(liquidations))
	for _, l := range liquidations {
		if trimID(l.ContractID) == id {
			ls = append(ls, l)
		}
	}

	st := ContractStatement{
		ContractID:   id,
		Deliveries:   SummarizeDeliveries(ds),
		Liquidations: SummarizeLiquidations(ls),
	}
	if len(ds) > 0 {
		st.Grain = e.Grains.Describe(ds[0].GrainCode)
		st.Harvest = ds[0].Harvest.Trim()
	}
	st.Counterparty = st.Liquidations.Buyer
	st.Difference = st.Deliveries.Total - st.Liquidations.Totals.Weight
	if st.Difference < 0 {
		st.RemainingTrucks = Trucks(st.Difference, e.capacity())
	}
	st.Diagnostics.Merge(st.Deliveries.Diagnostics)
	st.Diagnostics.Merge(st.Liquidations.Diagnostics)
	return st
}

// =============================================================================
// CONTRACT INDEX
// =============================================================================

// ContractsByLatestDelivery returns contract ids ordered by their most
// recent dated delivery, newest first. Ties are ordered by id.
func ContractsByLatestDelivery(deliveries []Delivery) []string {
	latest := make(map[string]time.Time)
	for _, d := range deliveries {
		id := trimID(d.ContractID)
		if id == "" || d.Date.IsZero() {
			continue
		}
		if cur, ok := latest[id]; !ok || d.Date.After(cur) {
			latest[id] = d.Date
		}
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := latest[ids[i]], latest[ids[j]]
		if !a.Equal(b) {
			return a.After(b)
		}
		return ids[i] < ids[j]
	})
	return ids
}

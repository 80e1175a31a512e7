/*
ledger.go - Per-contract running balance ("cuenta corriente granaria")

PURPOSE:
  Merges deliveries and liquidations of one contract into a single
  chronological list and carries a running balance: grain received minus
  grain already settled.

ALGORITHM:
  1. Deliveries become +net quantity events, referenced by ticket
  2. Liquidations become -weight events, referenced by COE code
  3. Events without a date are dropped (they cannot be placed in time)
  4. Deliveries then liquidations are concatenated and stable-sorted by
     date, so same-day ties keep deliveries first, each in source order
  5. balance[i] = balance[i-1] + delivered[i] - liquidated[i]

  A contract with no events yields an empty ledger, not an error.

SEE ALSO:
  - statement.go: Confirmed/unconfirmed and liquidation totals
*/
package grain

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// EntryKind tells deliveries and liquidations apart.
type EntryKind string

const (
	EntryDelivery    EntryKind = "delivery"
	EntryLiquidation EntryKind = "liquidation"
)

// LedgerEntry is one line of the running-balance ledger.
type LedgerEntry struct {
	Date        time.Time `json:"date"`
	Kind        EntryKind `json:"kind"`
	Reference   string    `json:"reference"`
	Description string    `json:"description"`
	Delivered   float64   `json:"delivered"`
	Liquidated  float64   `json:"liquidated"`
	Balance     float64   `json:"balance"`
}

// Ledger is the full running-balance view of one contract.
type Ledger struct {
	ContractID  string        `json:"contract_id"`
	Entries     []LedgerEntry `json:"entries"`
	Delivered   float64       `json:"delivered"`
	Liquidated  float64       `json:"liquidated"`
	Balance     float64       `json:"balance"`
	Diagnostics Diagnostics   `json:"diagnostics"`
}

type ledgerEvent struct {
	at    time.Time
	kind  EntryKind
	ref   string
	desc  string
	delta float64
}

// BuildLedger builds the ledger for contractID. Records belonging to other
// contracts are ignored.
func (e *Engine) BuildLedger(contractID string, deliveries []Delivery, liquidations []Liquidation) Ledger {
	log := e.logger().With(zap.String("contract", trimID(contractID)))
	id := trimID(contractID)
	ledger := Ledger{ContractID: id, Entries: []LedgerEntry{}}

	events := make([]ledgerEvent, 0, len(deliveries)+len(liquidations))
	undated := 0

	for _, d := range deliveries {
		if trimID(d.ContractID) != id {
			continue
		}
		qty, err := d.NetQuantity.Float()
		if err != nil {
			merr := &MalformedRecordError{Table: TableDeliveries, RecordID: d.Ticket, Field: "net_quantity", Value: string(d.NetQuantity), Err: err}
			log.Warn("skipping malformed delivery", zap.Error(merr))
			ledger.Diagnostics.skip(merr)
			continue
		}
		if d.Date.IsZero() {
			undated++
			continue
		}
		events = append(events, ledgerEvent{
			at:    d.Date,
			kind:  EntryDelivery,
			ref:   d.Ticket,
			desc:  fmt.Sprintf("Delivery - ticket: %s", d.Ticket),
			delta: qty,
		})
	}

	for _, l := range liquidations {
		if trimID(l.ContractID) != id {
			continue
		}
		w, err := l.Weight.Float()
		if err != nil {
			merr := &MalformedRecordError{Table: TableLiquidations, RecordID: l.COE(), Field: "weight", Value: string(l.Weight), Err: err}
			log.Warn("skipping malformed liquidation", zap.Error(merr))
			ledger.Diagnostics.skip(merr)
			continue
		}
		if l.Date.IsZero() {
			undated++
			continue
		}
		coe := l.COE()
		events = append(events, ledgerEvent{
			at:    l.Date,
			kind:  EntryLiquidation,
			ref:   coe,
			desc:  fmt.Sprintf("Liquidation - COE: %s", coe),
			delta: -w,
		})
	}

	if undated > 0 {
		log.Debug("undated events excluded from ledger", zap.Int("count", undated))
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })

	balance := 0.0
	for _, ev := range events {
		entry := LedgerEntry{Date: ev.at, Kind: ev.kind, Reference: ev.ref, Description: ev.desc}
		if ev.kind == EntryDelivery {
			entry.Delivered = ev.delta
			ledger.Delivered += ev.delta
		} else {
			entry.Liquidated = -ev.delta
			ledger.Liquidated += -ev.delta
		}
		balance += ev.delta
		entry.Balance = balance
		ledger.Entries = append(ledger.Entries, entry)
	}
	ledger.Balance = balance
	return ledger
}

// BalanceAt returns the running balance after every entry dated on or
// before at.
func (l Ledger) BalanceAt(at time.Time) float64 {
	balance := 0.0
	for _, e := range l.Entries {
		if e.Date.After(at) {
			break
		}
		balance = e.Balance
	}
	return balance
}

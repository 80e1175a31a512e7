/*
pending.go - Pending-contract aggregation

PURPOSE:
  For every contract, work out how much grain is still owed and how many
  trucks it takes to move it, then roll the figures up per grain and
  harvest.

RULES (applied in order, per contract):
  1. Requested, delivered or liquidated not numeric -> skipped, reported
  2. delivered == liquidated and delivered != 0     -> settled, excluded
  3. requested <= delivered                          -> nothing pending
  4. harvest < cutoff (string compare)               -> excluded
  5. otherwise pending = requested - delivered,
     trucks = ceil(pending / capacity)

  Rule 2 fires even when requested > delivered. A contract whose
  requested figure was never corrected after an over-delivery would
  otherwise show up as pending forever.

LIQUIDATED TOTAL:
  The liquidated figure reported per contract is the sum of liquidation
  weights for that contract id (ids trimmed), not the figure stored on the
  contract. Contracts with no liquidations report zero.
*/
package grain

import (
	"sort"

	"go.uber.org/zap"
)

// PendingContract is one contract with grain still to deliver.
type PendingContract struct {
	ContractID   string  `json:"contract_id"`
	Counterparty string  `json:"counterparty"`
	Grain        string  `json:"grain"`
	Harvest      Harvest `json:"harvest"`
	Pending      float64 `json:"pending"`
	Trucks       int     `json:"trucks"`
	Liquidated   float64 `json:"liquidated"`
}

// GrainHarvestTotal aggregates pending contracts sharing grain and harvest.
type GrainHarvestTotal struct {
	GrainHarvest
	Pending    float64 `json:"pending"`
	Trucks     int     `json:"trucks"`
	Liquidated float64 `json:"liquidated"`
	Contracts  int     `json:"contracts"`
}

// PendingTotals maps each grain/harvest to its totals.
type PendingTotals map[GrainHarvest]GrainHarvestTotal

// Sorted returns the totals ordered by grain then harvest.
func (t PendingTotals) Sorted() []GrainHarvestTotal {
	out := make([]GrainHarvestTotal, 0, len(t))
	for _, v := range t {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrainHarvest.less(out[j].GrainHarvest) })
	return out
}

// PendingResult is the output of AggregatePending.
type PendingResult struct {
	Contracts   []PendingContract `json:"contracts"`
	Totals      PendingTotals     `json:"-"`
	Evaluated   int               `json:"evaluated"`
	Diagnostics Diagnostics       `json:"diagnostics"`
}

// AggregatePending computes pending contracts and per-grain/harvest totals.
// An empty minHarvest disables the cutoff.
func (e *Engine) AggregatePending(contracts []Contract, liquidations []Liquidation, minHarvest Harvest) PendingResult {
	log := e.logger()
	result := PendingResult{Totals: make(PendingTotals)}

	liquidated := e.liquidatedByContract(liquidations, &result.Diagnostics)

	for _, c := range contracts {
		id := trimID(c.ID)

		requested, delivered, settled, err := parseContract(c)
		if err != nil {
			log.Warn("skipping malformed contract", zap.Error(err))
			result.Diagnostics.skip(err)
			continue
		}
		result.Evaluated++

		if requested < 0 || delivered < 0 {
			log.Warn("negative contract quantity",
				zap.String("contract", id),
				zap.Float64("requested", requested),
				zap.Float64("delivered", delivered))
		}

		if delivered == settled && delivered != 0 {
			continue
		}
		if requested <= delivered {
			continue
		}
		harvest := c.Harvest.Trim()
		if !harvest.AtLeast(minHarvest) {
			continue
		}

		pending := requested - delivered
		pc := PendingContract{
			ContractID:   id,
			Counterparty: c.Counterparty,
			Grain:        e.Grains.Describe(c.GrainCode),
			Harvest:      harvest,
			Pending:      pending,
			Trucks:       Trucks(pending, e.capacity()),
			Liquidated:   liquidated[id],
		}
		result.Contracts = append(result.Contracts, pc)

		key := GrainHarvest{Grain: pc.Grain, Harvest: pc.Harvest}
		total, ok := result.Totals[key]
		if !ok {
			total = GrainHarvestTotal{GrainHarvest: key}
		}
		total.Pending += pc.Pending
		total.Trucks += pc.Trucks
		total.Liquidated += pc.Liquidated
		total.Contracts++
		result.Totals[key] = total
	}

	sort.SliceStable(result.Contracts, func(i, j int) bool {
		return result.Contracts[i].ContractID < result.Contracts[j].ContractID
	})
	return result
}

func (e *Engine) liquidatedByContract(liquidations []Liquidation, diag *Diagnostics) map[string]float64 {
	out := make(map[string]float64)
	for _, l := range liquidations {
		id := trimID(l.ContractID)
		w, err := l.Weight.Float()
		if err != nil {
			merr := &MalformedRecordError{Table: TableLiquidations, RecordID: l.COE(), Field: "weight", Value: string(l.Weight), Err: err}
			e.logger().Warn("skipping malformed liquidation", zap.Error(merr))
			diag.skip(merr)
			continue
		}
		out[id] += w
	}
	return out
}

func parseContract(c Contract) (requested, delivered, liquidated float64, merr *MalformedRecordError) {
	fields := []struct {
		name string
		raw  Numeric
		dst  *float64
	}{
		{"requested", c.Requested, &requested},
		{"delivered", c.Delivered, &delivered},
		{"liquidated", c.Liquidated, &liquidated},
	}
	for _, f := range fields {
		v, err := f.raw.Float()
		if err != nil {
			return 0, 0, 0, &MalformedRecordError{
				Table:    TableContracts,
				RecordID: trimID(c.ID),
				Field:    f.name,
				Value:    string(f.raw),
				Err:      err,
			}
		}
		*f.dst = v
	}
	return requested, delivered, liquidated, nil
}

// =============================================================================
// ROLLUP - Totals collapsed across harvests
// =============================================================================

// GrainTotal is the pending figure for a grain across all harvests.
type GrainTotal struct {
	Grain      string  `json:"grain"`
	Pending    float64 `json:"pending"`
	Trucks     int     `json:"trucks"`
	Liquidated float64 `json:"liquidated"`
}

// RollupByGrain collapses totals across harvests, ordered by grain.
// Harvests are summed oldest first.
func RollupByGrain(totals PendingTotals) []GrainTotal {
	out := make([]GrainTotal, 0, len(totals))
	for _, t := range totals.Sorted() {
		if n := len(out); n == 0 || out[n-1].Grain != t.Grain {
			out = append(out, GrainTotal{Grain: t.Grain})
		}
		g := &out[len(out)-1]
		g.Pending += t.Pending
		g.Trucks += t.Trucks
		g.Liquidated += t.Liquidated
	}
	return out
}

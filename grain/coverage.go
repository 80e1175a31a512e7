package grain

import (
	"sort"
	"strings"

	"go.uber.org/zap"
)

// StockLevels maps grain/harvest to on-hand quantity.
type StockLevels map[GrainHarvest]float64

// Coverage compares on-hand stock with what pending contracts still owe.
// Percent is pending / stock * 100: the share of stock already committed.
type Coverage struct {
	GrainHarvest
	Stock   float64 `json:"stock"`
	Pending float64 `json:"pending"`
	Percent float64 `json:"coverage_percent"`
}

// StockLevels keys snapshots by grain description and harvest.
//
// When the source yields the same key twice, the last one in scan order
// wins. Non-numeric quantities are skipped; negative ones are kept and
// logged.
func (e *Engine) StockLevels(snapshots []StockSnapshot) (StockLevels, Diagnostics) {
	log := e.logger()
	var diag Diagnostics
	levels := make(StockLevels, len(snapshots))

	for _, s := range snapshots {
		code := strings.TrimSpace(s.GrainCode)
		harvest := s.Harvest.Trim()
		if code == "" || harvest == "" {
			continue
		}
		qty, err := s.Quantity.Float()
		if err != nil {
			merr := &MalformedRecordError{Table: TableStock, RecordID: code + " " + string(harvest), Field: "quantity", Value: string(s.Quantity), Err: err}
			log.Warn("skipping malformed stock snapshot", zap.Error(merr))
			diag.skip(merr)
			continue
		}
		if qty < 0 {
			log.Warn("negative stock", zap.String("grain", code), zap.String("harvest", string(harvest)), zap.Float64("quantity", qty))
		}

		key := GrainHarvest{Grain: e.Grains.Describe(code), Harvest: harvest}
		if _, dup := levels[key]; dup {
			log.Debug("duplicate stock snapshot, keeping last", zap.Stringer("key", key))
		}
		levels[key] = qty
	}
	return levels, diag
}

// CompareStock joins pending totals with stock levels.
//
// Every key present in either side is considered when its harvest passes
// the cutoff and stock or pending is above zero. With no stock, coverage
// is 100 when something is pending and 0 otherwise.
func (e *Engine) CompareStock(totals PendingTotals, stock StockLevels, minHarvest Harvest) []Coverage {
	keys := make(map[GrainHarvest]struct{}, len(totals)+len(stock))
	for k := range totals {
		keys[k] = struct{}{}
	}
	for k := range stock {
		keys[k] = struct{}{}
	}

	var out []Coverage
	for k := range keys {
		if !k.Harvest.AtLeast(minHarvest) {
			continue
		}
		s := stock[k]
		p := totals[k].Pending
		if s <= 0 && p <= 0 {
			continue
		}
		out = append(out, Coverage{GrainHarvest: k, Stock: s, Pending: p, Percent: coveragePercent(s, p)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].GrainHarvest.less(out[j].GrainHarvest) })
	return out
}

func coveragePercent(stock, pending float64) float64 {
	if stock > 0 {
		return pending / stock * 100
	}
	if pending > 0 {
		return 100
	}
	return 0
}

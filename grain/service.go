/*
service.go - Reconciler: record source + engine

PURPOSE:
  Reads the tables a report needs, degrades unavailable tables to empty
  sets with a warning, and hands fully materialized records to the Engine.

CONCURRENCY:
  Independent tables are scanned concurrently with errgroup. Only context
  cancellation aborts a report; every other source failure becomes a
  Warning on the result.
*/
package grain

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reconciler runs reports against a RecordSource.
type Reconciler struct {
	Source RecordSource
	Engine *Engine

	// Grains is refreshed before each report when set.
	Grains *DescriptorResolver

	Log *zap.Logger
}

// NewReconciler wires a resolver-backed engine over source.
func NewReconciler(source RecordSource, grains *DescriptorResolver, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	var d Describer = DescriptorMap{}
	if grains != nil {
		d = grains
	}
	return &Reconciler{
		Source: source,
		Engine: NewEngine(d, log.Named("engine")),
		Grains: grains,
		Log:    log,
	}
}

// PendingReport is the pending-contracts view with totals.
type PendingReport struct {
	MinHarvest  Harvest             `json:"min_harvest"`
	Contracts   []PendingContract   `json:"contracts"`
	Totals      []GrainHarvestTotal `json:"totals"`
	ByGrain     []GrainTotal        `json:"by_grain"`
	Evaluated   int                 `json:"evaluated"`
	Diagnostics Diagnostics         `json:"diagnostics"`
}

// CoverageReport is the stock-vs-pending view.
type CoverageReport struct {
	MinHarvest  Harvest     `json:"min_harvest"`
	Rows        []Coverage  `json:"rows"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// PendingReport aggregates pending contracts at or after minHarvest.
func (r *Reconciler) PendingReport(ctx context.Context, minHarvest Harvest) (PendingReport, error) {
	res, diag, err := r.pending(ctx, minHarvest)
	if err != nil {
		return PendingReport{}, err
	}
	res.Diagnostics.Merge(diag)

	contracts := res.Contracts
	if contracts == nil {
		contracts = []PendingContract{}
	}
	return PendingReport{
		MinHarvest:  minHarvest,
		Contracts:   contracts,
		Totals:      res.Totals.Sorted(),
		ByGrain:     RollupByGrain(res.Totals),
		Evaluated:   res.Evaluated,
		Diagnostics: res.Diagnostics,
	}, nil
}

// Coverage compares stock against pending totals for harvests at or after
// minHarvest.
func (r *Reconciler) Coverage(ctx context.Context, minHarvest Harvest) (CoverageReport, error) {
	var (
		res      PendingResult
		snaps    []StockSnapshot
		diag     Diagnostics
		stockErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var d Diagnostics
		var err error
		res, d, err = r.pending(gctx, minHarvest)
		res.Diagnostics.Merge(d)
		return err
	})
	g.Go(func() error {
		snaps, stockErr = r.Source.Stock(gctx)
		return contextErr(gctx, stockErr)
	})
	if err := g.Wait(); err != nil {
		return CoverageReport{}, err
	}
	if stockErr != nil {
		r.degrade(&diag, TableStock, stockErr)
	}

	levels, sdiag := r.Engine.StockLevels(snaps)
	diag.Merge(res.Diagnostics)
	diag.Merge(sdiag)

	rows := r.Engine.CompareStock(res.Totals, levels, minHarvest)
	if rows == nil {
		rows = []Coverage{}
	}
	return CoverageReport{MinHarvest: minHarvest, Rows: rows, Diagnostics: diag}, nil
}

// Ledger builds the running-balance ledger of one contract.
func (r *Reconciler) Ledger(ctx context.Context, contractID string) (Ledger, error) {
	deliveries, liquidations, diag, err := r.movements(ctx, contractID)
	if err != nil {
		return Ledger{}, err
	}
	ledger := r.Engine.BuildLedger(contractID, deliveries, liquidations)
	ledger.Diagnostics.Merge(diag)
	return ledger, nil
}

// Statement builds the delivery and liquidation statement of one contract.
func (r *Reconciler) Statement(ctx context.Context, contractID string) (ContractStatement, error) {
	var gdiag Diagnostics
	r.ensureGrains(ctx, &gdiag)
	deliveries, liquidations, diag, err := r.movements(ctx, contractID)
	if err != nil {
		return ContractStatement{}, err
	}
	st := r.Engine.Statement(contractID, deliveries, liquidations)
	st.Diagnostics.Merge(gdiag)
	st.Diagnostics.Merge(diag)
	return st, nil
}

// ContractsByLatestDelivery lists contract ids, most recently delivered first.
func (r *Reconciler) ContractsByLatestDelivery(ctx context.Context) ([]string, Diagnostics, error) {
	var diag Diagnostics
	deliveries, err := r.Source.Deliveries(ctx, "")
	if err := contextErr(ctx, err); err != nil {
		return nil, diag, err
	}
	if err != nil {
		r.degrade(&diag, TableDeliveries, err)
	}
	return ContractsByLatestDelivery(deliveries), diag, nil
}

// =============================================================================
// SCANS
// =============================================================================

func (r *Reconciler) pending(ctx context.Context, minHarvest Harvest) (PendingResult, Diagnostics, error) {
	var diag Diagnostics
	r.ensureGrains(ctx, &diag)

	var (
		contracts    []Contract
		liquidations []Liquidation
		cErr, lErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		contracts, cErr = r.Source.Contracts(gctx, ContractFilter{MinHarvest: minHarvest})
		return contextErr(gctx, cErr)
	})
	g.Go(func() error {
		liquidations, lErr = r.Source.Liquidations(gctx, "")
		return contextErr(gctx, lErr)
	})
	if err := g.Wait(); err != nil {
		return PendingResult{}, diag, err
	}
	if cErr != nil {
		r.degrade(&diag, TableContracts, cErr)
	}
	if lErr != nil {
		r.degrade(&diag, TableLiquidations, lErr)
	}

	return r.Engine.AggregatePending(contracts, liquidations, minHarvest), diag, nil
}

func (r *Reconciler) movements(ctx context.Context, contractID string) ([]Delivery, []Liquidation, Diagnostics, error) {
	var (
		diag         Diagnostics
		deliveries   []Delivery
		liquidations []Liquidation
		dErr, lErr   error
	)
	id := trimID(contractID)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		deliveries, dErr = r.Source.Deliveries(gctx, id)
		return contextErr(gctx, dErr)
	})
	g.Go(func() error {
		liquidations, lErr = r.Source.Liquidations(gctx, id)
		return contextErr(gctx, lErr)
	})
	if err := g.Wait(); err != nil {
		return nil, nil, diag, err
	}
	if dErr != nil {
		r.degrade(&diag, TableDeliveries, dErr)
	}
	if lErr != nil {
		r.degrade(&diag, TableLiquidations, lErr)
	}
	return deliveries, liquidations, diag, nil
}

func (r *Reconciler) ensureGrains(ctx context.Context, diag *Diagnostics) {
	if r.Grains == nil {
		return
	}
	if err := r.Grains.Ensure(ctx); err != nil && diag != nil {
		diag.warn(TableGrains, err)
	}
}

func (r *Reconciler) degrade(diag *Diagnostics, table Table, err error) {
	var su *SourceUnavailableError
	if !errors.As(err, &su) {
		su = &SourceUnavailableError{Table: table, Err: err}
	}
	r.Log.Warn("table unavailable, using empty set", zap.String("table", string(table)), zap.Error(err))
	diag.warn(table, su)
}

// contextErr returns err only when it is the context's own error.
func contextErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("scan aborted: %w", cerr)
	}
	return nil
}

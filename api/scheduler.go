/*
scheduler.go - Periodic refresh of cached reference data

PURPOSE:
  Reloads the grain description table on a cron schedule and then runs
  the pending report once as a source check, so a back-office sync that
  broke a table shows up before a user asks for a report. The outcome and
  the check's record counts are surfaced on /api/health.

DESIGN:
  - robfig/cron with a seconds field, every 15 minutes by default
  - One refresh runs at a time; a tick that finds a refresh still running
    is skipped
  - Every run has its own timeout derived from the scheduler context

USAGE:
  scheduler, err := NewRefreshScheduler(handler, grains, "0 0/15 * * * *", log)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Health endpoint
  - grain/describe.go: DescriptorResolver
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/acopio/contract-ledger/grain"
)

// DefaultRefreshTimeout bounds a single refresh run.
const DefaultRefreshTimeout = 2 * time.Minute

// RefreshScheduler runs the periodic grain reload and source check.
type RefreshScheduler struct {
	Handler *Handler
	Grains  *grain.DescriptorResolver
	Timeout time.Duration
	Log     *zap.Logger

	cron    *cron.Cron
	baseCtx context.Context
	running sync.Mutex
}

// NewRefreshScheduler validates spec and creates a stopped scheduler.
func NewRefreshScheduler(h *Handler, grains *grain.DescriptorResolver, spec string, log *zap.Logger) (*RefreshScheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rs := &RefreshScheduler{
		Handler: h,
		Grains:  grains,
		Timeout: DefaultRefreshTimeout,
		Log:     log.Named("scheduler"),
		cron:    cron.New(cron.WithSeconds()),
		baseCtx: context.Background(),
	}
	if _, err := rs.cron.AddFunc(spec, func() { rs.Run(rs.baseCtx) }); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return rs, nil
}

// Start runs one refresh immediately and then follows the schedule.
// ctx bounds every run.
func (rs *RefreshScheduler) Start(ctx context.Context) {
	rs.baseCtx = ctx
	go rs.Run(ctx)
	rs.cron.Start()
	rs.Log.Info("scheduler started", zap.Int("entries", len(rs.cron.Entries())))
}

// Stop stops the schedule and waits for a running refresh.
func (rs *RefreshScheduler) Stop() {
	<-rs.cron.Stop().Done()
	rs.running.Lock()
	rs.running.Unlock()
	rs.Log.Info("scheduler stopped")
}

// Run performs one refresh. It returns false when another run is active.
func (rs *RefreshScheduler) Run(ctx context.Context) bool {
	if !rs.running.TryLock() {
		rs.Log.Debug("refresh already running, skipping tick")
		return false
	}
	defer rs.running.Unlock()

	ctx, cancel := context.WithTimeout(ctx, rs.timeout())
	defer cancel()

	start := time.Now()
	check, err := rs.refresh(ctx)
	if rs.Handler != nil {
		rs.Handler.recordRefresh(start, check, err)
	}
	if err != nil {
		rs.Log.Warn("refresh failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		return true
	}
	rs.Log.Info("refresh completed", zap.Duration("took", time.Since(start)))
	return true
}

// refresh reloads grains and runs the source check. The check is nil
// when there is no reconciler to run it against.
func (rs *RefreshScheduler) refresh(ctx context.Context) (*SourceCheckDTO, error) {
	if rs.Grains != nil {
		if err := rs.Grains.Reload(ctx); err != nil {
			return nil, fmt.Errorf("reload grains: %w", err)
		}
	}
	if rs.Handler == nil || rs.Handler.Reconciler == nil {
		return nil, nil
	}

	report, err := rs.Handler.Reconciler.PendingReport(ctx, rs.Handler.MinHarvest)
	if err != nil {
		return nil, fmt.Errorf("source check: %w", err)
	}
	check := &SourceCheckDTO{
		Contracts: len(report.Contracts),
		Evaluated: report.Evaluated,
		Skipped:   len(report.Diagnostics.Skipped),
		Warnings:  len(report.Diagnostics.Warnings),
	}
	rs.Log.Info("source check completed",
		zap.Int("contracts", check.Contracts),
		zap.Int("evaluated", check.Evaluated),
		zap.Int("skipped", check.Skipped),
		zap.Int("warnings", check.Warnings))
	return check, nil
}

func (rs *RefreshScheduler) timeout() time.Duration {
	if rs.Timeout <= 0 {
		return DefaultRefreshTimeout
	}
	return rs.Timeout
}

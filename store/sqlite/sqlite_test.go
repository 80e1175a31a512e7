package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acopio/contract-ledger/grain"
	"github.com/acopio/contract-ledger/grain/store"
	"github.com/acopio/contract-ledger/store/csvfile"
	"github.com/acopio/contract-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func march(d int) time.Time {
	return time.Date(2024, time.March, d, 0, 0, 0, 0, time.UTC)
}

func seed(t *testing.T, s *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveGrain(ctx, grain.GrainDescriptor{Code: "1", Description: "SOJA"}))
	require.NoError(t, s.SaveContract(ctx, grain.Contract{
		ID: "C1", GrainCode: "1", Harvest: "23/24",
		Requested: "100000", Delivered: "40000", Liquidated: "0",
		Counterparty: "ACME SA",
	}))
	require.NoError(t, s.SaveContract(ctx, grain.Contract{
		ID: "C2", GrainCode: "1", Harvest: "21/22", Requested: "oops",
	}))
	require.NoError(t, s.AddDelivery(ctx, grain.Delivery{
		ContractID: "C1", Date: march(1), NetQuantity: "100", Confirmation: "S", Ticket: "T-1", GrainCode: "1", Harvest: "23/24",
	}))
	require.NoError(t, s.SaveLiquidation(ctx, grain.Liquidation{
		ContractID: "C1", Date: march(2), Weight: "40",
		Gross:   decimal.RequireFromString("8000.50"),
		Charges: grain.Charges{Commission: decimal.RequireFromString("12.25")},
		Net:     decimal.RequireFromString("7988.25"),
		InvoicePrefix: "3301", InvoiceNumber: "15", Buyer: "ACME SA",
	}))
	require.NoError(t, s.SaveStock(ctx, grain.StockSnapshot{GrainCode: "1", Harvest: "23/24", Quantity: "500"}))
	require.NoError(t, s.SaveTrip(ctx, grain.Trip{ID: "t1", Date: march(3), CTG: "CTG-1", Rate: decimal.NewFromInt(10)}))
	require.NoError(t, s.SaveTrip(ctx, grain.Trip{ID: "t2", Date: march(4), CTG: "CTG-2"}))
}

// =============================================================================
// RECORD SOURCE TESTS
// =============================================================================

func TestStore_ContractsFilter(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	all, err := s.Contracts(ctx, grain.ContractFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, grain.Numeric("oops"), all[1].Requested, "raw text is kept for the engine")
	assert.Equal(t, grain.Numeric(""), all[1].Delivered)

	recent, err := s.Contracts(ctx, grain.ContractFilter{MinHarvest: "22/23"})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "C1", recent[0].ID)

	one, err := s.Contracts(ctx, grain.ContractFilter{ID: " C2 "})
	require.NoError(t, err)
	require.Len(t, one, 1)
}

func TestStore_LiquidationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	liqs, err := s.Liquidations(context.Background(), "C1")
	require.NoError(t, err)
	require.Len(t, liqs, 1)

	l := liqs[0]
	assert.Equal(t, "3301-00000015", l.COE())
	assert.True(t, march(2).Equal(l.Date))
	assert.True(t, decimal.RequireFromString("8000.5").Equal(l.Gross))
	assert.True(t, decimal.RequireFromString("12.25").Equal(l.Charges.Total()))
}

func TestStore_LiquidationUpsertByInvoice(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.SaveLiquidation(ctx, grain.Liquidation{
		ContractID: "C1", Date: march(2), Weight: "45", InvoicePrefix: "3301", InvoiceNumber: "15",
	}))

	liqs, err := s.Liquidations(ctx, "")
	require.NoError(t, err)
	require.Len(t, liqs, 1)
	assert.Equal(t, grain.Numeric("45"), liqs[0].Weight)
}

func TestStore_DroppedTableIsNotFound(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	require.NoError(t, s.Exec("DROP TABLE liquidations"))

	_, err := s.Liquidations(context.Background(), "")
	assert.ErrorIs(t, err, grain.ErrNotFound)
}

func TestStore_ReconcilerDegradesOnDroppedTable(t *testing.T) {
	// GIVEN: The liquidation table is gone
	// WHEN: Running the pending report
	// THEN: Report succeeds with a warning and the malformed contract listed

	s := newTestStore(t)
	seed(t, s)
	require.NoError(t, s.Exec("DROP TABLE liquidations"))

	r := grain.NewReconciler(s, grain.NewDescriptorResolver(s, time.Hour, nil), nil)
	report, err := r.PendingReport(context.Background(), "")
	require.NoError(t, err)

	require.Len(t, report.Contracts, 1)
	assert.Equal(t, "SOJA", report.Contracts[0].Grain)
	assert.Equal(t, 60000.0, report.Contracts[0].Pending)
	require.Len(t, report.Diagnostics.Warnings, 1)
	assert.Equal(t, grain.TableLiquidations, report.Diagnostics.Warnings[0].Table)
	require.Len(t, report.Diagnostics.Skipped, 1)
	assert.Equal(t, "C2", report.Diagnostics.Skipped[0].RecordID)
}

func TestStore_Ledger(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	r := grain.NewReconciler(s, nil, nil)
	ledger, err := r.Ledger(context.Background(), "C1")
	require.NoError(t, err)

	require.Len(t, ledger.Entries, 2)
	assert.Equal(t, 100.0, ledger.Entries[0].Balance)
	assert.Equal(t, 60.0, ledger.Entries[1].Balance)
}

func TestStore_Trips(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	trips, err := s.Trips(ctx)
	require.NoError(t, err)
	require.Len(t, trips, 2)
	assert.Equal(t, "t2", trips[0].ID, "newest first")
	assert.True(t, decimal.NewFromInt(10).Equal(trips[1].Rate))

	ok, err := s.TripExists(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TripExists(ctx, "t9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Import(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	src := store.NewMemory()
	src.AddContracts(grain.Contract{ID: "N1", GrainCode: "2", Harvest: "24/25", Requested: "10"})
	src.AddStock(grain.StockSnapshot{GrainCode: "2", Harvest: "24/25", Quantity: "1"})
	src.Drop(grain.TableGrains)

	stats, err := s.Import(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Contracts)
	assert.Equal(t, 0, stats.Grains)

	contracts, err := s.Contracts(context.Background(), grain.ContractFilter{})
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	assert.Equal(t, "N1", contracts[0].ID)

	grains, err := s.Grains(context.Background())
	require.NoError(t, err)
	assert.Len(t, grains, 1, "missing grain table leaves existing rows")
}

func TestStore_ImportCSVExport(t *testing.T) {
	// GIVEN: A CSV export with contracts and trips but no stock file
	// WHEN: Importing it into a seeded store
	// THEN: Contracts are replaced, trips upserted, stock kept

	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write(csvfile.FileContracts, "NROCONT_C,PRODUCT_C,COSECHA_C,KILOPED_C,ENTREGA_C,LIQUIYA_C\nK9,1,24/25,500,0,0\n")
	write(csvfile.FileTrips, "ID,G_FECHA,G_CTG,IMPORTE\nt3,2024-03-10,CTG-3,100.50\n")

	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	stats, err := s.Import(ctx, csvfile.New(dir, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Contracts)
	assert.Equal(t, 1, stats.Trips)

	contracts, err := s.Contracts(ctx, grain.ContractFilter{})
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	assert.Equal(t, "K9", contracts[0].ID)

	stock, err := s.Stock(ctx)
	require.NoError(t, err)
	assert.Len(t, stock, 1)

	trips, err := s.Trips(ctx)
	require.NoError(t, err)
	assert.Len(t, trips, 3)
}

// =============================================================================
// QUOTA STORE TESTS
// =============================================================================

func newTestTracker(t *testing.T) (*grain.QuotaTracker, *sqlite.Store) {
	s := newTestStore(t)
	seed(t, s)
	return grain.NewQuotaTracker(s, s, nil), s
}

func requestQuota(t *testing.T, tracker *grain.QuotaTracker, at time.Time) grain.QuotaRequest {
	t.Helper()
	q, err := tracker.RequestQuota(context.Background(), grain.NewQuota{
		ContractID: "C1", Grain: "SOJA", Harvest: "23/24", Quantity: 2, Requester: "Juan", RequestedAt: at,
	})
	require.NoError(t, err)
	return q
}

func TestStore_QuotaLifecycle(t *testing.T) {
	tracker, s := newTestTracker(t)
	ctx := context.Background()

	q := requestQuota(t, tracker, march(5))

	got, err := s.GetQuota(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, grain.QuotaOpen, got.State())
	assert.True(t, march(5).Equal(got.RequestedAt))

	_, err = tracker.LinkTrip(ctx, q.ID, "t1")
	require.NoError(t, err)
	linked, err := tracker.LinkTrip(ctx, q.ID, "t2")
	require.NoError(t, err)
	assert.Equal(t, "t2", *linked.TripID)

	coded, err := tracker.SetAuthorizationCode(ctx, q.ID, "AUTH-9")
	require.NoError(t, err)
	assert.Equal(t, "t2", *coded.TripID)
	assert.Equal(t, "AUTH-9", *coded.AuthorizationCode)

	open, err := tracker.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	require.NoError(t, tracker.Delete(ctx, q.ID))
	_, err = s.GetQuota(ctx, q.ID)
	assert.ErrorIs(t, err, grain.ErrQuotaNotFound)
}

func TestStore_ListOpenNewestFirst(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	older := requestQuota(t, tracker, march(1))
	newer := requestQuota(t, tracker, march(9))

	open, err := tracker.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, newer.ID, open[0].ID)
	assert.Equal(t, older.ID, open[1].ID)
}

func TestStore_CorruptRequestedAtIsReported(t *testing.T) {
	// GIVEN: A stored quota request whose requested_at is not a timestamp
	// WHEN: Reading it back or listing open requests
	// THEN: A malformed record error instead of a zero time

	tracker, s := newTestTracker(t)
	ctx := context.Background()
	q := requestQuota(t, tracker, march(5))
	require.NoError(t, s.Exec("UPDATE quota_requests SET requested_at = 'yesterday'"))

	_, err := s.GetQuota(ctx, q.ID)
	assert.ErrorIs(t, err, grain.ErrMalformedRecord)
	assert.Contains(t, err.Error(), "requested_at")

	_, err = tracker.ListOpen(ctx)
	assert.ErrorIs(t, err, grain.ErrMalformedRecord)

	_, err = tracker.LinkTrip(ctx, q.ID, "t1")
	assert.ErrorIs(t, err, grain.ErrMalformedRecord)
}

func TestStore_UpdateMissingQuota(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpdateQuota(context.Background(), "nope", func(*grain.QuotaRequest) error { return nil })
	assert.ErrorIs(t, err, grain.ErrQuotaNotFound)
	assert.ErrorIs(t, s.DeleteQuota(context.Background(), "nope"), grain.ErrQuotaNotFound)
}

func TestStore_LinkUnknownTripRejectedByForeignKey(t *testing.T) {
	tracker, s := newTestTracker(t)
	tracker.Trips = nil
	q := requestQuota(t, tracker, march(1))

	_, err := tracker.LinkTrip(context.Background(), q.ID, "ghost")
	assert.ErrorIs(t, err, grain.ErrTripNotFound)

	got, err := s.GetQuota(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Nil(t, got.TripID, "failed update is rolled back")
}

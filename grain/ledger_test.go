package grain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acopio/contract-ledger/grain"
)

func delivery(contractID string, date time.Time, qty float64, ticket string) grain.Delivery {
	return grain.Delivery{
		ContractID:   contractID,
		Date:         date,
		NetQuantity:  grain.NumericFromFloat(qty),
		Confirmation: "S",
		Ticket:       ticket,
		GrainCode:    "1",
		Harvest:      "23/24",
	}
}

// =============================================================================
// RUNNING BALANCE TESTS
// =============================================================================

func TestBuildLedger_RunningBalance(t *testing.T) {
	// GIVEN: Delivery of 100 on day 1, liquidation of 40 on day 2
	// WHEN: Building the ledger
	// THEN: Balances 100 then 60

	ledger := newTestEngine().BuildLedger("C1",
		[]grain.Delivery{delivery("C1", day(1), 100, "T-1")},
		[]grain.Liquidation{liquidation("C1", day(2), 40, "15")},
	)

	require.Len(t, ledger.Entries, 2)
	first, second := ledger.Entries[0], ledger.Entries[1]

	assert.Equal(t, grain.EntryDelivery, first.Kind)
	assert.Equal(t, "Delivery - ticket: T-1", first.Description)
	assert.Equal(t, 100.0, first.Delivered)
	assert.Equal(t, 100.0, first.Balance)

	assert.Equal(t, grain.EntryLiquidation, second.Kind)
	assert.Equal(t, "3301-00000015", second.Reference)
	assert.Equal(t, "Liquidation - COE: 3301-00000015", second.Description)
	assert.Equal(t, 40.0, second.Liquidated)
	assert.Equal(t, 60.0, second.Balance)

	assert.Equal(t, 100.0, ledger.Delivered)
	assert.Equal(t, 40.0, ledger.Liquidated)
	assert.Equal(t, 60.0, ledger.Balance)
}

func TestBuildLedger_OrderedByDateAcrossStreams(t *testing.T) {
	ledger := newTestEngine().BuildLedger("C1",
		[]grain.Delivery{
			delivery("C1", day(5), 10, "late"),
			delivery("C1", day(1), 20, "early"),
		},
		[]grain.Liquidation{liquidation("C1", day(3), 5, "1")},
	)

	require.Len(t, ledger.Entries, 3)
	assert.Equal(t, "early", ledger.Entries[0].Reference)
	assert.Equal(t, grain.EntryLiquidation, ledger.Entries[1].Kind)
	assert.Equal(t, "late", ledger.Entries[2].Reference)
	assert.Equal(t, []float64{20, 15, 25}, balances(ledger))
}

func TestBuildLedger_SameDayKeepsDeliveriesFirst(t *testing.T) {
	ledger := newTestEngine().BuildLedger("C1",
		[]grain.Delivery{delivery("C1", day(2), 10, "T-1")},
		[]grain.Liquidation{liquidation("C1", day(2), 30, "1")},
	)

	require.Len(t, ledger.Entries, 2)
	assert.Equal(t, grain.EntryDelivery, ledger.Entries[0].Kind)
	assert.Equal(t, []float64{10, -20}, balances(ledger))
}

func TestBuildLedger_UndatedEventsExcluded(t *testing.T) {
	ledger := newTestEngine().BuildLedger("C1",
		[]grain.Delivery{
			delivery("C1", time.Time{}, 999, "no-date"),
			delivery("C1", day(1), 10, "T-1"),
		},
		[]grain.Liquidation{liquidation("C1", time.Time{}, 50, "1")},
	)

	require.Len(t, ledger.Entries, 1)
	assert.Equal(t, 10.0, ledger.Balance)
	assert.True(t, ledger.Diagnostics.Clean(), "undated records are not malformed")
}

func TestBuildLedger_FiltersByTrimmedContractID(t *testing.T) {
	ledger := newTestEngine().BuildLedger(" C1 ",
		[]grain.Delivery{
			delivery("C1  ", day(1), 10, "mine"),
			delivery("C2", day(1), 10, "other"),
		},
		nil,
	)

	assert.Equal(t, "C1", ledger.ContractID)
	require.Len(t, ledger.Entries, 1)
	assert.Equal(t, "mine", ledger.Entries[0].Reference)
}

func TestBuildLedger_EmptyContract(t *testing.T) {
	ledger := newTestEngine().BuildLedger("NONE", nil, nil)

	assert.NotNil(t, ledger.Entries)
	assert.Empty(t, ledger.Entries)
	assert.Equal(t, 0.0, ledger.Balance)
}

func TestBuildLedger_MalformedRecordSkipped(t *testing.T) {
	bad := delivery("C1", day(1), 0, "T-bad")
	bad.NetQuantity = "1.2.3"

	ledger := newTestEngine().BuildLedger("C1",
		[]grain.Delivery{bad, delivery("C1", day(2), 5, "T-ok")},
		nil,
	)

	require.Len(t, ledger.Entries, 1)
	require.Len(t, ledger.Diagnostics.Skipped, 1)
	assert.Equal(t, "T-bad", ledger.Diagnostics.Skipped[0].RecordID)
}

func TestLedger_BalanceAt(t *testing.T) {
	ledger := newTestEngine().BuildLedger("C1",
		[]grain.Delivery{delivery("C1", day(1), 100, "T-1")},
		[]grain.Liquidation{liquidation("C1", day(10), 40, "1")},
	)

	assert.Equal(t, 0.0, ledger.BalanceAt(day(1).Add(-time.Hour)))
	assert.Equal(t, 100.0, ledger.BalanceAt(day(5)))
	assert.Equal(t, 60.0, ledger.BalanceAt(day(10)))
}

func balances(l grain.Ledger) []float64 {
	out := make([]float64, len(l.Entries))
	for i, e := range l.Entries {
		out[i] = e.Balance
	}
	return out
}

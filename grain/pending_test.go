package grain_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acopio/contract-ledger/grain"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testGrains = grain.DescriptorMap{"1": "SOJA", "2": "MAIZ", "3": "TRIGO"}

func newTestEngine() *grain.Engine {
	return grain.NewEngine(testGrains, nil)
}

func contract(id, grainCode, harvest string, requested, delivered, liquidated float64) grain.Contract {
	return grain.Contract{
		ID:           id,
		GrainCode:    grainCode,
		Harvest:      grain.Harvest(harvest),
		Requested:    grain.NumericFromFloat(requested),
		Delivered:    grain.NumericFromFloat(delivered),
		Liquidated:   grain.NumericFromFloat(liquidated),
		Counterparty: "ACME SA",
	}
}

func liquidation(contractID string, date time.Time, weight float64, number string) grain.Liquidation {
	return grain.Liquidation{
		ContractID:    contractID,
		Date:          date,
		Weight:        grain.NumericFromFloat(weight),
		Price:         decimal.NewFromInt(200),
		Gross:         decimal.NewFromFloat(weight * 200),
		InvoicePrefix: "3301",
		InvoiceNumber: number,
		Buyer:         "ACME SA",
	}
}

func day(d int) time.Time {
	return time.Date(2024, time.March, d, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// TRUCK COUNT TESTS
// =============================================================================

func TestTrucks_RoundsUp(t *testing.T) {
	assert.Equal(t, 0, grain.Trucks(0, grain.DefaultTruckCapacity))
	assert.Equal(t, 1, grain.Trucks(1, grain.DefaultTruckCapacity))
	assert.Equal(t, 1, grain.Trucks(30000, grain.DefaultTruckCapacity))
	assert.Equal(t, 2, grain.Trucks(30001, grain.DefaultTruckCapacity))
	assert.Equal(t, 2, grain.Trucks(-30001, grain.DefaultTruckCapacity), "sign is ignored")
	assert.Equal(t, 4, grain.Trucks(100, 25))
	assert.Equal(t, 1, grain.Trucks(100, 0), "non-positive capacity falls back to default")
}

// =============================================================================
// HARVEST CUTOFF TESTS
// =============================================================================

func TestHarvest_AtLeast_LexicalComparison(t *testing.T) {
	assert.True(t, grain.Harvest("23/24").AtLeast("22/23"))
	assert.True(t, grain.Harvest("22/23").AtLeast("22/23"))
	assert.False(t, grain.Harvest("09/10").AtLeast("22/23"))
	assert.True(t, grain.Harvest("09/10").AtLeast(""), "empty cutoff accepts everything")
}

// =============================================================================
// AGGREGATION TESTS
// =============================================================================

func TestAggregatePending_ComputesPendingAndTrucks(t *testing.T) {
	// GIVEN: A contract for 100t with 40t delivered
	// WHEN: Aggregating pending contracts
	// THEN: 60t pending, two trucks

	engine := newTestEngine()
	res := engine.AggregatePending([]grain.Contract{
		contract("C1", "1", "23/24", 100000, 40000, 0),
	}, nil, "22/23")

	require.Len(t, res.Contracts, 1)
	pc := res.Contracts[0]
	assert.Equal(t, "C1", pc.ContractID)
	assert.Equal(t, "SOJA", pc.Grain)
	assert.Equal(t, grain.Harvest("23/24"), pc.Harvest)
	assert.Equal(t, 60000.0, pc.Pending)
	assert.Equal(t, 2, pc.Trucks)
	assert.Equal(t, 1, res.Evaluated)
	assert.True(t, res.Diagnostics.Clean())
}

func TestAggregatePending_ExclusionRules(t *testing.T) {
	engine := newTestEngine()
	res := engine.AggregatePending([]grain.Contract{
		contract("FULL", "1", "23/24", 100, 100, 0),   // nothing pending
		contract("OVER", "1", "23/24", 100, 120, 0),   // over-delivered
		contract("OLD", "1", "09/10", 100, 10, 0),     // before cutoff
		contract("SETTLED", "1", "23/24", 500, 50, 50), // delivered == liquidated
		contract("OPEN", "1", "23/24", 100, 0, 0),     // zero delivered is not settled
	}, nil, "22/23")

	require.Len(t, res.Contracts, 1)
	assert.Equal(t, "OPEN", res.Contracts[0].ContractID)
	assert.Equal(t, 5, res.Evaluated)
}

func TestAggregatePending_TotalsByGrainAndHarvest(t *testing.T) {
	engine := newTestEngine()
	res := engine.AggregatePending([]grain.Contract{
		contract("A", "1", "23/24", 40000, 0, 0),
		contract("B", "1", "23/24", 10000, 0, 0),
		contract("C", "2", "23/24", 5000, 0, 0),
		contract("D", "1", "22/23", 1000, 0, 0),
	}, []grain.Liquidation{
		liquidation(" A ", day(1), 700, "1"),
		liquidation("B", day(2), 300, "2"),
	}, "")

	totals := res.Totals.Sorted()
	require.Len(t, totals, 3)

	assert.Equal(t, grain.GrainHarvest{Grain: "MAIZ", Harvest: "23/24"}, totals[0].GrainHarvest)
	assert.Equal(t, grain.GrainHarvest{Grain: "SOJA", Harvest: "22/23"}, totals[1].GrainHarvest)

	soja := totals[2]
	assert.Equal(t, grain.GrainHarvest{Grain: "SOJA", Harvest: "23/24"}, soja.GrainHarvest)
	assert.Equal(t, 50000.0, soja.Pending)
	assert.Equal(t, 3, soja.Trucks, "trucks are summed per contract, not recomputed")
	assert.Equal(t, 1000.0, soja.Liquidated)
	assert.Equal(t, 2, soja.Contracts)

	byGrain := grain.RollupByGrain(res.Totals)
	require.Len(t, byGrain, 2)
	assert.Equal(t, "MAIZ", byGrain[0].Grain)
	assert.Equal(t, "SOJA", byGrain[1].Grain)
	assert.Equal(t, 51000.0, byGrain[1].Pending)
}

func TestRollupByGrain_SumsInHarvestOrder(t *testing.T) {
	// GIVEN: One grain split over harvests whose float sum depends on order
	// WHEN: Rolling up repeatedly
	// THEN: The sum is always taken oldest harvest first

	parts := []float64{0.1, 0.2, 0.3, 1e16, -1e16}
	totals := make(grain.PendingTotals)
	for i, p := range parts {
		key := grain.GrainHarvest{Grain: "SOJA", Harvest: grain.Harvest(fmt.Sprintf("%02d/%02d", 10+i, 11+i))}
		totals[key] = grain.GrainHarvestTotal{GrainHarvest: key, Pending: p, Trucks: 1, Liquidated: p}
	}
	var want float64
	for _, p := range parts {
		want += p
	}

	for i := 0; i < 50; i++ {
		byGrain := grain.RollupByGrain(totals)
		require.Len(t, byGrain, 1)
		assert.Equal(t, want, byGrain[0].Pending)
		assert.Equal(t, want, byGrain[0].Liquidated)
		assert.Equal(t, len(parts), byGrain[0].Trucks)
	}
}

func TestAggregatePending_LiquidatedFromLiquidationTable(t *testing.T) {
	// GIVEN: The contract carries 999 liquidated, the liquidation table 250
	// THEN: The liquidation table wins

	engine := newTestEngine()
	res := engine.AggregatePending([]grain.Contract{
		contract("C1", "1", "23/24", 1000, 100, 999),
	}, []grain.Liquidation{
		liquidation("C1", day(1), 100, "1"),
		liquidation("C1", day(2), 150, "2"),
		liquidation("OTHER", day(2), 5000, "3"),
	}, "")

	require.Len(t, res.Contracts, 1)
	assert.Equal(t, 250.0, res.Contracts[0].Liquidated)
}

func TestAggregatePending_MalformedRecordSkipped(t *testing.T) {
	// GIVEN: 10 contracts, one with a non-numeric requested quantity
	// WHEN: Aggregating
	// THEN: 9 evaluated, 1 reported, batch not aborted

	var contracts []grain.Contract
	for i := 0; i < 10; i++ {
		contracts = append(contracts, contract(fmt.Sprintf("C%02d", i), "1", "23/24", 1000, 0, 0))
	}
	contracts[4].Requested = "12,5O0"

	res := newTestEngine().AggregatePending(contracts, nil, "")

	assert.Equal(t, 9, res.Evaluated)
	assert.Len(t, res.Contracts, 9)
	require.Len(t, res.Diagnostics.Skipped, 1)
	skipped := res.Diagnostics.Skipped[0]
	assert.Equal(t, grain.TableContracts, skipped.Table)
	assert.Equal(t, "C04", skipped.RecordID)
	assert.Equal(t, "requested", skipped.Field)
	assert.Equal(t, "12,5O0", skipped.Value)
}

func TestAggregatePending_NonFiniteQuantitySkipped(t *testing.T) {
	// GIVEN: Contracts whose quantities parse as NaN or infinity
	// WHEN: Aggregating
	// THEN: They are skipped as malformed and no truck count goes negative

	contracts := []grain.Contract{
		contract("C1", "1", "23/24", 1000, 0, 0),
		contract("C2", "1", "23/24", 1000, 0, 0),
		contract("C3", "1", "23/24", 1000, 0, 0),
		contract("C4", "1", "23/24", 1000, 0, 0),
	}
	contracts[1].Requested = "NaN"
	contracts[2].Requested = "Inf"
	contracts[3].Delivered = "-Inf"

	res := newTestEngine().AggregatePending(contracts, nil, "")

	assert.Equal(t, 1, res.Evaluated)
	require.Len(t, res.Contracts, 1)
	assert.Equal(t, "C1", res.Contracts[0].ContractID)
	require.Len(t, res.Diagnostics.Skipped, 3)
	assert.Equal(t, "NaN", res.Diagnostics.Skipped[0].Value)
	assert.Equal(t, "Inf", res.Diagnostics.Skipped[1].Value)
	assert.Equal(t, "delivered", res.Diagnostics.Skipped[2].Field)
	for _, total := range res.Totals {
		assert.GreaterOrEqual(t, total.Trucks, 1)
	}
}

func TestNumeric_FloatRejectsNonFinite(t *testing.T) {
	for _, raw := range []grain.Numeric{"NaN", "nan", "Inf", "+Inf", "-Inf", "infinity"} {
		_, err := raw.Float()
		assert.Error(t, err, string(raw))
	}

	f, err := grain.Numeric(" 1e3 ").Float()
	require.NoError(t, err)
	assert.Equal(t, 1000.0, f)
}

func TestAggregatePending_EmptyNumericIsZero(t *testing.T) {
	c := contract("C1", "1", "23/24", 500, 0, 0)
	c.Delivered = ""
	c.Liquidated = "  "

	res := newTestEngine().AggregatePending([]grain.Contract{c}, nil, "")

	require.Len(t, res.Contracts, 1)
	assert.Equal(t, 500.0, res.Contracts[0].Pending)
}

func TestAggregatePending_UnknownGrainKeepsCode(t *testing.T) {
	res := newTestEngine().AggregatePending([]grain.Contract{
		contract("C1", " 99 ", "23/24", 500, 0, 0),
	}, nil, "")

	require.Len(t, res.Contracts, 1)
	assert.Equal(t, "99", res.Contracts[0].Grain)
}

func TestAggregatePending_TruckCapacityOverride(t *testing.T) {
	engine := newTestEngine()
	engine.TruckCapacity = 25000

	res := engine.AggregatePending([]grain.Contract{
		contract("C1", "1", "23/24", 50001, 0, 0),
	}, nil, "")

	require.Len(t, res.Contracts, 1)
	assert.Equal(t, 3, res.Contracts[0].Trucks)
}

func TestAggregatePending_IsPure(t *testing.T) {
	engine := newTestEngine()
	contracts := []grain.Contract{
		contract("B", "2", "23/24", 90000, 1000, 0),
		contract("A", "1", "23/24", 40000, 0, 0),
		contract("X", "1", "23/24", 10, 0, 0),
	}
	contracts[2].Delivered = "n/a"
	liqs := []grain.Liquidation{liquidation("A", day(3), 10, "7")}

	first := engine.AggregatePending(contracts, liqs, "23/24")
	second := engine.AggregatePending(contracts, liqs, "23/24")

	assert.Equal(t, first, second)
	assert.Equal(t, "A", first.Contracts[0].ContractID, "contracts are ordered by id")
}

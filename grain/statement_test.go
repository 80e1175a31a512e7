package grain_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acopio/contract-ledger/grain"
)

func TestLiquidation_COE(t *testing.T) {
	l := grain.Liquidation{InvoicePrefix: " 3301", InvoiceNumber: "1234 "}
	assert.Equal(t, "3301-00001234", l.COE())

	l.InvoiceNumber = "123456789"
	assert.Equal(t, "3301-123456789", l.COE())
}

func TestSummarizeDeliveries_SplitsByConfirmation(t *testing.T) {
	unconfirmed := delivery("C1", day(2), 30, "T-2")
	unconfirmed.Confirmation = "N"
	lower := delivery("C1", day(3), 5, "T-3")
	lower.Confirmation = " s "

	st := grain.SummarizeDeliveries([]grain.Delivery{
		delivery("C1", day(1), 100, "T-1"),
		unconfirmed,
		lower,
	})

	assert.Equal(t, 2, st.Confirmed.Count)
	assert.Equal(t, 105.0, st.Confirmed.Total)
	assert.Equal(t, 1, st.Unconfirmed.Count)
	assert.Equal(t, 30.0, st.Unconfirmed.Total)
	assert.Equal(t, 135.0, st.Total)
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, "T-2", st.Unconfirmed.Lines[0].Ticket)
}

func TestSummarizeLiquidations_ChargesAndTotals(t *testing.T) {
	l := liquidation("C1", day(1), 1000, "9")
	l.Gross = decimal.RequireFromString("200000")
	l.Tax = decimal.RequireFromString("21000")
	l.Charges = grain.Charges{
		Expenses:         decimal.RequireFromString("100"),
		ExpensesTax:      decimal.RequireFromString("21"),
		Commission:       decimal.RequireFromString("50"),
		CommissionTax:    decimal.RequireFromString("10.5"),
		Miscellaneous:    decimal.RequireFromString("5"),
		MiscellaneousTax: decimal.RequireFromString("1.05"),
	}
	l.Net = decimal.RequireFromString("220812.45")

	other := liquidation("C1", day(2), 500, "10")
	other.Gross = decimal.RequireFromString("100000")
	other.Net = decimal.RequireFromString("100000")
	other.Buyer = "SOMEONE ELSE"

	st := grain.SummarizeLiquidations([]grain.Liquidation{l, other})

	require.Len(t, st.Lines, 2)
	assert.Equal(t, "3301-00000009", st.Lines[0].COE)
	assert.True(t, decimal.RequireFromString("187.55").Equal(st.Lines[0].Charges))
	assert.Equal(t, 1500.0, st.Totals.Weight)
	assert.True(t, decimal.RequireFromString("300000").Equal(st.Totals.Gross))
	assert.True(t, decimal.RequireFromString("187.55").Equal(st.Totals.Charges))
	assert.True(t, decimal.RequireFromString("320812.45").Equal(st.Totals.Net))
	assert.Equal(t, "ACME SA", st.Buyer, "buyer comes from the first liquidation")
}

func TestStatement_DifferenceAndRemainingTrucks(t *testing.T) {
	// GIVEN: 20t delivered, 50t liquidated
	// THEN: difference -30t, one truck still to move

	st := newTestEngine().Statement("C1",
		[]grain.Delivery{delivery("C1", day(1), 20000, "T-1"), delivery("C2", day(1), 1, "x")},
		[]grain.Liquidation{liquidation("C1", day(2), 50000, "1")},
	)

	assert.Equal(t, "SOJA", st.Grain)
	assert.Equal(t, grain.Harvest("23/24"), st.Harvest)
	assert.Equal(t, "ACME SA", st.Counterparty)
	assert.Equal(t, -30000.0, st.Difference)
	assert.Equal(t, 1, st.RemainingTrucks)
	assert.Equal(t, 1, st.Deliveries.Count)
}

func TestStatement_NoTrucksWhenAhead(t *testing.T) {
	st := newTestEngine().Statement("C1",
		[]grain.Delivery{delivery("C1", day(1), 80000, "T-1")},
		[]grain.Liquidation{liquidation("C1", day(2), 50000, "1")},
	)

	assert.Equal(t, 30000.0, st.Difference)
	assert.Equal(t, 0, st.RemainingTrucks)
}

func TestContractsByLatestDelivery(t *testing.T) {
	ids := grain.ContractsByLatestDelivery([]grain.Delivery{
		delivery("A", day(1), 1, "1"),
		delivery("B", day(4), 1, "2"),
		delivery("A", day(9), 1, "3"),
		delivery("C", day(4), 1, "4"),
		delivery("D", day(0), 1, "5"),
		{ContractID: "E", NetQuantity: "1"},
	})

	assert.Equal(t, []string{"A", "B", "C", "D"}, ids)
}

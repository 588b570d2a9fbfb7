package ledger_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-terminal/internal/ledger"
	"github.com/noah-isme/pos-terminal/internal/pricing"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func cashTx(id, base, tax string) ledger.Transaction {
	b := pricing.Breakdown{Base: d(base), Tax: d(tax), Total: d(base).Add(d(tax))}
	return ledger.FromBreakdown(id, pricing.MethodCash, b, time.Now())
}

func TestAppendKeepsRunningTotals(t *testing.T) {
	var l ledger.Ledger
	require.NoError(t, l.Append(cashTx("a", "15", "1.5")))
	require.NoError(t, l.Append(ledger.Transaction{
		ID: "b", Method: pricing.MethodCredit, Status: ledger.StatusCompleted,
		TotalCharged: d("20"), BaseAmountPaid: d("15"), SurchargeAmount: d("0.45"), TaxAmount: d("1.55"), TipAmount: d("3"),
	}))

	totals := l.Totals()
	require.Equal(t, 2, totals.Count)
	require.True(t, totals.BasePaid.Equal(d("30")))
	require.True(t, totals.Charged.Equal(d("36.5")))
	require.True(t, totals.Tip.Equal(d("3")))
	require.NoError(t, l.Verify())
	require.True(t, l.RemainingBase(d("30")).IsZero())
	require.True(t, l.RemainingBase(d("40")).Equal(d("10")))
}

func TestAppendRejectsUnbalanced(t *testing.T) {
	var l ledger.Ledger
	tx := cashTx("a", "10", "1")
	tx.TotalCharged = d("12")
	require.ErrorIs(t, l.Append(tx), ledger.ErrUnbalanced)
	require.Equal(t, 0, l.Len())
}

func TestAppendRejectsDuplicateAndInvalid(t *testing.T) {
	var l ledger.Ledger
	require.NoError(t, l.Append(cashTx("a", "10", "1")))
	require.ErrorIs(t, l.Append(cashTx("a", "10", "1")), ledger.ErrInvalidTransaction)

	bad := cashTx("b", "10", "1")
	bad.Method = pricing.MethodSplit
	require.ErrorIs(t, l.Append(bad), ledger.ErrInvalidTransaction)
	require.Equal(t, 1, l.Len())
}

func TestTransactionsReturnsCopy(t *testing.T) {
	var l ledger.Ledger
	require.NoError(t, l.Append(cashTx("a", "10", "1")))
	txs := l.Transactions()
	txs[0].BaseAmountPaid = d("999")
	require.True(t, l.Transactions()[0].BaseAmountPaid.Equal(d("10")))
}

func TestJSONRestoreResumsTotals(t *testing.T) {
	var l ledger.Ledger
	require.NoError(t, l.Append(cashTx("a", "10", "1")))
	require.NoError(t, l.Append(cashTx("b", "5", "0.5")))

	data, err := json.Marshal(&l)
	require.NoError(t, err)

	var restored ledger.Ledger
	require.NoError(t, json.Unmarshal(data, &restored))
	require.True(t, restored.Totals().Equal(l.Totals()))
	require.Equal(t, 2, restored.Len())
}

type appendStep struct {
	charge string
	tip    string
	method pricing.Method
}

func TestTotalsAndSettlementHoldAcrossAppends(t *testing.T) {
	e, err := pricing.NewEngine(pricing.DefaultRates(), decimal.Zero)
	require.NoError(t, err)

	cases := []struct {
		name      string
		orderBase string
		steps     []appendStep
	}{
		{"cash then card", "30", []appendStep{
			{"16.50", "0", pricing.MethodCash}, {"17.00", "0", pricing.MethodCredit}, {"1.10", "0", pricing.MethodCash},
		}},
		{"tips on card steps", "10", []appendStep{
			{"3.78", "0.50", pricing.MethodCredit}, {"3.66", "0", pricing.MethodCash},
			{"4.79", "1", pricing.MethodCredit}, {"0.55", "0", pricing.MethodCash},
		}},
		{"odd cents", "0.07", []appendStep{
			{"0.01", "0", pricing.MethodCash}, {"0.03", "0", pricing.MethodCredit},
			{"0.05", "0", pricing.MethodCash}, {"0.02", "0", pricing.MethodCash},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var l ledger.Ledger
			settled := false
			for i, step := range tc.steps {
				b, err := e.DecomposeCharge(d(step.charge), d(step.tip), step.method)
				require.NoError(t, err)
				require.NoError(t, l.Append(ledger.FromBreakdown(fmt.Sprintf("tx-%d", i), step.method, b, time.Now())))
				require.NoError(t, l.Verify())

				sum := decimal.Zero
				for _, tx := range l.Transactions() {
					sum = sum.Add(tx.BaseAmountPaid)
				}
				require.True(t, sum.Equal(l.Totals().BasePaid), "step %d: %s != %s", i, sum, l.Totals().BasePaid)
				require.Equal(t, i+1, l.Totals().Count)

				now := e.IsSettled(l.Totals().BasePaid, d(tc.orderBase))
				if settled {
					require.True(t, now, "settlement lost at step %d", i)
				}
				settled = now
			}
			require.True(t, settled)
		})
	}
}

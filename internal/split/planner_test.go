package split_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-terminal/internal/split"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRemainingModeUsesRemainingBase(t *testing.T) {
	p := split.Enter(d("30"))
	base, err := p.StepBase(d("12.5"))
	require.NoError(t, err)
	require.True(t, base.Equal(d("12.5")))
}

func TestEqualDividesInitialRemaining(t *testing.T) {
	p := split.Enter(d("40"))
	require.NoError(t, p.Select(split.Selection{Mode: split.ModeEqual, Parts: 4}, d("40")))

	for i, remaining := range []string{"40", "30", "20", "10"} {
		base, err := p.StepBase(d(remaining))
		require.NoError(t, err)
		require.True(t, base.Equal(d("10")), "step %d got %s", i, base)
		p.Advance(split.StepRecord{BaseAmount: base})
	}
	require.Equal(t, 4, p.CurrentIndex)
	require.Len(t, p.Completed, 4)
	require.Equal(t, 3, p.Completed[3].Index)
}

func TestEqualKeepsInitialShareAfterDrift(t *testing.T) {
	// The share is fixed when the split starts, even if later steps
	// recover a slightly different base.
	p := split.Enter(d("30"))
	require.NoError(t, p.Select(split.Selection{Mode: split.ModeEqual, Parts: 3}, d("30")))
	p.Advance(split.StepRecord{})
	base, err := p.StepBase(d("20.01"))
	require.NoError(t, err)
	require.True(t, base.Equal(d("10")))
}

func TestEqualLastPartAbsorbsResidue(t *testing.T) {
	p := split.Enter(d("10"))
	require.NoError(t, p.Select(split.Selection{Mode: split.ModeEqual, Parts: 3}, d("10")))
	first, err := p.StepBase(d("10"))
	require.NoError(t, err)
	require.True(t, first.Equal(d("3.33")))
	p.Advance(split.StepRecord{})
	p.Advance(split.StepRecord{})
	last, err := p.StepBase(d("3.34"))
	require.NoError(t, err)
	require.True(t, last.Equal(d("3.34")))
}

func TestEqualSharesSumWithinParts(t *testing.T) {
	for _, tc := range []struct {
		base  string
		parts int
	}{{"30", 2}, {"10", 3}, {"100.01", 7}, {"0.05", 4}} {
		shares := split.EqualShares(d(tc.base), tc.parts)
		require.Len(t, shares, tc.parts)
		sum := decimal.Zero
		for _, s := range shares {
			sum = sum.Add(s)
		}
		diff := sum.Sub(d(tc.base)).Abs()
		require.True(t, diff.LessThanOrEqual(decimal.New(int64(tc.parts), -2)), "%s/%d drift %s", tc.base, tc.parts, diff)
	}
}

func TestEqualNeedsTwoParts(t *testing.T) {
	p := split.Enter(d("30"))
	require.ErrorIs(t, p.Select(split.Selection{Mode: split.ModeEqual, Parts: 1}, d("30")), split.ErrInvalidSelection)
	require.Equal(t, split.ModeRemaining, p.Mode)
}

func TestEqualRejectsZeroCentShares(t *testing.T) {
	p := split.Enter(d("0.02"))
	require.ErrorIs(t, p.Select(split.Selection{Mode: split.ModeEqual, Parts: 5}, d("0.02")), split.ErrInvalidSelection)
	require.Equal(t, split.ModeRemaining, p.Mode)
	require.Zero(t, p.Parts)

	require.NoError(t, p.Select(split.Selection{Mode: split.ModeEqual, Parts: 2}, d("0.02")))
	base, err := p.StepBase(d("0.02"))
	require.NoError(t, err)
	require.True(t, base.Equal(d("0.01")), base.String())
}

func TestCustomValidation(t *testing.T) {
	p := split.Enter(d("30"))
	require.ErrorIs(t, p.Select(split.Selection{Mode: split.ModeCustom, CustomAmount: d("0")}, d("30")), split.ErrInvalidSelection)
	require.ErrorIs(t, p.Select(split.Selection{Mode: split.ModeCustom, CustomAmount: d("30.02")}, d("30")), split.ErrInvalidSelection)
	require.Equal(t, split.ModeRemaining, p.Mode)

	require.NoError(t, p.Select(split.Selection{Mode: split.ModeCustom, CustomAmount: d("30.01")}, d("30")))
	base, err := p.StepBase(d("30"))
	require.NoError(t, err)
	require.True(t, base.Equal(d("30")), "amount within epsilon is clamped to remaining")
}

func TestCustomAmountIsPerStep(t *testing.T) {
	p := split.Enter(d("30"))
	require.NoError(t, p.Select(split.Selection{Mode: split.ModeCustom, CustomAmount: d("12")}, d("30")))
	p.Advance(split.StepRecord{})

	_, err := p.StepBase(d("18"))
	require.ErrorIs(t, err, split.ErrNoCustomAmount)
	require.NoError(t, p.Select(split.Selection{Mode: split.ModeCustom, CustomAmount: d("8")}, d("18")))
	base, err := p.StepBase(d("18"))
	require.NoError(t, err)
	require.True(t, base.Equal(d("8")))
}

func TestModeLockedAfterFirstCapture(t *testing.T) {
	p := split.Enter(d("30"))
	require.NoError(t, p.Select(split.Selection{Mode: split.ModeEqual, Parts: 2}, d("30")))
	require.NoError(t, p.Select(split.Selection{Mode: split.ModeCustom, CustomAmount: d("5")}, d("30")))
	require.NoError(t, p.Select(split.Selection{Mode: split.ModeEqual, Parts: 3}, d("30")))
	p.Advance(split.StepRecord{})

	require.ErrorIs(t, p.Select(split.Selection{Mode: split.ModeRemaining}, d("20")), split.ErrModeLocked)
	require.ErrorIs(t, p.Select(split.Selection{Mode: split.ModeEqual, Parts: 2}, d("20")), split.ErrModeLocked)
	require.NoError(t, p.Select(split.Selection{Mode: split.ModeEqual, Parts: 3}, d("20")))
}

func TestDetailsSnapshot(t *testing.T) {
	p := split.Enter(d("30"))
	require.NoError(t, p.Select(split.Selection{Mode: split.ModeEqual, Parts: 2}, d("30")))
	p.Advance(split.StepRecord{BaseAmount: d("15"), TransactionID: "tx-1"})
	details := p.Details(d("15"))
	require.Equal(t, 1, details.CurrentIndex)
	require.Len(t, details.CompletedSplits, 1)
	require.True(t, details.RemainingAmount.Equal(d("15")))

	details.CompletedSplits[0].TransactionID = "mutated"
	require.Equal(t, "tx-1", p.Completed[0].TransactionID)
}

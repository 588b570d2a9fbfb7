package payment_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-terminal/internal/ledger"
	"github.com/noah-isme/pos-terminal/internal/payment"
	"github.com/noah-isme/pos-terminal/internal/pricing"
	"github.com/noah-isme/pos-terminal/internal/split"
)

func newRedisStore(t *testing.T) (payment.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return payment.RedisStore{R: rdb, TTL: time.Hour, TerminalID: "till-1"}, mr
}

func checkpoint(t *testing.T) *payment.Session {
	t.Helper()
	e, err := pricing.NewEngine(pricing.DefaultRates(), decimal.Zero)
	require.NoError(t, err)
	b, err := e.DecomposeCharge(dec("16.50"), decimal.Zero, pricing.MethodCash)
	require.NoError(t, err)
	l := &ledger.Ledger{}
	require.NoError(t, l.Append(ledger.FromBreakdown("tx-1", pricing.MethodCash, b, time.Now())))
	plan := split.Enter(dec("30"))
	require.NoError(t, plan.Select(split.Selection{Mode: split.ModeEqual, Parts: 2}, dec("30")))
	plan.Advance(split.StepRecord{Method: "cash", BaseAmount: b.Base, TotalCharged: b.Total, TransactionID: "tx-1"})
	return &payment.Session{
		ID:          "sess-1",
		OrderID:     "ord-30",
		TerminalID:  "till-1",
		Subtotal:    dec("30"),
		OrderBase:   dec("30"),
		CurrentView: payment.ViewSplit,
		History:     []payment.View{payment.ViewInitialOptions, payment.ViewSplit, payment.ViewCash},
		SplitMode:   true,
		SplitPlan:   plan,
		Ledger:      l,
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	st, mr := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, checkpoint(t)))
	require.True(t, mr.Exists("pos:session:till-1"))
	require.Greater(t, mr.TTL("pos:session:till-1"), time.Duration(0))

	got, err := st.Load(ctx, "till-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "ord-30", got.OrderID)
	require.Equal(t, payment.ViewSplit, got.CurrentView)
	require.Equal(t, 1, got.Ledger.Len())
	require.NoError(t, got.Ledger.Verify())
	require.True(t, got.Ledger.Totals().BasePaid.Equal(dec("15")))
	require.Equal(t, 1, got.SplitPlan.CurrentIndex)
	require.Equal(t, split.ModeEqual, got.SplitPlan.Mode)

	missing, err := st.Load(ctx, "till-2")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRedisStoreClearMatchesOrder(t *testing.T) {
	st, mr := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, checkpoint(t)))

	require.NoError(t, st.Clear(ctx, "ord-other"))
	require.True(t, mr.Exists("pos:session:till-1"))

	require.NoError(t, st.Clear(ctx, "ord-30"))
	require.False(t, mr.Exists("pos:session:till-1"))
	require.NoError(t, st.Clear(ctx, "ord-30"))
}

func TestRedisStoreRejectsCorruptCheckpoint(t *testing.T) {
	st, mr := newRedisStore(t)
	require.NoError(t, mr.Set("pos:session:till-1", "{not json"))
	_, err := st.Load(context.Background(), "till-1")
	require.Error(t, err)
}

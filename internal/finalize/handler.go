package finalize

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/pos-terminal/internal/ledger"
	"github.com/noah-isme/pos-terminal/internal/lock"
	"github.com/noah-isme/pos-terminal/internal/obs"
	"github.com/noah-isme/pos-terminal/internal/pricing"
)

// ErrNotSettled is returned when the base amount has not been covered yet.
var ErrNotSettled = errors.New("finalize: order base not settled")

// Submitter sends a completion to the order backend.
type Submitter interface {
	Complete(ctx context.Context, orderID string, payload Payload, idempotencyKey string) (Receipt, error)
}

// Locker serialises completions of the same order across terminals.
type Locker interface {
	TryWithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error
}

// Clearer drops persisted state for an order once it is completed.
type Clearer interface {
	Clear(ctx context.Context, orderID string) error
}

// Handler validates a settled session, submits it and clears local state.
type Handler struct {
	Submitter Submitter
	Engine    pricing.Engine
	Locker    Locker
	LockTTL   time.Duration
	Clearers  []Clearer
	Logger    zerolog.Logger
}

// Finalize completes the order described by in. On any error the caller's
// transactions are left untouched so the operator can retry.
func (h *Handler) Finalize(ctx context.Context, in Input) (Receipt, error) {
	ctx, span := otel.Tracer("finalize.Handler").Start(ctx, "Handler.Finalize")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", in.OrderID),
		attribute.Int("payment.transactions", len(in.Transactions)),
	)

	if h.Submitter == nil {
		return Receipt{}, errors.New("finalize: submitter not configured")
	}
	if len(in.Transactions) == 0 {
		return Receipt{}, ErrNothingToFinalize
	}
	totals := ledger.Sum(in.Transactions)
	if !h.Engine.IsSettled(totals.BasePaid, in.OrderBase) {
		return Receipt{}, ErrNotSettled
	}
	payload, err := BuildPayload(in, h.Engine.Rates)
	if err != nil {
		return Receipt{}, err
	}

	var receipt Receipt
	submit := func(ctx context.Context) error {
		start := time.Now()
		r, err := h.Submitter.Complete(ctx, in.OrderID, payload, IdempotencyKey(in))
		result := "success"
		switch {
		case IsRejected(err):
			result = "rejected"
		case err != nil:
			result = "transient"
		}
		obs.ObserveFinalization(result, time.Since(start))
		if err != nil {
			return err
		}
		receipt = r
		receipt.PaymentMethodUsed = payload.PaymentDetails.PaymentMethod
		return nil
	}

	if h.Locker != nil {
		ttl := h.LockTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		err = h.Locker.TryWithLock(ctx, "finalize:"+in.OrderID, ttl, submit)
		if errors.Is(err, lock.ErrLockHeld) {
			err = transient(0, "completion already in progress for this order", err)
		}
	} else {
		err = submit(ctx)
	}
	if err != nil {
		span.RecordError(err)
		var fe *Error
		if !errors.As(err, &fe) {
			err = transient(0, err.Error(), err)
		}
		h.Logger.Warn().Err(err).Str("order_id", in.OrderID).Msg("finalization_failed")
		return Receipt{}, err
	}

	for _, c := range h.Clearers {
		if cerr := c.Clear(ctx, in.OrderID); cerr != nil {
			h.Logger.Warn().Err(cerr).Str("order_id", in.OrderID).Msg("finalization_clear_failed")
		}
	}
	h.Logger.Info().
		Str("order_id", in.OrderID).
		Str("payment_method", string(payload.PaymentDetails.PaymentMethod)).
		Str("total_paid", payload.PaymentDetails.TotalPaid.StringFixed(2)).
		Msg("order_completed")
	return receipt, nil
}

// IdempotencyKey is stable for every retry of the same payment session.
func IdempotencyKey(in Input) string {
	if in.SessionID != "" {
		return "pos-complete:" + in.SessionID
	}
	return "pos-complete:" + in.OrderID
}

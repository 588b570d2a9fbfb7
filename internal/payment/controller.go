package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/pos-terminal/internal/display"
	"github.com/noah-isme/pos-terminal/internal/events"
	"github.com/noah-isme/pos-terminal/internal/finalize"
	"github.com/noah-isme/pos-terminal/internal/hardware"
	"github.com/noah-isme/pos-terminal/internal/ledger"
	"github.com/noah-isme/pos-terminal/internal/obs"
	"github.com/noah-isme/pos-terminal/internal/pricing"
	"github.com/noah-isme/pos-terminal/internal/split"
)

var tracer = otel.Tracer("payment.Controller")

// Config carries the controller's static settings.
type Config struct {
	TerminalID string
	Engine     pricing.Engine
	PrinterID  string
	Logger     zerolog.Logger
	Now        func() time.Time
	NewID      func() string
}

// Controller owns the terminal's single payment session. Every action runs
// to completion under mu before the next one is accepted; the card wait and
// the backend call run outside mu behind the capture and finalizing guards.
type Controller struct {
	mu sync.Mutex

	terminalID string
	engine     pricing.Engine
	printerID  string
	deps       Deps
	logger     zerolog.Logger
	now        func() time.Time
	newID      func() string

	session    *Session
	capture    *captureState
	finalizing bool
}

type captureState struct {
	orderID string
	cancel  chan struct{}
	once    sync.Once
}

func (cs *captureState) stop() { cs.once.Do(func() { close(cs.cancel) }) }

// NewController wires a controller. The engine must already be validated.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	if deps.Finalizer == nil {
		return nil, errors.New("payment: finalizer is required")
	}
	if cfg.Engine.Epsilon.IsZero() {
		return nil, errors.New("payment: engine not initialised")
	}
	terminal := strings.TrimSpace(cfg.TerminalID)
	if terminal == "" {
		terminal = "default"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Controller{
		terminalID: terminal,
		engine:     cfg.Engine,
		printerID:  cfg.PrinterID,
		deps:       deps,
		logger:     cfg.Logger.With().Str("component", "payment").Str("terminal_id", terminal).Logger(),
		now:        now,
		newID:      newID,
	}, nil
}

// Start opens a session for an order. Starting the order that is already
// mid-settlement returns its current state.
func (c *Controller) Start(ctx context.Context, in StartInput) (Snapshot, error) {
	in.OrderID = strings.TrimSpace(in.OrderID)
	if in.OrderID == "" {
		return Snapshot{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if in.Subtotal.IsNegative() || in.Discount.Amount.IsNegative() {
		return Snapshot{}, fmt.Errorf("%w: amounts must not be negative", ErrInvalidInput)
	}
	in.Subtotal = pricing.Round(in.Subtotal)
	in.Discount.Amount = pricing.Round(in.Discount.Amount)
	base := pricing.OrderBase(in.Subtotal, in.Discount.Amount)
	if !base.IsPositive() {
		return Snapshot{}, fmt.Errorf("%w: order total must be greater than zero", ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.idleLocked(); err != nil {
		return Snapshot{}, err
	}
	if s := c.session; s != nil && !s.completed() && s.Ledger.Len() > 0 {
		if s.OrderID == in.OrderID {
			return c.snapshotLocked(), nil
		}
		return Snapshot{}, fmt.Errorf("%w: order %s", ErrSessionActive, s.OrderID)
	}

	now := c.now().UTC()
	c.session = &Session{
		ID:          c.newID(),
		OrderID:     in.OrderID,
		TerminalID:  c.terminalID,
		Subtotal:    in.Subtotal,
		Discount:    in.Discount,
		OrderBase:   base,
		CurrentView: ViewInitialOptions,
		Direction:   Forward,
		Ledger:      &ledger.Ledger{},
		StartedAt:   now,
		UpdatedAt:   now,
	}
	c.sessionLogger().Info().Str("order_base", base.StringFixed(2)).Msg("payment_session_started")
	c.afterChangeLocked(ctx, events.TopicSessionStarted, map[string]any{
		"orderId":   in.OrderID,
		"orderBase": base,
		"discount":  in.Discount,
	})
	return c.snapshotLocked(), nil
}

// Restore adopts a checkpointed session left by a previous process. It
// reports whether a session was restored.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	if c.deps.Store == nil {
		return false, nil
	}
	s, err := c.deps.Store.Load(ctx, c.terminalID)
	if err != nil || s == nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil || s.completed() {
		return false, nil
	}
	if s.Ledger == nil {
		s.Ledger = &ledger.Ledger{}
	}
	if err := s.Ledger.Verify(); err != nil {
		return false, fmt.Errorf("payment: checkpoint ledger: %w", err)
	}
	if s.SplitPlan != nil {
		s.SplitPlan.Epsilon = c.engine.Epsilon
	}
	c.session = s
	c.sessionLogger().Info().Int("transactions", s.Ledger.Len()).Str("view", string(s.CurrentView)).Msg("payment_session_restored")
	c.publishLocked(ctx)
	return true, nil
}

// Snapshot returns the current session read model.
func (c *Controller) Snapshot() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Snapshot{}, ErrNoSession
	}
	return c.snapshotLocked(), nil
}

// Navigate moves forward to view.
func (c *Controller) Navigate(ctx context.Context, to View) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.activeLocked()
	if err != nil {
		return Snapshot{}, err
	}
	if !to.Valid() {
		return Snapshot{}, fmt.Errorf("%w: unknown view %q", ErrInvalidInput, to)
	}
	if to == ViewCompletion {
		if !s.completed() {
			return Snapshot{}, fmt.Errorf("%w: order has not been completed", ErrInvalidTransition)
		}
		s.push(ViewCompletion, Forward)
		c.afterChangeLocked(ctx, "", nil)
		return c.snapshotLocked(), nil
	}
	if err := c.mutableLocked(s); err != nil {
		return Snapshot{}, err
	}
	settled := c.settledLocked(s)

	switch to {
	case ViewCash, ViewCredit:
		if s.CurrentView != ViewInitialOptions && s.CurrentView != ViewSplit {
			return Snapshot{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.CurrentView, to)
		}
		if settled {
			if !s.SplitMode {
				return Snapshot{}, ErrAlreadySettled
			}
			s.clearStep()
			s.push(ViewCompletion, Forward)
			break
		}
		if err := c.enterTenderLocked(s, to); err != nil {
			return Snapshot{}, err
		}
	case ViewSplit:
		if s.CurrentView != ViewInitialOptions {
			return Snapshot{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.CurrentView, to)
		}
		if settled {
			return Snapshot{}, ErrAlreadySettled
		}
		if s.SplitPlan == nil {
			s.SplitPlan = split.Enter(s.remainingBase())
			s.SplitPlan.Epsilon = c.engine.Epsilon
		}
		s.SplitMode = true
		s.clearStep()
		s.push(ViewSplit, Forward)
	default:
		return Snapshot{}, fmt.Errorf("%w: use back to return to %s", ErrInvalidTransition, to)
	}
	c.afterChangeLocked(ctx, "", nil)
	return c.snapshotLocked(), nil
}

func (c *Controller) enterTenderLocked(s *Session, to View) error {
	method := pricing.MethodCash
	if to == ViewCredit {
		method = pricing.MethodCredit
	}
	base := s.remainingBase()
	if s.SplitMode && s.SplitPlan != nil {
		b, err := s.SplitPlan.StepBase(base)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		base = b
	}
	if !base.IsPositive() {
		return fmt.Errorf("%w: nothing left to collect for this step", ErrInvalidInput)
	}
	step, err := c.engine.AmountDueForStep(base, method)
	if err != nil {
		return err
	}
	amount := step.Total
	s.CurrentStepBase = base
	s.CurrentStepAmount = &amount
	s.TenderMethod = method
	s.push(to, Forward)
	return nil
}

// Back moves to the previous logical view.
func (c *Controller) Back(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.activeLocked()
	if err != nil {
		return Snapshot{}, err
	}
	if s.completed() {
		return Snapshot{}, fmt.Errorf("%w: order already completed", ErrInvalidTransition)
	}
	if s.Fault != "" {
		return Snapshot{}, ErrSessionFaulted
	}

	switch cur := s.CurrentView; cur {
	case ViewCash, ViewCredit, ViewSplit:
		if s.SplitMode && c.settledLocked(s) {
			s.clearStep()
			s.push(ViewCompletion, Backward)
			break
		}
		if cur.tender() {
			s.clearStep()
			target := ViewInitialOptions
			if s.SplitMode {
				target = ViewSplit
			}
			s.push(target, Backward)
			break
		}
		s.SplitPlan = nil
		s.SplitMode = false
		s.push(ViewInitialOptions, Backward)
	default:
		return Snapshot{}, fmt.Errorf("%w: no previous view from %s", ErrInvalidTransition, cur)
	}
	c.afterChangeLocked(ctx, "", nil)
	return c.snapshotLocked(), nil
}

// SelectSplit applies the operator's split mode choice.
func (c *Controller) SelectSplit(ctx context.Context, sel split.Selection) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.activeLocked()
	if err != nil {
		return Snapshot{}, err
	}
	if err := c.mutableLocked(s); err != nil {
		return Snapshot{}, err
	}
	if s.CurrentView != ViewSplit || s.SplitPlan == nil {
		return Snapshot{}, fmt.Errorf("%w: split selection needs the split view", ErrWrongView)
	}
	if err := s.SplitPlan.Select(sel, s.remainingBase()); err != nil {
		return Snapshot{}, err
	}
	c.afterChangeLocked(ctx, "", nil)
	return c.snapshotLocked(), nil
}

// PayCash captures a cash tender for the current step.
func (c *Controller) PayCash(ctx context.Context, t CashTender) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Controller.PayCash")
	defer span.End()

	c.mu.Lock()
	s, err := c.tenderReadyLocked(ViewCash)
	if err != nil {
		c.mu.Unlock()
		return Outcome{}, err
	}
	due := *s.CurrentStepAmount
	if !t.Tendered.IsPositive() {
		c.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: tendered amount must be greater than zero", ErrInvalidInput)
	}
	if t.Tendered.LessThan(due.Sub(c.engine.Epsilon)) {
		c.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: tendered %s, due %s", ErrInsufficientTender, t.Tendered.StringFixed(2), due.StringFixed(2))
	}
	applied := decimal.Min(t.Tendered, due)
	change := pricing.Round(t.Tendered.Sub(applied))
	b, err := c.engine.DecomposeCharge(applied, decimal.Zero, pricing.MethodCash)
	if err != nil {
		c.mu.Unlock()
		obs.CountTender(string(pricing.MethodCash), "error")
		return Outcome{}, err
	}
	tx := c.newTransactionLocked(s, pricing.MethodCash, b)
	tx.Cash = &ledger.CashDetails{Tendered: pricing.Round(t.Tendered), Change: change}
	span.SetAttributes(attribute.String("order.id", s.OrderID), attribute.String("payment.amount", applied.StringFixed(2)))
	return c.settleLocked(ctx, tx, change)
}

// CaptureCard runs the card flow on the customer display and blocks until the
// display reports a result, the capture is cancelled, or ctx ends.
func (c *Controller) CaptureCard(ctx context.Context) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Controller.CaptureCard")
	defer span.End()

	c.mu.Lock()
	if c.deps.Display == nil {
		c.mu.Unlock()
		return Outcome{}, ErrDisplayUnavailable
	}
	s, err := c.tenderReadyLocked(ViewCredit)
	if err != nil {
		c.mu.Unlock()
		return Outcome{}, err
	}
	due := *s.CurrentStepAmount
	stepBase := s.CurrentStepBase
	cs := &captureState{orderID: s.OrderID, cancel: make(chan struct{})}
	c.capture = cs
	reports, stopListening := c.deps.Display.Listen(s.OrderID)
	defer stopListening()
	n := c.notificationLocked()
	n.Step = display.StepTip
	n.AmountDue = &due
	n.BaseForTip = &stepBase
	c.sendLocked(ctx, n)
	span.SetAttributes(attribute.String("order.id", s.OrderID), attribute.String("payment.amount_due", due.StringFixed(2)))
	c.sessionLogger().Info().Str("amount_due", due.StringFixed(2)).Msg("card_capture_started")
	c.mu.Unlock()

	tip := decimal.Zero
	for {
		select {
		case <-ctx.Done():
			c.abortCapture(context.WithoutCancel(ctx), cs, "context_done")
			return Outcome{}, fmt.Errorf("%w: %w", ErrCaptureCancelled, ctx.Err())
		case <-cs.cancel:
			return Outcome{}, ErrCaptureCancelled
		case r := <-reports:
			switch r.Step {
			case display.StepTip:
				switch r.Status {
				case display.StatusCancelled:
					c.abortCapture(ctx, cs, "customer")
					return Outcome{}, ErrCaptureCancelled
				case display.StatusSuccess, display.StatusComplete:
					td, err := r.Tip()
					if err != nil {
						return c.failCapture(ctx, cs, err)
					}
					tip = pricing.Round(td.TipAmount)
					c.announcePayment(ctx, cs, due.Add(tip))
				}
			case display.StepPayment:
				switch r.Status {
				case display.StatusSuccess, display.StatusComplete:
					pd, err := r.Payment()
					if err != nil {
						return c.failCapture(ctx, cs, err)
					}
					return c.completeCard(ctx, cs, due, tip, pd)
				case display.StatusFailed:
					pd, _ := r.Payment()
					reason := pd.Error
					if reason == "" {
						reason = "declined"
					}
					return c.failCapture(ctx, cs, fmt.Errorf("%w: %s", ErrCaptureFailed, reason))
				case display.StatusCancelled:
					c.abortCapture(ctx, cs, "customer")
					return Outcome{}, ErrCaptureCancelled
				}
			}
		}
	}
}

func (c *Controller) announcePayment(ctx context.Context, cs *captureState, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture != cs || c.session == nil {
		return
	}
	n := c.notificationLocked()
	n.Step = display.StepPayment
	n.AmountDue = &amount
	c.sendLocked(ctx, n)
}

func (c *Controller) completeCard(ctx context.Context, cs *captureState, due, tip decimal.Decimal, pd display.PaymentData) (Outcome, error) {
	c.mu.Lock()
	if c.capture != cs || c.session == nil {
		c.mu.Unlock()
		c.logger.Error().Str("order_id", cs.orderID).Str("card_txn", pd.TransactionID).Msg("card payment reported after capture was cancelled; void it at the reader")
		return Outcome{}, ErrCaptureCancelled
	}
	c.capture = nil
	s := c.session
	b, err := c.engine.DecomposeCharge(due.Add(tip), tip, pricing.MethodCredit)
	if err != nil {
		c.mu.Unlock()
		obs.CountTender(string(pricing.MethodCredit), "error")
		return Outcome{}, err
	}
	tx := c.newTransactionLocked(s, pricing.MethodCredit, b)
	tx.Card = &ledger.CardDetails{
		TransactionID: pd.TransactionID,
		Brand:         pd.CardInfo.Brand,
		Last4:         pd.CardInfo.Last4,
		Reader:        pd.Reader,
	}
	return c.settleLocked(ctx, tx, decimal.Zero)
}

func (c *Controller) failCapture(ctx context.Context, cs *captureState, cause error) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == cs {
		c.capture = nil
	}
	obs.CountTender(string(pricing.MethodCredit), "failed")
	c.sessionLogger().Warn().Err(cause).Msg("card_capture_failed")
	if c.session != nil {
		c.publishLocked(ctx)
	}
	return Outcome{}, cause
}

// CancelCapture aborts the card capture in progress. Captured transactions
// are never touched.
func (c *Controller) CancelCapture(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Snapshot{}, ErrNoSession
	}
	if c.capture == nil {
		return Snapshot{}, ErrNoCaptureInProgress
	}
	c.abortCaptureLocked(ctx, c.capture, "operator")
	return c.snapshotLocked(), nil
}

func (c *Controller) abortCapture(ctx context.Context, cs *captureState, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortCaptureLocked(ctx, cs, reason)
}

func (c *Controller) abortCaptureLocked(ctx context.Context, cs *captureState, reason string) {
	if c.capture != cs {
		return
	}
	c.capture = nil
	cs.stop()
	if c.deps.Display != nil {
		if err := c.deps.Display.Cancel(ctx, cs.orderID); err != nil {
			c.logger.Warn().Err(err).Str("order_id", cs.orderID).Msg("display_cancel_failed")
		}
	}
	obs.CountCaptureCancelled()
	s := c.session
	if s == nil {
		return
	}
	s.clearStep()
	target := ViewInitialOptions
	if s.SplitMode {
		target = ViewSplit
	}
	s.push(target, Backward)
	c.sessionLogger().Info().Str("reason", reason).Msg("card_capture_cancelled")
	c.afterChangeLocked(ctx, events.TopicCaptureCancelled, map[string]any{"reason": reason})
}

// Finalize retries completion of a settled order whose earlier attempt failed.
func (c *Controller) Finalize(ctx context.Context) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Controller.Finalize")
	defer span.End()

	c.mu.Lock()
	s, err := c.activeLocked()
	if err != nil {
		c.mu.Unlock()
		return Outcome{}, err
	}
	if s.completed() {
		c.mu.Unlock()
		return Outcome{}, ErrAlreadyCompleted
	}
	if s.Fault != "" {
		c.mu.Unlock()
		return Outcome{}, ErrSessionFaulted
	}
	if !c.settledLocked(s) {
		c.mu.Unlock()
		return Outcome{}, ErrNotSettled
	}
	c.finalizing = true
	in := c.finalizeInputLocked(s)
	c.mu.Unlock()
	return c.runFinalize(ctx, in, Outcome{Settled: true})
}

// Abandon drops the session. Captured transactions are reported in the
// journal; voiding them is done at the order level.
func (c *Controller) Abandon(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	if s == nil {
		return ErrNoSession
	}
	if err := c.idleLocked(); err != nil {
		return err
	}
	ev := c.sessionLogger().Info()
	if s.Ledger.Len() > 0 && !s.completed() {
		ev = c.sessionLogger().Warn()
	}
	ev.Int("transactions", s.Ledger.Len()).Bool("completed", s.completed()).Msg("payment_session_abandoned")
	c.emitLocked(ctx, events.TopicSessionAbandoned, map[string]any{
		"orderId":      s.OrderID,
		"completed":    s.completed(),
		"transactions": s.Ledger.Transactions(),
	})
	if c.deps.Store != nil {
		if err := c.deps.Store.Delete(ctx, c.terminalID); err != nil {
			c.logger.Warn().Err(err).Msg("checkpoint_delete_failed")
		}
	}
	c.session = nil
	c.publishLocked(ctx)
	return nil
}

// newTransactionLocked stamps a breakdown with ids and split context.
func (c *Controller) newTransactionLocked(s *Session, method pricing.Method, b pricing.Breakdown) ledger.Transaction {
	tx := ledger.FromBreakdown(c.newID(), method, b, c.now())
	if s.SplitMode && s.SplitPlan != nil {
		tx.Split = &ledger.SplitContext{
			Mode:             string(s.SplitPlan.Mode),
			Parts:            s.SplitPlan.Parts,
			Index:            s.SplitPlan.CurrentIndex,
			StepAmountTarget: s.CurrentStepBase,
		}
	}
	return tx
}

// settleLocked appends tx and runs the settlement check. It is entered with
// mu held and returns with mu released.
func (c *Controller) settleLocked(ctx context.Context, tx ledger.Transaction, change decimal.Decimal) (Outcome, error) {
	s := c.session
	if err := s.Ledger.Append(tx); err != nil {
		c.mu.Unlock()
		obs.CountTender(string(tx.Method), "error")
		return Outcome{}, err
	}
	obs.CountTender(string(tx.Method), "captured")
	log := c.sessionLogger()
	log.Info().
		Str("txn_id", tx.ID).
		Str("method", string(tx.Method)).
		Str("amount", tx.TotalCharged.StringFixed(2)).
		Str("base", tx.BaseAmountPaid.StringFixed(2)).
		Msg("tender_captured")

	if tx.Method == pricing.MethodCash && c.deps.Hardware != nil {
		if err := c.deps.Hardware.OpenDrawer(ctx, s.OrderID); err != nil {
			log.Warn().Err(err).Msg("open_drawer_dispatch_failed")
		}
	}
	if s.SplitMode && s.SplitPlan != nil {
		s.SplitPlan.Advance(split.StepRecord{
			Method:        string(tx.Method),
			BaseAmount:    tx.BaseAmountPaid,
			TotalCharged:  tx.TotalCharged,
			TransactionID: tx.ID,
			CompletedAt:   tx.Timestamp,
		})
	}
	c.emitLocked(ctx, events.TopicTenderCaptured, tx)

	out := Outcome{Transaction: tx, Change: change}
	switch {
	case c.settledLocked(s):
		out.Settled = true
		s.CurrentStepAmount = nil
		c.finalizing = true
		in := c.finalizeInputLocked(s)
		c.afterChangeLocked(ctx, "", nil)
		c.mu.Unlock()
		return c.runFinalize(ctx, in, out)
	case s.SplitMode:
		s.clearStep()
		s.push(ViewSplit, Forward)
		c.afterChangeLocked(ctx, events.TopicSplitAdvanced, map[string]any{
			"remainingBase": s.remainingBase(),
			"currentIndex":  s.SplitPlan.CurrentIndex,
		})
		out.Snapshot = c.snapshotLocked()
		c.mu.Unlock()
		return out, nil
	default:
		s.Fault = fmt.Sprintf("non-split tender left %s of %s unpaid", s.remainingBase().StringFixed(2), s.OrderBase.StringFixed(2))
		obs.CountSessionFault()
		log.Error().Str("fault", s.Fault).Msg("unreachable_payment_state")
		c.afterChangeLocked(ctx, events.TopicSessionFaulted, map[string]any{"fault": s.Fault})
		out.Snapshot = c.snapshotLocked()
		c.mu.Unlock()
		return out, ErrUnreachableState
	}
}

// runFinalize submits in without holding mu, then applies the result.
func (c *Controller) runFinalize(ctx context.Context, in finalize.Input, out Outcome) (Outcome, error) {
	receipt, err := c.deps.Finalizer.Finalize(ctx, in)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalizing = false
	s := c.session
	if s == nil || s.ID != in.SessionID {
		return out, err
	}
	if err != nil {
		retryable := !finalize.IsRejected(err)
		c.sessionLogger().Warn().Err(err).Bool("retryable", retryable).Msg("finalization_failed")
		c.afterChangeLocked(ctx, events.TopicFinalizationFailed, map[string]any{
			"error":     err.Error(),
			"retryable": retryable,
		})
		out.Snapshot = c.snapshotLocked()
		return out, err
	}

	s.Completion = &receipt
	s.clearStep()
	s.push(ViewCompletion, Forward)
	out.Completed = true
	out.Receipt = &receipt
	c.sessionLogger().Info().Str("payment_method", string(receipt.PaymentMethodUsed)).Msg("payment_session_completed")
	if c.deps.Hardware != nil {
		job := hardware.PrintJob{
			OrderID:    s.OrderID,
			PrinterID:  c.printerID,
			TicketType: hardware.TicketCustomerReceipt,
			TicketData: receipt.ReceiptPayload,
		}
		if len(job.TicketData) == 0 {
			job.TicketData = receipt.Order
		}
		if err := c.deps.Hardware.PrintReceipt(ctx, job); err != nil {
			c.sessionLogger().Warn().Err(err).Msg("print_receipt_dispatch_failed")
		}
	}
	if c.deps.Store != nil {
		if err := c.deps.Store.Delete(ctx, c.terminalID); err != nil {
			c.logger.Warn().Err(err).Msg("checkpoint_delete_failed")
		}
	}
	c.afterChangeLocked(ctx, events.TopicSessionCompleted, map[string]any{
		"orderId":       s.OrderID,
		"paymentMethod": receipt.PaymentMethodUsed,
		"totals":        s.Ledger.Totals(),
	})
	out.Snapshot = c.snapshotLocked()
	return out, nil
}

func (c *Controller) finalizeInputLocked(s *Session) finalize.Input {
	txs := s.Ledger.Transactions()
	splitPayment := s.SplitMode
	for _, tx := range txs {
		if tx.Split != nil {
			splitPayment = true
		}
	}
	return finalize.Input{
		OrderID:      s.OrderID,
		SessionID:    s.ID,
		Subtotal:     s.Subtotal,
		Discount:     s.Discount,
		OrderBase:    s.OrderBase,
		Transactions: txs,
		SplitPayment: splitPayment,
		SplitDetails: s.splitDetails(),
		CompletedAt:  c.now(),
	}
}

func (c *Controller) activeLocked() (*Session, error) {
	if c.session == nil {
		return nil, ErrNoSession
	}
	if err := c.idleLocked(); err != nil {
		return nil, err
	}
	return c.session, nil
}

func (c *Controller) idleLocked() error {
	if c.capture != nil {
		return ErrCaptureInProgress
	}
	if c.finalizing {
		return ErrFinalizing
	}
	return nil
}

// mutableLocked rejects changes to a completed or faulted session.
func (c *Controller) mutableLocked(s *Session) error {
	if s.completed() {
		return ErrAlreadyCompleted
	}
	if s.Fault != "" {
		return ErrSessionFaulted
	}
	return nil
}

func (c *Controller) tenderReadyLocked(view View) (*Session, error) {
	s, err := c.activeLocked()
	if err != nil {
		return nil, err
	}
	if err := c.mutableLocked(s); err != nil {
		return nil, err
	}
	if c.settledLocked(s) {
		return nil, ErrAlreadySettled
	}
	if s.CurrentView != view || s.CurrentStepAmount == nil {
		return nil, fmt.Errorf("%w: expected %s, at %s", ErrWrongView, view, s.CurrentView)
	}
	return s, nil
}

func (c *Controller) settledLocked(s *Session) bool {
	return c.engine.IsSettled(s.Ledger.Totals().BasePaid, s.OrderBase)
}

// afterChangeLocked stamps the session and fans the change out to the
// display, the journal and the checkpoint. Failures are logged only.
func (c *Controller) afterChangeLocked(ctx context.Context, topic string, payload any) {
	if s := c.session; s != nil {
		s.UpdatedAt = c.now().UTC()
	}
	c.publishLocked(ctx)
	if topic != "" {
		c.emitLocked(ctx, topic, payload)
	}
	c.checkpointLocked(ctx)
}

func (c *Controller) emitLocked(ctx context.Context, topic string, payload any) {
	if c.deps.Journal == nil || c.session == nil {
		return
	}
	if _, err := c.deps.Journal.Emit(ctx, topic, c.session.ID, payload); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("journal_emit_failed")
	}
}

func (c *Controller) checkpointLocked(ctx context.Context) {
	s := c.session
	if c.deps.Store == nil || s == nil || s.completed() {
		return
	}
	if err := c.deps.Store.Save(ctx, s); err != nil {
		c.logger.Warn().Err(err).Msg("checkpoint_save_failed")
	}
}

func (c *Controller) publishLocked(ctx context.Context) {
	c.sendLocked(ctx, c.notificationLocked())
}

func (c *Controller) sendLocked(ctx context.Context, n display.Notification) {
	if c.deps.Display == nil {
		return
	}
	if _, err := c.deps.Display.Publish(ctx, n); err != nil {
		c.logger.Warn().Err(err).Str("step", string(n.Step)).Msg("display_publish_failed")
	}
}

func (c *Controller) notificationLocked() display.Notification {
	s := c.session
	if s == nil {
		return display.Notification{Type: display.TypeState, Step: display.StepWelcome}
	}
	totals := s.Ledger.Totals()
	dt := c.engine.DisplayTotals(c.displayInputLocked(s, totals))
	n := display.Notification{
		Type:           display.TypeState,
		Step:           stepFor(s.CurrentView),
		View:           string(s.CurrentView),
		PaymentMethod:  s.TenderMethod,
		AmountPaid:     pricing.Round(totals.Charged),
		IsSplitPayment: s.SplitMode,
		SplitDetails:   s.splitDetails(),
		OrderID:        s.OrderID,
		Totals:         &dt,
	}
	if s.CurrentStepAmount != nil {
		due := *s.CurrentStepAmount
		base := s.CurrentStepBase
		n.AmountDue = &due
		n.BaseForTip = &base
	}
	if s.Completion != nil {
		n.Receipt = s.Completion.ReceiptPayload
	}
	return n
}

func stepFor(v View) display.Step {
	switch v {
	case ViewCash, ViewCredit, ViewSplit:
		return display.StepPayment
	case ViewCompletion:
		return display.StepReceipt
	default:
		return display.StepCart
	}
}

func (c *Controller) displayInputLocked(s *Session, totals ledger.Totals) pricing.DisplayInput {
	return pricing.DisplayInput{
		Subtotal:      s.Subtotal,
		Discount:      s.Discount.Amount,
		BasePaid:      totals.BasePaid,
		SurchargePaid: totals.Surcharge,
		TaxPaid:       totals.Tax,
		TipPaid:       totals.Tip,
		Selected:      s.TenderMethod,
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	s := c.session
	totals := s.Ledger.Totals()
	snap := Snapshot{
		SessionID:     s.ID,
		OrderID:       s.OrderID,
		View:          s.CurrentView,
		History:       append([]View(nil), s.History...),
		Direction:     s.Direction,
		TenderMethod:  s.TenderMethod,
		SplitMode:     s.SplitMode,
		Split:         s.splitDetails(),
		Subtotal:      s.Subtotal,
		Discount:      s.Discount,
		OrderBase:     s.OrderBase,
		Transactions:  s.Ledger.Transactions(),
		Totals:        totals,
		RemainingBase: s.remainingBase(),
		Settled:       c.engine.IsSettled(totals.BasePaid, s.OrderBase),
		Capturing:     c.capture != nil,
		Finalizing:    c.finalizing,
		Completed:     s.completed(),
		Receipt:       s.Completion,
		Fault:         s.Fault,
		Display:       c.engine.DisplayTotals(c.displayInputLocked(s, totals)),
		StartedAt:     s.StartedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if s.CurrentStepAmount != nil {
		due := *s.CurrentStepAmount
		base := s.CurrentStepBase
		snap.CurrentStepAmount = &due
		snap.CurrentStepBase = &base
	}
	return snap
}

func (c *Controller) sessionLogger() *zerolog.Logger {
	l := c.logger
	if s := c.session; s != nil {
		l = l.With().Str("session_id", s.ID).Str("order_id", s.OrderID).Logger()
	}
	return &l
}

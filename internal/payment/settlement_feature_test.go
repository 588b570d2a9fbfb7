package payment_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-terminal/internal/display"
	"github.com/noah-isme/pos-terminal/internal/finalize"
	"github.com/noah-isme/pos-terminal/internal/payment"
	"github.com/noah-isme/pos-terminal/internal/pricing"
	"github.com/noah-isme/pos-terminal/internal/split"
)

type settlementContext struct {
	t       *testing.T
	f       *fixture
	orderID string
	snap    payment.Snapshot
	out     payment.Outcome
	err     error
}

func (c *settlementContext) anOrderWithSubtotal(orderID, subtotal string) error {
	c.orderID = orderID
	snap, err := c.f.ctrl.Start(context.Background(), payment.StartInput{OrderID: orderID, Subtotal: dec(subtotal)})
	c.snap = snap
	return err
}

func (c *settlementContext) theOrderServiceFailsOnce() error {
	c.f.fin.errs = []error{&finalize.Error{Kind: finalize.KindTransient, StatusCode: 503, Message: "unavailable"}}
	return nil
}

func (c *settlementContext) theOperatorOpensTheView(view string) error {
	snap, err := c.f.ctrl.Navigate(context.Background(), payment.View(view))
	if err != nil {
		return err
	}
	c.snap = snap
	return nil
}

func (c *settlementContext) theOperatorSplitsEquallyIntoParts(parts int) error {
	snap, err := c.f.ctrl.SelectSplit(context.Background(), split.Selection{Mode: split.ModeEqual, Parts: parts})
	c.snap = snap
	return err
}

func (c *settlementContext) theOperatorEntersACustomSplitOf(amount string) error {
	_, c.err = c.f.ctrl.SelectSplit(context.Background(), split.Selection{Mode: split.ModeCustom, CustomAmount: dec(amount)})
	return nil
}

func (c *settlementContext) theCustomerHandsOverInCash(amount string) error {
	c.out, c.err = c.f.ctrl.PayCash(context.Background(), payment.CashTender{Tendered: dec(amount)})
	c.snap = c.out.Snapshot
	return nil
}

func (c *settlementContext) theCustomerPaysByCardWithATipOf(tip string) error {
	done := c.f.captureAsync(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := c.f.ctrl.Snapshot()
		if err == nil && snap.Capturing {
			break
		}
		if time.Now().After(deadline) {
			return errors.New("card capture never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.f.hub.Deliver(report(display.StepTip, display.StatusSuccess, c.orderID, fmt.Sprintf(`{"tipAmount":%q}`, tip))); err != nil {
		return err
	}
	if err := c.f.hub.Deliver(report(display.StepPayment, display.StatusSuccess, c.orderID, `{"transactionId":"card-1"}`)); err != nil {
		return err
	}
	res := <-done
	c.out, c.err = res.out, res.err
	c.snap = res.out.Snapshot
	return nil
}

func (c *settlementContext) theOperatorRetriesFinalization() error {
	c.out, c.err = c.f.ctrl.Finalize(context.Background())
	c.snap = c.out.Snapshot
	return nil
}

func equalAmount(label string, got decimal.Decimal, want string) error {
	if !got.Equal(dec(want)) {
		return fmt.Errorf("%s: got %s, want %s", label, got.StringFixed(2), want)
	}
	return nil
}

func (c *settlementContext) theAmountDueIs(amount string) error {
	if c.snap.CurrentStepAmount == nil {
		return errors.New("no amount due on the current view")
	}
	return equalAmount("amount due", *c.snap.CurrentStepAmount, amount)
}

func (c *settlementContext) theChangeIs(amount string) error {
	if c.err != nil {
		return c.err
	}
	return equalAmount("change", c.out.Change, amount)
}

func (c *settlementContext) theRemainingBaseIs(amount string) error {
	if c.err != nil {
		return c.err
	}
	return equalAmount("remaining base", c.snap.RemainingBase, amount)
}

func (c *settlementContext) theOrderIsCompletedWithTotalPaid(amount string) error {
	if c.err != nil {
		return c.err
	}
	if !c.out.Completed || c.snap.View != payment.ViewCompletion {
		return fmt.Errorf("order not completed, view %s", c.snap.View)
	}
	return equalAmount("total paid", c.snap.Totals.Charged, amount)
}

func (c *settlementContext) theBackendReceivedTransactions(n int) error {
	calls := c.f.fin.calls()
	if len(calls) == 0 {
		return errors.New("nothing was submitted")
	}
	if got := len(calls[len(calls)-1].Transactions); got != n {
		return fmt.Errorf("submitted %d transactions, want %d", got, n)
	}
	return nil
}

func (c *settlementContext) theCompletedTaxIs(amount string) error {
	calls := c.f.fin.calls()
	if len(calls) == 0 {
		return errors.New("nothing was submitted")
	}
	p, err := finalize.BuildPayload(calls[len(calls)-1], pricing.DefaultRates())
	if err != nil {
		return err
	}
	return equalAmount("tax", p.TaxAmount, amount)
}

func (c *settlementContext) theRequestFailsWith(fragment string) error {
	if c.err == nil {
		return errors.New("expected an error")
	}
	if !strings.Contains(strings.ToLower(c.err.Error()), strings.ToLower(fragment)) {
		return fmt.Errorf("error %q does not mention %q", c.err, fragment)
	}
	return nil
}

func (c *settlementContext) theSessionIsSettledButNotCompleted() error {
	snap, err := c.f.ctrl.Snapshot()
	if err != nil {
		return err
	}
	if !snap.Settled || snap.Completed {
		return fmt.Errorf("settled=%v completed=%v", snap.Settled, snap.Completed)
	}
	return nil
}

func (c *settlementContext) everySubmissionUsedTheSameIdempotencyKey() error {
	calls := c.f.fin.calls()
	if len(calls) < 2 {
		return fmt.Errorf("expected a retry, got %d submissions", len(calls))
	}
	key := finalize.IdempotencyKey(calls[0])
	for _, in := range calls[1:] {
		if finalize.IdempotencyKey(in) != key {
			return errors.New("idempotency key changed between attempts")
		}
	}
	return nil
}

func initializeSettlementScenario(t *testing.T) func(*godog.ScenarioContext) {
	return func(sc *godog.ScenarioContext) {
		c := &settlementContext{t: t}

		sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
			*c = settlementContext{t: t, f: newFixture(t)}
			return ctx, nil
		})

		sc.Step(`^an order "([^"]*)" with subtotal (\d+\.\d{2})$`, c.anOrderWithSubtotal)
		sc.Step(`^the order service fails once$`, c.theOrderServiceFailsOnce)

		sc.Step(`^the operator opens the "([^"]*)" view$`, c.theOperatorOpensTheView)
		sc.Step(`^the operator splits equally into (\d+) parts$`, c.theOperatorSplitsEquallyIntoParts)
		sc.Step(`^the operator enters a custom split of (\d+\.\d{2})$`, c.theOperatorEntersACustomSplitOf)
		sc.Step(`^the customer hands over (\d+\.\d{2}) in cash$`, c.theCustomerHandsOverInCash)
		sc.Step(`^the customer pays by card with a tip of (\d+\.\d{2})$`, c.theCustomerPaysByCardWithATipOf)
		sc.Step(`^the operator retries finalization$`, c.theOperatorRetriesFinalization)

		sc.Step(`^the amount due is (\d+\.\d{2})$`, c.theAmountDueIs)
		sc.Step(`^the change is (\d+\.\d{2})$`, c.theChangeIs)
		sc.Step(`^the remaining base is (\d+\.\d{2})$`, c.theRemainingBaseIs)
		sc.Step(`^the order is completed with total paid (\d+\.\d{2})$`, c.theOrderIsCompletedWithTotalPaid)
		sc.Step(`^the backend received (\d+) transactions?$`, c.theBackendReceivedTransactions)
		sc.Step(`^the completed tax is (\d+\.\d{2})$`, c.theCompletedTaxIs)
		sc.Step(`^the request fails with "([^"]*)"$`, c.theRequestFailsWith)
		sc.Step(`^the session is settled but not completed$`, c.theSessionIsSettledButNotCompleted)
		sc.Step(`^every submission used the same idempotency key$`, c.everySubmissionUsedTheSameIdempotencyKey)
	}
}

func TestSettlementFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: initializeSettlementScenario(t),
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/settlement.feature"},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

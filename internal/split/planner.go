package split

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects how the next step amount is derived.
type Mode string

const (
	ModeRemaining Mode = "remaining"
	ModeEqual     Mode = "equal"
	ModeCustom    Mode = "custom"
)

var (
	// ErrInvalidSelection is returned when a mode or amount cannot be accepted.
	ErrInvalidSelection = errors.New("split: invalid selection")
	// ErrModeLocked is returned when the mode is changed after a tender was captured.
	ErrModeLocked = errors.New("split: mode is locked once a tender has been captured")
	// ErrNoCustomAmount is returned when custom mode has no amount for the current step.
	ErrNoCustomAmount = errors.New("split: custom amount not set")
)

var cent = decimal.New(1, -2)

// DefaultEpsilon bounds how far a custom amount may exceed the remaining base.
var DefaultEpsilon = cent

// StepRecord summarises one completed split step.
type StepRecord struct {
	Index         int             `json:"index"`
	Method        string          `json:"method"`
	BaseAmount    decimal.Decimal `json:"baseAmount"`
	TotalCharged  decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transactionId"`
	CompletedAt   time.Time       `json:"completedAt"`
}

// Plan tracks a split session.
type Plan struct {
	Mode                 Mode            `json:"mode"`
	Parts                int             `json:"parts,omitempty"`
	CustomAmount         decimal.Decimal `json:"customAmount"`
	CurrentIndex         int             `json:"currentSplitIndex"`
	InitialRemainingBase decimal.Decimal `json:"initialRemainingBase"`
	Completed            []StepRecord    `json:"completedSplits"`
	Epsilon              decimal.Decimal `json:"-"`
}

// Selection is an operator's choice on the split view.
type Selection struct {
	Mode         Mode
	Parts        int
	CustomAmount decimal.Decimal
}

// Enter starts a plan in remaining mode. The remaining base at this moment is
// what equal mode divides, for the lifetime of the plan.
func Enter(remainingBase decimal.Decimal) *Plan {
	return &Plan{
		Mode:                 ModeRemaining,
		InitialRemainingBase: remainingBase,
		Epsilon:              DefaultEpsilon,
	}
}

func (p *Plan) epsilon() decimal.Decimal {
	if p.Epsilon.IsZero() {
		return DefaultEpsilon
	}
	return p.Epsilon
}

// Select applies an operator selection. The mode can only change before the
// first tender of the split is captured; in custom mode a new amount may be
// entered on every step. Rejected selections leave the plan untouched.
func (p *Plan) Select(sel Selection, remainingBase decimal.Decimal) error {
	switch sel.Mode {
	case ModeRemaining, ModeEqual, ModeCustom:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidSelection, sel.Mode)
	}
	if p.CurrentIndex > 0 && sel.Mode != p.Mode {
		return ErrModeLocked
	}
	if p.CurrentIndex > 0 && sel.Mode == ModeEqual && sel.Parts != p.Parts {
		return ErrModeLocked
	}

	switch sel.Mode {
	case ModeEqual:
		if sel.Parts < 2 {
			return fmt.Errorf("%w: equal split needs at least 2 parts", ErrInvalidSelection)
		}
		if shares := EqualShares(p.InitialRemainingBase, sel.Parts); !shares[0].IsPositive() {
			return fmt.Errorf("%w: %s cannot be split into %d parts", ErrInvalidSelection, p.InitialRemainingBase.StringFixed(2), sel.Parts)
		}
		p.Mode = ModeEqual
		p.Parts = sel.Parts
		p.CustomAmount = decimal.Zero
	case ModeCustom:
		if err := p.ValidateCustom(sel.CustomAmount, remainingBase); err != nil {
			return err
		}
		p.Mode = ModeCustom
		p.Parts = 0
		p.CustomAmount = sel.CustomAmount
	default:
		p.Mode = ModeRemaining
		p.Parts = 0
		p.CustomAmount = decimal.Zero
	}
	return nil
}

// ValidateCustom checks 0 < amount <= remainingBase + epsilon.
func (p *Plan) ValidateCustom(amount, remainingBase decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: custom amount must be greater than zero", ErrInvalidSelection)
	}
	if amount.GreaterThan(remainingBase.Add(p.epsilon())) {
		return fmt.Errorf("%w: custom amount %s exceeds remaining %s", ErrInvalidSelection, amount.StringFixed(2), remainingBase.StringFixed(2))
	}
	return nil
}

// StepBase is the base amount for the current step.
func (p *Plan) StepBase(remainingBase decimal.Decimal) (decimal.Decimal, error) {
	switch p.Mode {
	case ModeEqual:
		if p.Parts < 2 {
			return decimal.Zero, fmt.Errorf("%w: equal split needs at least 2 parts", ErrInvalidSelection)
		}
		if p.CurrentIndex >= p.Parts-1 {
			return remainingBase, nil
		}
		share := EqualShares(p.InitialRemainingBase, p.Parts)[p.CurrentIndex]
		if share.GreaterThan(remainingBase) {
			return remainingBase, nil
		}
		return share, nil
	case ModeCustom:
		if !p.CustomAmount.IsPositive() {
			return decimal.Zero, ErrNoCustomAmount
		}
		if err := p.ValidateCustom(p.CustomAmount, remainingBase); err != nil {
			return decimal.Zero, err
		}
		if p.CustomAmount.GreaterThan(remainingBase) {
			return remainingBase, nil
		}
		return p.CustomAmount, nil
	default:
		return remainingBase, nil
	}
}

// Advance records a completed step and moves to the next one.
func (p *Plan) Advance(rec StepRecord) {
	rec.Index = p.CurrentIndex
	p.Completed = append(p.Completed, rec)
	p.CurrentIndex++
	p.CustomAmount = decimal.Zero
}

// Details is the split summary shared with the display and the backend.
type Details struct {
	Mode            Mode            `json:"mode"`
	Parts           int             `json:"numberOfSplits,omitempty"`
	CurrentIndex    int             `json:"currentSplitIndex"`
	CustomAmount    decimal.Decimal `json:"customAmount"`
	RemainingAmount decimal.Decimal `json:"remainingAmount"`
	CompletedSplits []StepRecord    `json:"completedSplits"`
}

// Details snapshots the plan for outbound messages.
func (p *Plan) Details(remainingBase decimal.Decimal) Details {
	completed := make([]StepRecord, len(p.Completed))
	copy(completed, p.Completed)
	return Details{
		Mode:            p.Mode,
		Parts:           p.Parts,
		CurrentIndex:    p.CurrentIndex,
		CustomAmount:    p.CustomAmount,
		RemainingAmount: remainingBase.Round(2),
		CompletedSplits: completed,
	}
}

// EqualShares returns the planned amounts for an equal split of base. Every
// share but the last is base/parts rounded to cents; the last takes the rest.
func EqualShares(base decimal.Decimal, parts int) []decimal.Decimal {
	if parts < 1 {
		return nil
	}
	share := base.Div(decimal.NewFromInt(int64(parts))).Round(2)
	out := make([]decimal.Decimal, parts)
	allocated := decimal.Zero
	for i := 0; i < parts-1; i++ {
		out[i] = share
		allocated = allocated.Add(share)
	}
	out[parts-1] = base.Sub(allocated)
	return out
}

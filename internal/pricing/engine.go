package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Method identifies how a tender step is paid.
type Method string

const (
	MethodNone   Method = ""
	MethodCash   Method = "cash"
	MethodCredit Method = "credit"
	// MethodSplit only appears in order summaries; no single step is paid with it.
	MethodSplit Method = "split"
)

// Valid reports whether m can be used for a single tender step.
func (m Method) Valid() bool {
	return m == MethodCash || m == MethodCredit
}

var (
	// ErrInvalidRates is returned when the configured rates make the inverse computation undefined.
	ErrInvalidRates = errors.New("pricing: invalid rates")
	// ErrNegativeAmount is returned for negative charges or tips.
	ErrNegativeAmount = errors.New("pricing: amount must not be negative")
	// ErrTipExceedsCharge is returned when the tip is larger than the total charged.
	ErrTipExceedsCharge = errors.New("pricing: tip exceeds total charged")
	// ErrUnsupportedMethod is returned for methods that cannot pay a step.
	ErrUnsupportedMethod = errors.New("pricing: unsupported payment method")
)

var (
	one  = decimal.NewFromInt(1)
	cent = decimal.New(1, -2)
	zero = decimal.Zero
)

// Rates are the fractional tax and card surcharge rates.
type Rates struct {
	Tax           decimal.Decimal
	CardSurcharge decimal.Decimal
}

// DefaultRates returns a 10% tax and a 3% card surcharge.
func DefaultRates() Rates {
	return Rates{Tax: decimal.RequireFromString("0.10"), CardSurcharge: decimal.RequireFromString("0.03")}
}

// Validate checks that both rates are non-negative and the inverse is defined.
func (r Rates) Validate() error {
	if r.Tax.IsNegative() || r.CardSurcharge.IsNegative() {
		return fmt.Errorf("%w: rates must not be negative", ErrInvalidRates)
	}
	if one.Add(r.Tax).Mul(one.Add(r.CardSurcharge)).IsZero() {
		return fmt.Errorf("%w: zero denominator", ErrInvalidRates)
	}
	return nil
}

// Step is the amount the tender surface must collect for one step.
type Step struct {
	Base      decimal.Decimal `json:"base"`
	Surcharge decimal.Decimal `json:"surcharge"`
	Tax       decimal.Decimal `json:"tax"`
	Total     decimal.Decimal `json:"total"`
}

// Breakdown splits a charged total into its components. Components are rounded
// to cents and always add up to the total charged.
type Breakdown struct {
	Base      decimal.Decimal `json:"base"`
	Surcharge decimal.Decimal `json:"surcharge"`
	Tax       decimal.Decimal `json:"tax"`
	Tip       decimal.Decimal `json:"tip"`
	Total     decimal.Decimal `json:"total"`
}

// Engine performs all monetary calculations for a terminal.
type Engine struct {
	Rates   Rates
	Epsilon decimal.Decimal
}

// NewEngine validates rates and returns an engine. A zero epsilon defaults to one cent.
func NewEngine(rates Rates, epsilon decimal.Decimal) (Engine, error) {
	if err := rates.Validate(); err != nil {
		return Engine{}, err
	}
	if epsilon.IsZero() {
		epsilon = cent
	}
	if epsilon.IsNegative() {
		return Engine{}, fmt.Errorf("%w: epsilon must not be negative", ErrInvalidRates)
	}
	return Engine{Rates: rates, Epsilon: epsilon}, nil
}

func (e Engine) surchargeRate(method Method) decimal.Decimal {
	if method == MethodCredit {
		return e.Rates.CardSurcharge
	}
	return zero
}

// AmountDueForStep computes the charge for a pre-tip step base. Only Total is
// rounded; the components keep full precision for display previews.
func (e Engine) AmountDueForStep(base decimal.Decimal, method Method) (Step, error) {
	if !method.Valid() {
		return Step{}, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	if base.IsNegative() {
		return Step{}, ErrNegativeAmount
	}
	surcharge := base.Mul(e.surchargeRate(method))
	tax := base.Add(surcharge).Mul(e.Rates.Tax)
	return Step{
		Base:      base,
		Surcharge: surcharge,
		Tax:       tax,
		Total:     Round(base.Add(surcharge).Add(tax)),
	}, nil
}

// DecomposeCharge recovers base, surcharge and tax from an amount actually
// charged. The tax absorbs any rounding remainder so the parts sum exactly.
func (e Engine) DecomposeCharge(total, tip decimal.Decimal, method Method) (Breakdown, error) {
	if !method.Valid() {
		return Breakdown{}, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	if total.IsNegative() || tip.IsNegative() {
		return Breakdown{}, ErrNegativeAmount
	}
	if tip.GreaterThan(total) {
		return Breakdown{}, ErrTipExceedsCharge
	}
	surchargeRate := e.surchargeRate(method)
	denominator := one.Add(surchargeRate).Mul(one.Add(e.Rates.Tax))
	if denominator.IsZero() {
		return Breakdown{}, ErrInvalidRates
	}
	total = Round(total)
	tip = Round(tip)
	net := total.Sub(tip)
	base := Round(net.Div(denominator))
	surcharge := Round(base.Mul(surchargeRate))
	tax := net.Sub(base).Sub(surcharge)
	if tax.IsNegative() {
		// base and surcharge can both round up past net by a cent.
		base = base.Add(tax)
		tax = zero
	}
	return Breakdown{Base: base, Surcharge: surcharge, Tax: tax, Tip: tip, Total: total}, nil
}

// IsSettled reports whether the base paid covers the order base within epsilon.
func (e Engine) IsSettled(basePaid, orderBase decimal.Decimal) bool {
	return basePaid.GreaterThanOrEqual(orderBase.Sub(e.Epsilon))
}

// OrderBase is the subtotal after discount, the amount every settlement check uses.
func OrderBase(subtotal, discount decimal.Decimal) decimal.Decimal {
	if subtotal.IsNegative() {
		subtotal = zero
	}
	if discount.IsNegative() {
		discount = zero
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	return subtotal.Sub(discount)
}

// Round rounds half away from zero to cents.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

package pricing

import "github.com/shopspring/decimal"

// DisplayInput carries what has been paid so far plus the tender currently selected.
type DisplayInput struct {
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	BasePaid      decimal.Decimal
	SurchargePaid decimal.Decimal
	TaxPaid       decimal.Decimal
	TipPaid       decimal.Decimal
	Selected      Method
}

// DisplayTotals is the order summary shown to the operator and the customer.
// Surcharge and tax include a preview for the unpaid remainder.
type DisplayTotals struct {
	Subtotal         decimal.Decimal `json:"subtotal"`
	Discount         decimal.Decimal `json:"discount"`
	Surcharge        decimal.Decimal `json:"surcharge"`
	Tax              decimal.Decimal `json:"tax"`
	Tip              decimal.Decimal `json:"tip"`
	GrandTotal       decimal.Decimal `json:"grandTotal"`
	AmountPaid       decimal.Decimal `json:"amountPaid"`
	RemainingBase    decimal.Decimal `json:"remainingBase"`
	RemainingOverall decimal.Decimal `json:"remainingOverall"`
}

// DisplayTotals previews the full order cost. When credit is selected the
// card surcharge is previewed on the remaining base.
func (e Engine) DisplayTotals(in DisplayInput) DisplayTotals {
	base := OrderBase(in.Subtotal, in.Discount)
	remaining := base.Sub(in.BasePaid)
	if remaining.IsNegative() {
		remaining = zero
	}

	previewSurcharge := zero
	if in.Selected == MethodCredit && remaining.IsPositive() {
		previewSurcharge = remaining.Mul(e.Rates.CardSurcharge)
	}
	previewTax := remaining.Add(previewSurcharge).Mul(e.Rates.Tax)

	surcharge := Round(in.SurchargePaid.Add(previewSurcharge))
	tax := Round(in.TaxPaid.Add(previewTax))
	tip := Round(in.TipPaid)
	grand := base.Add(surcharge).Add(tax).Add(tip)

	paidOverall := in.BasePaid.Add(in.SurchargePaid).Add(in.TaxPaid).Add(in.TipPaid)
	remainingOverall := grand.Sub(paidOverall)
	if remainingOverall.IsNegative() {
		remainingOverall = zero
	}

	return DisplayTotals{
		Subtotal:         Round(in.Subtotal),
		Discount:         Round(in.Subtotal.Sub(base)),
		Surcharge:        surcharge,
		Tax:              tax,
		Tip:              tip,
		GrandTotal:       Round(grand),
		AmountPaid:       Round(in.BasePaid),
		RemainingBase:    Round(remaining),
		RemainingOverall: Round(remainingOverall),
	}
}

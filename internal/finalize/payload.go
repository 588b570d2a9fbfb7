package finalize

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-terminal/internal/ledger"
	"github.com/noah-isme/pos-terminal/internal/pricing"
	"github.com/noah-isme/pos-terminal/internal/split"
)

// ErrNothingToFinalize is returned when no transaction has been captured.
var ErrNothingToFinalize = errors.New("finalize: no transactions captured")

// Discount is the discount snapshot taken when the session started.
type Discount struct {
	ID     string          `json:"id,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

// Input is everything a settled session contributes to completion.
type Input struct {
	OrderID      string
	SessionID    string
	Subtotal     decimal.Decimal
	Discount     Discount
	OrderBase    decimal.Decimal
	Transactions []ledger.Transaction
	SplitPayment bool
	SplitDetails *split.Details
	CompletedAt  time.Time
}

// PaymentDetails is the nested payment summary the backend stores with the order.
type PaymentDetails struct {
	PaymentMethod  pricing.Method       `json:"paymentMethod"`
	Transactions   []ledger.Transaction `json:"transactions"`
	TotalPaid      decimal.Decimal      `json:"totalPaid"`
	BaseAmountPaid decimal.Decimal      `json:"baseAmountPaid"`
	TotalTipAmount decimal.Decimal      `json:"totalTipAmount"`
	SplitPayment   bool                 `json:"splitPayment"`
	SplitDetails   *split.Details       `json:"splitDetails,omitempty"`
	CompletedAt    time.Time            `json:"completed_at"`
}

// Payload is the body of the order completion request.
type Payload struct {
	Subtotal            decimal.Decimal `json:"subtotal"`
	TaxAmount           decimal.Decimal `json:"tax_amount"`
	DiscountID          *string         `json:"discount_id"`
	DiscountAmount      decimal.Decimal `json:"discount_amount"`
	SurchargeAmount     decimal.Decimal `json:"surcharge_amount"`
	SurchargePercentage decimal.Decimal `json:"surcharge_percentage"`
	TipAmount           decimal.Decimal `json:"tip_amount"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	PaymentDetails      PaymentDetails  `json:"payment_details"`
}

// BuildPayload sums the captured transactions into a completion payload.
// Totals are always re-derived from the transactions.
func BuildPayload(in Input, rates pricing.Rates) (Payload, error) {
	if len(in.Transactions) == 0 {
		return Payload{}, ErrNothingToFinalize
	}
	totals := ledger.Sum(in.Transactions)

	surchargePct := decimal.Zero
	if totals.Surcharge.IsPositive() && in.Subtotal.IsPositive() {
		surchargePct = rates.CardSurcharge
	}

	var discountID *string
	if id := strings.TrimSpace(in.Discount.ID); id != "" {
		discountID = &id
	}

	completedAt := in.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	txs := make([]ledger.Transaction, len(in.Transactions))
	copy(txs, in.Transactions)

	return Payload{
		Subtotal:            pricing.Round(in.Subtotal),
		TaxAmount:           pricing.Round(totals.Tax),
		DiscountID:          discountID,
		DiscountAmount:      pricing.Round(in.Discount.Amount),
		SurchargeAmount:     pricing.Round(totals.Surcharge),
		SurchargePercentage: surchargePct,
		TipAmount:           pricing.Round(totals.Tip),
		TotalAmount:         pricing.Round(in.OrderBase.Add(totals.Surcharge).Add(totals.Tax).Add(totals.Tip)),
		PaymentDetails: PaymentDetails{
			PaymentMethod:  summaryMethod(in),
			Transactions:   txs,
			TotalPaid:      pricing.Round(totals.Charged),
			BaseAmountPaid: pricing.Round(totals.BasePaid),
			TotalTipAmount: pricing.Round(totals.Tip),
			SplitPayment:   in.SplitPayment,
			SplitDetails:   in.SplitDetails,
			CompletedAt:    completedAt.UTC(),
		},
	}, nil
}

// summaryMethod is split for split sessions or mixed tenders, else the single method used.
func summaryMethod(in Input) pricing.Method {
	if in.SplitPayment {
		return pricing.MethodSplit
	}
	method := in.Transactions[0].Method
	for _, tx := range in.Transactions[1:] {
		if tx.Method != method {
			return pricing.MethodSplit
		}
	}
	return method
}

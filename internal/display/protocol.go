package display

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-terminal/internal/pricing"
	"github.com/noah-isme/pos-terminal/internal/split"
)

// Step names the screen the customer display is on.
type Step string

const (
	StepWelcome Step = "welcome"
	StepCart    Step = "cart"
	StepRewards Step = "rewards"
	StepTip     Step = "tip"
	StepPayment Step = "payment"
	StepReceipt Step = "receipt"
)

// Status is the outcome a display reports for a step.
type Status string

const (
	StatusStarted   Status = "started"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
)

// Message types sent to the display.
const (
	TypeState  = "state"
	TypeCancel = "cancel"
)

// Notification is the full state pushed to the display. Seq increases
// strictly so a display can drop frames older than the one it shows.
type Notification struct {
	Seq            uint64                 `json:"seq"`
	Type           string                 `json:"type"`
	At             time.Time              `json:"at"`
	Step           Step                   `json:"step"`
	View           string                 `json:"view,omitempty"`
	PaymentMethod  pricing.Method         `json:"paymentMethod,omitempty"`
	AmountDue      *decimal.Decimal       `json:"amountDue,omitempty"`
	BaseForTip     *decimal.Decimal       `json:"baseForTip,omitempty"`
	AmountPaid     decimal.Decimal        `json:"amountPaid"`
	IsSplitPayment bool                   `json:"isSplitPayment"`
	SplitDetails   *split.Details         `json:"splitDetails,omitempty"`
	OrderID        string                 `json:"orderId,omitempty"`
	Totals         *pricing.DisplayTotals `json:"totals,omitempty"`
	Receipt        json.RawMessage        `json:"receipt,omitempty"`
}

// StepReport is an inbound step-completion event from the display.
type StepReport struct {
	Step    Step            `json:"step"`
	Status  Status          `json:"status"`
	OrderID string          `json:"orderId"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrMalformedReport is returned for reports that cannot be routed.
var ErrMalformedReport = errors.New("display: malformed step report")

// Validate checks the fields needed to route a report.
func (r StepReport) Validate() error {
	if strings.TrimSpace(string(r.Step)) == "" {
		return fmt.Errorf("%w: step is required", ErrMalformedReport)
	}
	if strings.TrimSpace(string(r.Status)) == "" {
		return fmt.Errorf("%w: status is required", ErrMalformedReport)
	}
	if len(r.Data) > 0 && !json.Valid(r.Data) {
		return fmt.Errorf("%w: data is not valid json", ErrMalformedReport)
	}
	return nil
}

// TipData is the payload of a tip step report.
type TipData struct {
	TipAmount decimal.Decimal `json:"tipAmount"`
}

// CardInfo is what the reader reveals about the card.
type CardInfo struct {
	Brand string `json:"brand,omitempty"`
	Last4 string `json:"last4,omitempty"`
}

// PaymentData is the payload of a payment step report.
type PaymentData struct {
	TransactionID string   `json:"transactionId,omitempty"`
	CardInfo      CardInfo `json:"cardInfo"`
	Reader        string   `json:"reader,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Tip decodes the report data as TipData.
func (r StepReport) Tip() (TipData, error) {
	var data TipData
	if err := decodeData(r.Data, &data); err != nil {
		return TipData{}, err
	}
	if data.TipAmount.IsNegative() {
		return TipData{}, fmt.Errorf("%w: negative tip", ErrMalformedReport)
	}
	return data, nil
}

// Payment decodes the report data as PaymentData.
func (r StepReport) Payment() (PaymentData, error) {
	var data PaymentData
	if err := decodeData(r.Data, &data); err != nil {
		return PaymentData{}, err
	}
	return data, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	return nil
}

package payment

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-terminal/internal/finalize"
	"github.com/noah-isme/pos-terminal/internal/ledger"
	"github.com/noah-isme/pos-terminal/internal/pricing"
	"github.com/noah-isme/pos-terminal/internal/split"
)

// View is the screen the terminal's payment flow is on.
type View string

const (
	ViewInitialOptions View = "InitialOptions"
	ViewCash           View = "Cash"
	ViewCredit         View = "Credit"
	ViewSplit          View = "Split"
	ViewCompletion     View = "Completion"
)

// Valid reports whether v is a known view.
func (v View) Valid() bool {
	switch v {
	case ViewInitialOptions, ViewCash, ViewCredit, ViewSplit, ViewCompletion:
		return true
	}
	return false
}

func (v View) tender() bool { return v == ViewCash || v == ViewCredit }

// Direction records which way the last transition went. Nothing in the flow
// depends on it.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

var (
	ErrNoSession           = errors.New("payment: no active session")
	ErrSessionActive       = errors.New("payment: another order is mid-settlement")
	ErrInvalidTransition   = errors.New("payment: transition not allowed from the current view")
	ErrWrongView           = errors.New("payment: action not available in the current view")
	ErrCaptureInProgress   = errors.New("payment: a tender capture is already in progress")
	ErrNoCaptureInProgress = errors.New("payment: no card capture to cancel")
	ErrFinalizing          = errors.New("payment: finalization in progress")
	ErrAlreadySettled      = errors.New("payment: order is already settled")
	ErrNotSettled          = errors.New("payment: order is not settled")
	ErrAlreadyCompleted    = errors.New("payment: order already completed")
	ErrInsufficientTender  = errors.New("payment: tendered amount is below the amount due")
	ErrInvalidInput        = errors.New("payment: invalid input")
	ErrCaptureFailed       = errors.New("payment: card capture failed")
	ErrCaptureCancelled    = errors.New("payment: card capture cancelled")
	ErrDisplayUnavailable  = errors.New("payment: customer display not configured")
	// ErrUnreachableState means a non-split tender left the order unsettled.
	// The session is faulted and must be abandoned.
	ErrUnreachableState = errors.New("payment: tender did not settle a non-split order")
	ErrSessionFaulted   = errors.New("payment: session is faulted, abandon it to continue")
)

// Session is the single in-flight settlement on a terminal. Totals live in
// the Ledger; nothing here caches them.
type Session struct {
	ID                string            `json:"id"`
	OrderID           string            `json:"orderId"`
	TerminalID        string            `json:"terminalId"`
	Subtotal          decimal.Decimal   `json:"subtotal"`
	Discount          finalize.Discount `json:"discount"`
	OrderBase         decimal.Decimal   `json:"orderBase"`
	CurrentView       View              `json:"currentView"`
	History           []View            `json:"navigationHistory"`
	Direction         Direction         `json:"direction"`
	TenderMethod      pricing.Method    `json:"tenderMethod"`
	SplitMode         bool              `json:"splitMode"`
	SplitPlan         *split.Plan       `json:"splitPlan,omitempty"`
	Ledger            *ledger.Ledger    `json:"transactions"`
	CurrentStepBase   decimal.Decimal   `json:"currentStepBase"`
	CurrentStepAmount *decimal.Decimal  `json:"currentStepAmount"`
	Completion        *finalize.Receipt `json:"completionPayload,omitempty"`
	Fault             string            `json:"fault,omitempty"`
	StartedAt         time.Time         `json:"startedAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

func (s *Session) remainingBase() decimal.Decimal {
	return s.Ledger.RemainingBase(s.OrderBase)
}

func (s *Session) completed() bool { return s.Completion != nil }

func (s *Session) push(next View, dir Direction) {
	if s.CurrentView != next {
		s.History = append(s.History, s.CurrentView)
	}
	s.CurrentView = next
	s.Direction = dir
}

func (s *Session) clearStep() {
	s.CurrentStepBase = decimal.Zero
	s.CurrentStepAmount = nil
	s.TenderMethod = pricing.MethodNone
}

func (s *Session) splitDetails() *split.Details {
	if !s.SplitMode || s.SplitPlan == nil {
		return nil
	}
	d := s.SplitPlan.Details(s.remainingBase())
	return &d
}

// Snapshot is the read model served to the operator UI.
type Snapshot struct {
	SessionID         string                `json:"sessionId"`
	OrderID           string                `json:"orderId"`
	View              View                  `json:"currentView"`
	History           []View                `json:"navigationHistory"`
	Direction         Direction             `json:"direction"`
	TenderMethod      pricing.Method        `json:"tenderMethod"`
	SplitMode         bool                  `json:"splitMode"`
	Split             *split.Details        `json:"splitDetails,omitempty"`
	Subtotal          decimal.Decimal       `json:"subtotal"`
	Discount          finalize.Discount     `json:"discount"`
	OrderBase         decimal.Decimal       `json:"orderBase"`
	CurrentStepBase   *decimal.Decimal      `json:"currentStepBase,omitempty"`
	CurrentStepAmount *decimal.Decimal      `json:"currentStepAmount"`
	Transactions      []ledger.Transaction  `json:"transactions"`
	Totals            ledger.Totals         `json:"totals"`
	RemainingBase     decimal.Decimal       `json:"remainingBase"`
	Settled           bool                  `json:"settled"`
	Capturing         bool                  `json:"capturing"`
	Finalizing        bool                  `json:"finalizing"`
	Completed         bool                  `json:"completed"`
	Receipt           *finalize.Receipt     `json:"completionPayload,omitempty"`
	Fault             string                `json:"fault,omitempty"`
	Display           pricing.DisplayTotals `json:"displayTotals"`
	StartedAt         time.Time             `json:"startedAt"`
	UpdatedAt         time.Time             `json:"updatedAt"`
}

// Outcome is the result of a captured tender.
type Outcome struct {
	Transaction ledger.Transaction `json:"transaction"`
	Change      decimal.Decimal    `json:"change"`
	Settled     bool               `json:"settled"`
	Completed   bool               `json:"completed"`
	Receipt     *finalize.Receipt  `json:"completionPayload,omitempty"`
	Snapshot    Snapshot           `json:"session"`
}

// StartInput opens a session for an order whose subtotal and discount were
// fixed by the backend.
type StartInput struct {
	OrderID  string
	Subtotal decimal.Decimal
	Discount finalize.Discount
}

// CashTender is what the operator keyed into the till.
type CashTender struct {
	Tendered decimal.Decimal
}

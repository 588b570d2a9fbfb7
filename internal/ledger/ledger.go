package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-terminal/internal/pricing"
)

var (
	// ErrUnbalanced is returned when a transaction's parts do not add up to its charge.
	ErrUnbalanced = errors.New("ledger: transaction components do not sum to total charged")
	// ErrInvalidTransaction is returned for records missing required fields.
	ErrInvalidTransaction = errors.New("ledger: invalid transaction")
)

var tolerance = decimal.New(1, -2)

// CashDetails records what the customer handed over. On the wire both fields
// sit at the top level of the transaction.
type CashDetails struct {
	Tendered decimal.Decimal
	Change   decimal.Decimal
}

// CardDetails records the card reader's reply. TransactionID is sent at the
// top level of the transaction; the rest goes under cardInfo.
type CardDetails struct {
	TransactionID string
	Brand         string
	Last4         string
	Reader        string
}

type cardInfo struct {
	Brand  string `json:"brand,omitempty"`
	Last4  string `json:"last4,omitempty"`
	Reader string `json:"reader,omitempty"`
}

// SplitContext records where in a split plan a transaction was captured.
type SplitContext struct {
	Mode             string          `json:"mode"`
	Parts            int             `json:"parts,omitempty"`
	Index            int             `json:"index"`
	StepAmountTarget decimal.Decimal `json:"stepAmountTarget"`
}

// Transaction is one captured tender step. It is never mutated after Append.
type Transaction struct {
	ID              string          `json:"id"`
	Method          pricing.Method  `json:"method"`
	TotalCharged    decimal.Decimal `json:"amount"`
	BaseAmountPaid  decimal.Decimal `json:"baseAmountPaid"`
	SurchargeAmount decimal.Decimal `json:"surchargeAmount"`
	TaxAmount       decimal.Decimal `json:"taxAmount"`
	TipAmount       decimal.Decimal `json:"tipAmount"`
	Status          string          `json:"status"`
	Timestamp       time.Time       `json:"timestamp"`
	Cash            *CashDetails    `json:"-"`
	Card            *CardDetails    `json:"-"`
	Split           *SplitContext   `json:"splitDetailsContext,omitempty"`
}

type transactionFields Transaction

// transactionWire is the backend's transaction shape: cash tender and the
// card processor id are flat, brand and last4 are nested under cardInfo.
type transactionWire struct {
	transactionFields
	CashTendered  *decimal.Decimal `json:"cashTendered,omitempty"`
	Change        *decimal.Decimal `json:"change,omitempty"`
	TransactionID string           `json:"transactionId,omitempty"`
	CardInfo      *cardInfo        `json:"cardInfo,omitempty"`
}

// MarshalJSON writes t in the backend's order-completion shape.
func (t Transaction) MarshalJSON() ([]byte, error) {
	w := transactionWire{transactionFields: transactionFields(t)}
	if t.Cash != nil {
		tendered, change := t.Cash.Tendered, t.Cash.Change
		w.CashTendered = &tendered
		w.Change = &change
	}
	if t.Card != nil {
		w.TransactionID = t.Card.TransactionID
		w.CardInfo = &cardInfo{Brand: t.Card.Brand, Last4: t.Card.Last4, Reader: t.Card.Reader}
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads the shape written by MarshalJSON.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var w transactionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = Transaction(w.transactionFields)
	if w.CashTendered != nil || w.Change != nil {
		t.Cash = &CashDetails{}
		if w.CashTendered != nil {
			t.Cash.Tendered = *w.CashTendered
		}
		if w.Change != nil {
			t.Cash.Change = *w.Change
		}
	}
	if w.CardInfo != nil || w.TransactionID != "" {
		t.Card = &CardDetails{TransactionID: w.TransactionID}
		if w.CardInfo != nil {
			t.Card.Brand = w.CardInfo.Brand
			t.Card.Last4 = w.CardInfo.Last4
			t.Card.Reader = w.CardInfo.Reader
		}
	}
	return nil
}

// StatusCompleted is the status of every captured transaction.
const StatusCompleted = "completed"

// FromBreakdown builds a transaction from a decomposed charge.
func FromBreakdown(id string, method pricing.Method, b pricing.Breakdown, at time.Time) Transaction {
	return Transaction{
		ID:              id,
		Method:          method,
		TotalCharged:    b.Total,
		BaseAmountPaid:  b.Base,
		SurchargeAmount: b.Surcharge,
		TaxAmount:       b.Tax,
		TipAmount:       b.Tip,
		Status:          StatusCompleted,
		Timestamp:       at.UTC(),
	}
}

func (t Transaction) validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTransaction)
	}
	if !t.Method.Valid() {
		return fmt.Errorf("%w: method %q", ErrInvalidTransaction, t.Method)
	}
	for _, v := range []decimal.Decimal{t.TotalCharged, t.BaseAmountPaid, t.SurchargeAmount, t.TaxAmount, t.TipAmount} {
		if v.IsNegative() {
			return fmt.Errorf("%w: negative amount", ErrInvalidTransaction)
		}
	}
	sum := t.BaseAmountPaid.Add(t.SurchargeAmount).Add(t.TaxAmount).Add(t.TipAmount)
	if sum.Sub(t.TotalCharged).Abs().GreaterThan(tolerance) {
		return fmt.Errorf("%w: %s != %s", ErrUnbalanced, sum, t.TotalCharged)
	}
	return nil
}

// Totals are running sums over every transaction in a ledger.
type Totals struct {
	Count     int             `json:"count"`
	Charged   decimal.Decimal `json:"totalPaid"`
	BasePaid  decimal.Decimal `json:"baseAmountPaid"`
	Surcharge decimal.Decimal `json:"surchargePaid"`
	Tax       decimal.Decimal `json:"taxPaid"`
	Tip       decimal.Decimal `json:"totalTipAmount"`
}

func (t Totals) add(tx Transaction) Totals {
	t.Count++
	t.Charged = t.Charged.Add(tx.TotalCharged)
	t.BasePaid = t.BasePaid.Add(tx.BaseAmountPaid)
	t.Surcharge = t.Surcharge.Add(tx.SurchargeAmount)
	t.Tax = t.Tax.Add(tx.TaxAmount)
	t.Tip = t.Tip.Add(tx.TipAmount)
	return t
}

// Equal reports whether two totals match exactly.
func (t Totals) Equal(o Totals) bool {
	return t.Count == o.Count &&
		t.Charged.Equal(o.Charged) &&
		t.BasePaid.Equal(o.BasePaid) &&
		t.Surcharge.Equal(o.Surcharge) &&
		t.Tax.Equal(o.Tax) &&
		t.Tip.Equal(o.Tip)
}

// Ledger is an append-only list of transactions with cached totals.
// The zero value is ready to use.
type Ledger struct {
	mu     sync.RWMutex
	txs    []Transaction
	totals Totals
}

// Append validates tx and adds it to the ledger.
func (l *Ledger) Append(tx Transaction) error {
	if err := tx.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.txs {
		if existing.ID == tx.ID {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidTransaction, tx.ID)
		}
	}
	l.txs = append(l.txs, tx)
	l.totals = l.totals.add(tx)
	return nil
}

// Totals returns the cached running totals.
func (l *Ledger) Totals() Totals {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totals
}

// RemainingBase is the unpaid part of orderBase, never negative.
func (l *Ledger) RemainingBase(orderBase decimal.Decimal) decimal.Decimal {
	remaining := orderBase.Sub(l.Totals().BasePaid)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// Transactions returns a copy of every captured transaction in capture order.
func (l *Ledger) Transactions() []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Transaction, len(l.txs))
	copy(out, l.txs)
	return out
}

// Len returns the number of captured transactions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.txs)
}

// Sum re-derives totals from the transaction list.
func Sum(txs []Transaction) Totals {
	var t Totals
	for _, tx := range txs {
		t = t.add(tx)
	}
	return t
}

// Verify reports an error if the cached totals drifted from the transactions.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if fresh := Sum(l.txs); !fresh.Equal(l.totals) {
		return fmt.Errorf("ledger: cached totals drifted (cached paid %s, actual %s)", l.totals.BasePaid, fresh.BasePaid)
	}
	return nil
}

// MarshalJSON encodes only the transactions; totals are derived.
func (l *Ledger) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Transactions())
}

// UnmarshalJSON restores transactions and re-sums the totals.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var txs []Transaction
	if err := json.Unmarshal(data, &txs); err != nil {
		return err
	}
	for _, tx := range txs {
		if err := tx.validate(); err != nil {
			return err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs = txs
	l.totals = Sum(txs)
	return nil
}

package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMemberNotFound      = errors.New("member not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// DirectDebitStatus mirrors the member's Trustly mandate state.
type DirectDebitStatus string

const (
	DirectDebitConnectedStatus    DirectDebitStatus = "CONNECTED"
	DirectDebitPendingStatus      DirectDebitStatus = "PENDING"
	DirectDebitDisconnectedStatus DirectDebitStatus = "DISCONNECTED"
)

type TransactionType string

const (
	TransactionTypeCharge TransactionType = "CHARGE"
	TransactionTypePayout TransactionType = "PAYOUT"
)

type TransactionStatus string

const (
	TransactionStatusInitiated TransactionStatus = "INITIATED"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// IsTerminal reports whether no further status change is allowed.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

// CanTransitionTo enforces Initiated -> Completed|Failed and nothing else.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	return s == TransactionStatusInitiated && next.IsTerminal()
}

// Transaction is a row of the member view.
type Transaction struct {
	ID        uuid.UUID         `json:"id"`
	Amount    decimal.Decimal   `json:"amount"`
	Currency  string            `json:"currency"`
	Type      TransactionType   `json:"type"`
	Status    TransactionStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// Member is the read model of a member. It owns its transactions; callers reach
// them only through the id keyed map.
type Member struct {
	ID                   string                     `json:"id"`
	TrustlyAccountNumber string                     `json:"trustly_account_number,omitempty"`
	Bank                 string                     `json:"bank,omitempty"`
	Descriptor           string                     `json:"descriptor,omitempty"`
	LastDigits           string                     `json:"last_digits,omitempty"`
	DirectDebitStatus    DirectDebitStatus          `json:"direct_debit_status,omitempty"`
	Transactions         map[uuid.UUID]*Transaction `json:"transactions"`
}

func NewMember(id string) *Member {
	return &Member{ID: id, Transactions: make(map[uuid.UUID]*Transaction)}
}

// Transaction returns the member's transaction by id.
func (m *Member) Transaction(id uuid.UUID) (*Transaction, bool) {
	tx, ok := m.Transactions[id]
	return tx, ok
}

// Clone returns a deep copy so readers never share state with the projection.
func (m *Member) Clone() *Member {
	if m == nil {
		return nil
	}
	out := *m
	out.Transactions = make(map[uuid.UUID]*Transaction, len(m.Transactions))
	for id, tx := range m.Transactions {
		copied := *tx
		out.Transactions[id] = &copied
	}
	return &out
}

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyJOD Currency = "JOD"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

func (c Currency) Valid() bool {
	switch c {
	case CurrencyJOD, CurrencyUSD, CurrencyEUR:
		return true
	}
	return false
}

type AccountType string

const (
	AccountSavings AccountType = "Savings"
	AccountSalary  AccountType = "Salary"
	AccountBasic   AccountType = "Basic"
	AccountUSD     AccountType = "USD"
	AccountEUR     AccountType = "EUR"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountSavings, AccountSalary, AccountBasic, AccountUSD, AccountEUR:
		return true
	}
	return false
}

// Account holds a balance in a single currency. Balances only change through
// the ledger engine and accounts are deactivated, never deleted.
type Account struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Type      AccountType     `json:"type"`
	Currency  Currency        `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type TransferStatus string

const (
	TransferSucceeded            TransferStatus = "succeeded"
	TransferFailed               TransferStatus = "failed"
	TransferReversed             TransferStatus = "reversed"
	TransferAwaitingConfirmation TransferStatus = "awaiting_confirmation"
)

// Final reports whether no further status transition is allowed.
func (s TransferStatus) Final() bool {
	return s != TransferAwaitingConfirmation
}

// Transfer is the immutable record of a fund movement. Only an
// awaiting_confirmation transfer may change status.
type Transfer struct {
	ID                   uuid.UUID        `json:"id"`
	SenderAccountID      string           `json:"sender_account_id"`
	ReceiverAccountID    string           `json:"receiver_account_id"`
	Amount               decimal.Decimal  `json:"amount"`
	Fee                  decimal.Decimal  `json:"fee"`
	CreditedAmount       decimal.Decimal  `json:"credited_amount"`
	SenderCurrency       Currency         `json:"sender_currency"`
	ReceiverCurrency     Currency         `json:"receiver_currency"`
	Status               TransferStatus   `json:"status"`
	IdempotencyKey       *string          `json:"idempotency_key,omitempty"`
	SenderBalanceAfter   *decimal.Decimal `json:"sender_balance_after,omitempty"`
	ReceiverBalanceAfter *decimal.Decimal `json:"receiver_balance_after,omitempty"`
	FailureReason        string           `json:"failure_reason,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty"`
}

// LedgerEntry is one leg of a transfer as seen by a single account.
type LedgerEntry struct {
	TransferID uuid.UUID       `json:"transfer_id"`
	AccountID  string          `json:"account_id"`
	Currency   Currency        `json:"currency"`
	Delta      decimal.Decimal `json:"delta"`
	CreatedAt  time.Time       `json:"created_at"`
}

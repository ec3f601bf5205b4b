// Package models holds the request and response bodies of the HTTP API.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
)

// OpenAccountRequest is the payload of POST /api/v1/accounts.
type OpenAccountRequest struct {
	Type     domain.AccountType `json:"type"`
	Currency string             `json:"currency"`
}

// Account is the client view of an account. The full number is only shown to
// its owner; Mask is what notifications and listings display.
type Account struct {
	ID                  string             `json:"account_number"`
	Mask                string             `json:"mask"`
	Type                domain.AccountType `json:"type"`
	Currency            domain.Currency    `json:"currency"`
	Balance             decimal.Decimal    `json:"balance"`
	Active              bool               `json:"is_active"`
	MaximumTransferable decimal.Decimal    `json:"maximum_transfer_amount"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

func NewAccount(a domain.Account, limit decimal.Decimal) Account {
	return Account{
		ID:                  a.ID,
		Mask:                Mask(a.ID),
		Type:                a.Type,
		Currency:            a.Currency,
		Balance:             a.Balance,
		Active:              a.Active,
		MaximumTransferable: limit,
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
	}
}

// Mask hides all but the last four characters of an account number.
func Mask(number string) string {
	if len(number) <= 4 {
		return number
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}

// TransferRequest is the payload of POST /api/v1/transfers. Amount is a
// string so no precision is lost in transit.
type TransferRequest struct {
	SenderAccountID   string `json:"sender_account"`
	ReceiverAccountID string `json:"receiver_account"`
	Amount            string `json:"amount"`
	SenderCurrency    string `json:"sender_currency,omitempty"`
	ReceiverCurrency  string `json:"receiver_currency,omitempty"`
}

// TransferResponse wraps a transfer with the challenge the client must answer
// when it is awaiting confirmation.
type TransferResponse struct {
	Transfer    *domain.Transfer `json:"transfer"`
	ChallengeID *uuid.UUID       `json:"challenge_id,omitempty"`
	ExpiresAt   *time.Time       `json:"challenge_expires_at,omitempty"`
	Replayed    bool             `json:"replayed,omitempty"`
}

type VerifyRequest struct {
	Code string `json:"code"`
}

type VerifyResponse struct {
	Outcome           domain.ChallengeOutcome `json:"outcome"`
	RemainingAttempts int                     `json:"remaining_attempts"`
	Transfer          *domain.Transfer        `json:"transfer,omitempty"`
}

type ChallengeResponse struct {
	ChallengeID uuid.UUID `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AuthAttemptRequest is posted by the identity service after every login
// attempt.
type AuthAttemptRequest struct {
	UserID        string    `json:"user_id,omitempty"`
	Principal     string    `json:"principal"`
	IP            string    `json:"ip"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	Successful    bool      `json:"successful"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Source        string    `json:"source,omitempty"`
	OccurredAt    time.Time `json:"occurred_at,omitempty"`
}

type AuthAttemptResponse struct {
	Attempt   *domain.AuthAttempt `json:"attempt"`
	Incidents []domain.Incident   `json:"incidents"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

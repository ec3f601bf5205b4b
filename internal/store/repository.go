package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
)

// Repository is the persistence contract of the ledger and risk core. Two
// implementations exist: Postgres for production and Memory for tests and
// local runs.
type Repository interface {
	AccountStore
	TransferStore
	ChallengeStore
	AuthAttemptStore
	IncidentStore

	// WithinTx runs fn inside one all-or-nothing transaction. Callbacks
	// registered through LedgerTx.AfterCommit run only once the commit has
	// succeeded.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
	Ping(ctx context.Context) error
	Close()
}

type AccountStore interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ListAccountsByOwner(ctx context.Context, ownerID string) ([]domain.Account, error)
	SetAccountActive(ctx context.Context, id string, active bool) error
}

// IdempotencyRecord binds a caller key to the request it first arrived with.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	TransferID  uuid.UUID
}

// WindowStats aggregates succeeded transfers of one sender.
type WindowStats struct {
	Count int
	Total decimal.Decimal
}

type TransferStore interface {
	GetTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	// FindIdempotencyKey returns domain.ErrTransferNotFound when the key is unknown.
	FindIdempotencyKey(ctx context.Context, key string) (*IdempotencyRecord, error)
	ListTransfers(ctx context.Context, accountID string, limit int) ([]domain.Transfer, error)
	GetEntries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error)
	// InsertFailedTransfer records a rejected attempt outside any ledger
	// transaction. The record never carries an idempotency key.
	InsertFailedTransfer(ctx context.Context, transfer *domain.Transfer) error
	// ExpireAwaitingTransfers fails every awaiting_confirmation transfer
	// created before cutoff and returns their ids.
	ExpireAwaitingTransfers(ctx context.Context, cutoff time.Time, reason string) ([]uuid.UUID, error)

	SenderWindow(ctx context.Context, accountID string, since time.Time, exclude uuid.UUID) (WindowStats, error)
	HasPriorTransfer(ctx context.Context, senderID, receiverID string, exclude uuid.UUID) (bool, error)
	CountFailedTransfers(ctx context.Context, senderID string, since time.Time) (int, error)
}

// LedgerTx is the set of operations allowed inside a ledger transaction.
type LedgerTx interface {
	// ReserveIdempotencyKey returns domain.ErrDuplicateIdempotency when the
	// key has already been committed by another transaction.
	ReserveIdempotencyKey(ctx context.Context, key, requestHash string, transferID uuid.UUID) error
	// LockAccount takes an exclusive row lock. Callers lock in ascending id order.
	LockAccount(ctx context.Context, id string) (*domain.Account, error)
	LockTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	// ApplyDelta adds delta to the stored balance and returns the new value.
	// A result below zero fails with domain.ErrInsufficientFunds.
	ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, error)
	InsertTransfer(ctx context.Context, transfer *domain.Transfer) error
	// FinalizeTransfer moves an awaiting_confirmation transfer to its final state.
	FinalizeTransfer(ctx context.Context, transfer *domain.Transfer) error
	InsertEntries(ctx context.Context, entries []domain.LedgerEntry) error
	AfterCommit(fn func())
}

type ChallengeStore interface {
	// InsertChallenge invalidates every open challenge with the same purpose
	// and reference before storing c.
	InsertChallenge(ctx context.Context, c *domain.Challenge) error
	GetChallenge(ctx context.Context, id uuid.UUID) (*domain.Challenge, error)
	// DecrementChallengeAttempts returns the attempts left, or ok=false when
	// the challenge was no longer open.
	DecrementChallengeAttempts(ctx context.Context, id uuid.UUID, now time.Time) (remaining int, ok bool, err error)
	// ConsumeChallenge marks an open challenge verified. Exactly one caller
	// wins under concurrency.
	ConsumeChallenge(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	InvalidateChallenges(ctx context.Context, purpose domain.ChallengePurpose, reference string) error
}

// AttemptFilter narrows admin listings of login attempts.
type AttemptFilter struct {
	Principal  string
	IP         string
	Successful *bool
	Since      time.Time
	Limit      int
}

type AuthAttemptStore interface {
	InsertAuthAttempt(ctx context.Context, attempt *domain.AuthAttempt) error
	ListAuthAttempts(ctx context.Context, filter AttemptFilter) ([]domain.AuthAttempt, error)

	CountFailuresByPrincipal(ctx context.Context, principal string, since time.Time) (int, error)
	// FailuresByIP returns the failure count and the distinct principals
	// targeted from ip since the given time.
	FailuresByIP(ctx context.Context, ip string, since time.Time) (failures int, principals []string, err error)
	CountSuccessfulPrincipalsByIP(ctx context.Context, ip string, since time.Time) (int, error)
	// PreviousSuccess returns the latest successful attempt with a known
	// country other than exclude, or nil.
	PreviousSuccess(ctx context.Context, principal string, exclude uuid.UUID) (*domain.AuthAttempt, error)
	// SuccessHistory reports how many earlier successful attempts exist and
	// whether one of them already used the same country and fingerprint.
	SuccessHistory(ctx context.Context, principal, country, fingerprint string, exclude uuid.UUID) (prior int, seen bool, err error)
	LastSuccessForUser(ctx context.Context, userID string, since time.Time) (*domain.AuthAttempt, error)
}

// IncidentFilter is used both for listings and for the per-window
// de-duplication checks of the rule engines. Empty fields are ignored.
type IncidentFilter struct {
	Label     domain.Label
	Severity  domain.Severity
	UserID    string
	AccountID string
	Principal string
	IP        string
	Since     time.Time
	Limit     int
}

type IncidentStore interface {
	InsertIncident(ctx context.Context, incident *domain.Incident) error
	IncidentExists(ctx context.Context, filter IncidentFilter) (bool, error)
	SetIncidentAdvisory(ctx context.Context, id uuid.UUID, text string) error
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]domain.Incident, error)
}

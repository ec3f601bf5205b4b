package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerguard/internal/currency"
	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/store"
)

var transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledgerguard_transfers_total",
	Help: "Transfers processed by the ledger engine, labeled by outcome",
}, []string{"outcome"})

// LedgerConfig carries the money movement policy.
type LedgerConfig struct {
	FeeFlat    decimal.Decimal
	FeePercent decimal.Decimal
	// Limits caps a single transfer per sender account type. Types missing
	// from the map fall back to DefaultLimit.
	Limits                map[domain.AccountType]decimal.Decimal
	DefaultLimit          decimal.Decimal
	ConfirmationThreshold decimal.Decimal
}

// TransferRequest is the input of the ledger engine. The account ownership
// check has already happened upstream.
type TransferRequest struct {
	SenderAccountID   string
	ReceiverAccountID string
	Amount            decimal.Decimal
	SenderCurrency    domain.Currency
	ReceiverCurrency  domain.Currency
	IdempotencyKey    string
	Meta              domain.RequestMeta

	// set only by the confirmation gate for a verified awaiting transfer
	confirmed *uuid.UUID
}

// Hash fingerprints the payload so a reused idempotency key can be told
// apart from a retry.
func (r TransferRequest) Hash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s",
		r.SenderAccountID, r.ReceiverAccountID, r.Amount.StringFixed(currency.Scale), r.SenderCurrency, r.ReceiverCurrency)))
	return hex.EncodeToString(sum[:])
}

type TransferResult struct {
	Transfer *domain.Transfer
	// Replayed is set when an idempotency key resolved to an earlier transfer.
	Replayed bool
}

// RiskHook receives committed ledger outcomes. Implementations must not
// block for long; they run on the post-commit workers.
type RiskHook interface {
	TransferSucceeded(ctx context.Context, transfer domain.Transfer, meta domain.RequestMeta)
	TransferFailed(ctx context.Context, transfer domain.Transfer, meta domain.RequestMeta)
}

type TransferNotification struct {
	TransferID uuid.UUID       `json:"transfer_id"`
	AccountID  string          `json:"account_id"`
	Kind       string          `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   domain.Currency `json:"currency"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Notifier delivers account movement events to the notification transport.
type Notifier interface {
	NotifyTransfer(ctx context.Context, event TransferNotification) error
}

// Engine applies transfers atomically. It is safe for concurrent use.
type Engine struct {
	repo      store.Repository
	converter *currency.Converter
	queue     *PostCommitQueue
	risk      RiskHook
	notifier  Notifier
	cfg       LedgerConfig
	now       func() time.Time
	logger    *slog.Logger
}

type EngineOption func(*Engine)

func WithRiskHook(h RiskHook) EngineOption { return func(e *Engine) { e.risk = h } }

func WithNotifier(n Notifier) EngineOption { return func(e *Engine) { e.notifier = n } }

func WithClock(now func() time.Time) EngineOption { return func(e *Engine) { e.now = now } }

func NewEngine(repo store.Repository, converter *currency.Converter, queue *PostCommitQueue, cfg LedgerConfig, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:      repo,
		converter: converter,
		queue:     queue,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fee is the flat fee plus the percentage of amount, rounded to cents.
func (e *Engine) Fee(amount decimal.Decimal) decimal.Decimal {
	pct := amount.Mul(e.cfg.FeePercent).Div(decimal.NewFromInt(100))
	return currency.Quantize(e.cfg.FeeFlat.Add(pct))
}

// LimitFor returns the single transfer limit for an account type.
func (e *Engine) LimitFor(t domain.AccountType) decimal.Decimal {
	if limit, ok := e.cfg.Limits[t]; ok {
		return limit
	}
	return e.cfg.DefaultLimit
}

func (e *Engine) RequiresConfirmation(amount decimal.Decimal) bool {
	return amount.GreaterThan(e.cfg.ConfirmationThreshold)
}

func validateRequest(req TransferRequest) error {
	if req.SenderAccountID == "" || req.ReceiverAccountID == "" {
		return domain.NewValidationError("account_id", "sender and receiver are required")
	}
	if req.SenderAccountID == req.ReceiverAccountID {
		return domain.NewValidationError("receiver_account_id", "cannot transfer to the same account")
	}
	if !req.Amount.IsPositive() {
		return domain.NewValidationError("amount", "must be positive")
	}
	if !req.Amount.Equal(currency.Quantize(req.Amount)) {
		return domain.NewValidationError("amount", "more than two decimal places")
	}
	for _, cur := range []domain.Currency{req.SenderCurrency, req.ReceiverCurrency} {
		if cur != "" && !cur.Valid() {
			return fmt.Errorf("%w: %s", domain.ErrUnsupportedCurrency, cur)
		}
	}
	return nil
}

// Execute validates and applies one transfer in a single transaction.
// Retrying with the same idempotency key returns the original transfer.
func (e *Engine) Execute(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := validateRequest(req); err != nil {
		transfersTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if req.confirmed == nil && e.RequiresConfirmation(req.Amount) {
		return nil, domain.ErrConfirmationRequired
	}

	hash := req.Hash()
	if req.IdempotencyKey != "" && req.confirmed == nil {
		res, err := e.Replay(ctx, req.IdempotencyKey, hash)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, domain.ErrTransferNotFound) {
			return nil, err
		}
	}

	var committed *domain.Transfer
	err := e.repo.WithinTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		t, err := e.apply(ctx, tx, req, hash)
		if err != nil {
			return err
		}
		committed = t
		snapshot := *t
		tx.AfterCommit(func() { e.afterSuccess(snapshot, req.Meta) })
		return nil
	})

	switch {
	case err == nil:
		transfersTotal.WithLabelValues("succeeded").Inc()
		e.logger.Info("transfer committed",
			"transfer_id", committed.ID, "sender", committed.SenderAccountID,
			"receiver", committed.ReceiverAccountID, "amount", committed.Amount.StringFixed(2))
		return &TransferResult{Transfer: committed}, nil

	case errors.Is(err, domain.ErrDuplicateIdempotency):
		// a concurrent request with the same key committed first
		transfersTotal.WithLabelValues("replayed").Inc()
		return e.Replay(ctx, req.IdempotencyKey, hash)

	case errors.Is(err, domain.ErrConcurrencyTimeout):
		transfersTotal.WithLabelValues("timeout").Inc()
		e.logger.Warn("transfer lock wait exceeded", "sender", req.SenderAccountID, "receiver", req.ReceiverAccountID)
		return nil, err

	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInsufficientFunds):
		transfersTotal.WithLabelValues("failed").Inc()
		e.recordFailure(ctx, req, err)
		return nil, err
	}

	transfersTotal.WithLabelValues("error").Inc()
	return nil, err
}

// Replay resolves an idempotency key to the transfer it produced.
func (e *Engine) Replay(ctx context.Context, key, hash string) (*TransferResult, error) {
	rec, err := e.repo.FindIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.RequestHash != hash {
		return nil, domain.ErrIdempotencyMismatch
	}
	t, err := e.repo.GetTransfer(ctx, rec.TransferID)
	if err != nil {
		return nil, fmt.Errorf("idempotency key points at missing transfer: %w", err)
	}
	return &TransferResult{Transfer: t, Replayed: true}, nil
}

func (e *Engine) apply(ctx context.Context, tx store.LedgerTx, req TransferRequest, hash string) (*domain.Transfer, error) {
	now := e.now()
	t := &domain.Transfer{
		ID:                uuid.New(),
		SenderAccountID:   req.SenderAccountID,
		ReceiverAccountID: req.ReceiverAccountID,
		Amount:            req.Amount,
		CreatedAt:         now,
	}

	if req.confirmed != nil {
		pending, err := tx.LockTransfer(ctx, *req.confirmed)
		if err != nil {
			return nil, err
		}
		if pending.Status != domain.TransferAwaitingConfirmation {
			return nil, domain.ErrTransferNotAwaiting
		}
		t = pending
	} else if req.IdempotencyKey != "" {
		if err := tx.ReserveIdempotencyKey(ctx, req.IdempotencyKey, hash, t.ID); err != nil {
			return nil, err
		}
		key := req.IdempotencyKey
		t.IdempotencyKey = &key
	}

	// lower id first, so opposite transfers between two accounts never deadlock
	first, second := req.SenderAccountID, req.ReceiverAccountID
	if first > second {
		first, second = second, first
	}
	locked := make(map[string]*domain.Account, 2)
	for _, id := range []string{first, second} {
		acc, err := tx.LockAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = acc
	}
	sender, receiver := locked[req.SenderAccountID], locked[req.ReceiverAccountID]

	fee, credited, err := e.check(req, sender, receiver)
	if err != nil {
		return nil, err
	}
	debit := req.Amount.Add(fee)

	senderAfter, err := tx.ApplyDelta(ctx, sender.ID, debit.Neg())
	if err != nil {
		return nil, err
	}
	receiverAfter, err := tx.ApplyDelta(ctx, receiver.ID, credited)
	if err != nil {
		return nil, err
	}

	t.Fee = fee
	t.CreditedAmount = credited
	t.SenderCurrency = sender.Currency
	t.ReceiverCurrency = receiver.Currency
	t.Status = domain.TransferSucceeded
	t.SenderBalanceAfter = &senderAfter
	t.ReceiverBalanceAfter = &receiverAfter
	t.FailureReason = ""
	t.CompletedAt = &now

	if req.confirmed != nil {
		err = tx.FinalizeTransfer(ctx, t)
	} else {
		err = tx.InsertTransfer(ctx, t)
	}
	if err != nil {
		return nil, err
	}

	entries := []domain.LedgerEntry{
		{TransferID: t.ID, AccountID: sender.ID, Currency: sender.Currency, Delta: debit.Neg(), CreatedAt: now},
		{TransferID: t.ID, AccountID: receiver.ID, Currency: receiver.Currency, Delta: credited, CreatedAt: now},
	}
	if err := tx.InsertEntries(ctx, entries); err != nil {
		return nil, err
	}
	return t, nil
}

// check enforces the preconditions on the two resolved accounts and prices
// the transfer.
func (e *Engine) check(req TransferRequest, sender, receiver *domain.Account) (fee, credited decimal.Decimal, err error) {
	if !sender.Active {
		return fee, credited, domain.NewValidationError("sender_account_id", "account is inactive")
	}
	if !receiver.Active {
		return fee, credited, domain.NewValidationError("receiver_account_id", "account is inactive")
	}
	if req.SenderCurrency != "" && req.SenderCurrency != sender.Currency {
		return fee, credited, domain.NewValidationError("sender_currency", "does not match the sender account")
	}
	if req.ReceiverCurrency != "" && req.ReceiverCurrency != receiver.Currency {
		return fee, credited, domain.NewValidationError("receiver_currency", "does not match the receiver account")
	}
	if limit := e.LimitFor(sender.Type); req.Amount.GreaterThan(limit) {
		return fee, credited, domain.NewValidationError("amount", fmt.Sprintf("exceeds the %s limit of %s", sender.Type, limit.StringFixed(2)))
	}

	fee = e.Fee(req.Amount)
	if sender.Balance.LessThan(req.Amount.Add(fee)) {
		return fee, credited, domain.ErrInsufficientFunds
	}
	credited, err = e.converter.Convert(req.Amount, sender.Currency, receiver.Currency)
	return fee, credited, err
}

// preview prices a transfer against current balances without locking and
// returns it as awaiting confirmation. The locked run repeats every check.
func (e *Engine) preview(ctx context.Context, req TransferRequest) (*domain.Transfer, error) {
	sender, err := e.repo.GetAccount(ctx, req.SenderAccountID)
	if err != nil {
		return nil, err
	}
	receiver, err := e.repo.GetAccount(ctx, req.ReceiverAccountID)
	if err != nil {
		return nil, err
	}
	fee, credited, err := e.check(req, sender, receiver)
	if err != nil {
		return nil, err
	}
	return &domain.Transfer{
		ID:                uuid.New(),
		SenderAccountID:   sender.ID,
		ReceiverAccountID: receiver.ID,
		Amount:            req.Amount,
		Fee:               fee,
		CreditedAmount:    credited,
		SenderCurrency:    sender.Currency,
		ReceiverCurrency:  receiver.Currency,
		Status:            domain.TransferAwaitingConfirmation,
		CreatedAt:         e.now(),
	}, nil
}

func (e *Engine) afterSuccess(t domain.Transfer, meta domain.RequestMeta) {
	e.queue.Enqueue("transfer_succeeded", func(ctx context.Context) {
		if e.risk != nil {
			e.risk.TransferSucceeded(ctx, t, meta)
		}
		if e.notifier == nil {
			return
		}
		events := []TransferNotification{
			{TransferID: t.ID, AccountID: t.SenderAccountID, Kind: "debit", Amount: t.Amount.Add(t.Fee), Currency: t.SenderCurrency, OccurredAt: t.CreatedAt},
			{TransferID: t.ID, AccountID: t.ReceiverAccountID, Kind: "credit", Amount: t.CreditedAmount, Currency: t.ReceiverCurrency, OccurredAt: t.CreatedAt},
		}
		for _, ev := range events {
			if err := e.notifier.NotifyTransfer(ctx, ev); err != nil {
				e.logger.Warn("transfer notification failed", "transfer_id", t.ID, "account_id", ev.AccountID, "error", err)
			}
		}
	})
}

// recordFailure keeps an audit row for a rejected attempt between two
// existing accounts. An awaiting transfer is failed in place instead.
func (e *Engine) recordFailure(ctx context.Context, req TransferRequest, cause error) {
	if req.confirmed != nil {
		if t, err := e.failAwaiting(ctx, *req.confirmed, cause.Error()); err != nil {
			e.logger.Error("failed to mark awaiting transfer failed", "transfer_id", *req.confirmed, "error", err)
		} else if t != nil {
			e.scheduleFailure(*t, req.Meta)
		}
		return
	}

	sender, err := e.repo.GetAccount(ctx, req.SenderAccountID)
	if err != nil {
		return
	}
	receiver, err := e.repo.GetAccount(ctx, req.ReceiverAccountID)
	if err != nil {
		return
	}
	now := e.now()
	t := domain.Transfer{
		ID:                uuid.New(),
		SenderAccountID:   sender.ID,
		ReceiverAccountID: receiver.ID,
		Amount:            req.Amount,
		Fee:               decimal.Zero,
		CreditedAmount:    decimal.Zero,
		SenderCurrency:    sender.Currency,
		ReceiverCurrency:  receiver.Currency,
		Status:            domain.TransferFailed,
		FailureReason:     cause.Error(),
		CreatedAt:         now,
		CompletedAt:       &now,
	}
	if err := e.repo.InsertFailedTransfer(ctx, &t); err != nil {
		e.logger.Error("failed to record failed transfer", "sender", sender.ID, "error", err)
		return
	}
	e.scheduleFailure(t, req.Meta)
}

func (e *Engine) scheduleFailure(t domain.Transfer, meta domain.RequestMeta) {
	if e.risk == nil {
		return
	}
	e.queue.Enqueue("transfer_failed", func(ctx context.Context) {
		e.risk.TransferFailed(ctx, t, meta)
	})
}

// failAwaiting moves an awaiting transfer to failed. It returns nil when the
// transfer already reached a final state.
func (e *Engine) failAwaiting(ctx context.Context, id uuid.UUID, reason string) (*domain.Transfer, error) {
	var failed *domain.Transfer
	err := e.repo.WithinTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		t, err := tx.LockTransfer(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != domain.TransferAwaitingConfirmation {
			return nil
		}
		now := e.now()
		t.Status = domain.TransferFailed
		t.FailureReason = reason
		t.CompletedAt = &now
		if err := tx.FinalizeTransfer(ctx, t); err != nil {
			return err
		}
		failed = t
		return nil
	})
	return failed, err
}

// executeConfirmed runs the engine for an awaiting transfer whose challenge
// has just been consumed.
func (e *Engine) executeConfirmed(ctx context.Context, pending *domain.Transfer, meta domain.RequestMeta) (*TransferResult, error) {
	id := pending.ID
	return e.Execute(ctx, TransferRequest{
		SenderAccountID:   pending.SenderAccountID,
		ReceiverAccountID: pending.ReceiverAccountID,
		Amount:            pending.Amount,
		SenderCurrency:    pending.SenderCurrency,
		ReceiverCurrency:  pending.ReceiverCurrency,
		Meta:              meta,
		confirmed:         &id,
	})
}

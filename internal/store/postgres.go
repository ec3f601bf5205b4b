package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
)

//go:embed schema.sql
var schema string

// Postgres is the production Repository backed by a pgx pool.
type Postgres struct {
	Db          *pgxpool.Pool
	lockTimeout time.Duration
}

func NewPostgres(ctx context.Context, connString string, maxConns int32, lockTimeout time.Duration) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &Postgres{Db: pool, lockTimeout: lockTimeout}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// mapError turns lock waits, deadlocks and serialization failures into the
// retryable concurrency error and the balance check into insufficient funds.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03", "40P01", "40001":
		return fmt.Errorf("%w: %s", domain.ErrConcurrencyTimeout, pgErr.Message)
	case "23514":
		if pgErr.ConstraintName == "accounts_balance_non_negative" {
			return domain.ErrInsufficientFunds
		}
		return domain.NewValidationError(pgErr.ConstraintName, pgErr.Message)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- accounts ---

const accountColumns = "id, owner_id, type, currency, balance, active, created_at, updated_at"

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Type, &a.Currency, &a.Balance, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) CreateAccount(ctx context.Context, account *domain.Account) error {
	err := s.Db.QueryRow(ctx,
		"INSERT INTO accounts (id, owner_id, type, currency, balance, active) VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at, updated_at",
		account.ID, account.OwnerID, account.Type, account.Currency, account.Balance, account.Active,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.NewValidationError("account_id", "already exists")
	}
	return mapError(err)
}

// GetAccount retrieves a single account by ID.
func (s *Postgres) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
}

func (s *Postgres) ListAccountsByOwner(ctx context.Context, ownerID string) ([]domain.Account, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+accountColumns+" FROM accounts WHERE owner_id = $1 ORDER BY id", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Postgres) SetAccountActive(ctx context.Context, id string, active bool) error {
	tag, err := s.Db.Exec(ctx, "UPDATE accounts SET active = $2, updated_at = now() WHERE id = $1", id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// --- transfers ---

const transferColumns = `id, sender_account_id, receiver_account_id, amount, fee, credited_amount,
	sender_currency, receiver_currency, status, idempotency_key, sender_balance_after,
	receiver_balance_after, failure_reason, created_at, completed_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	err := row.Scan(&t.ID, &t.SenderAccountID, &t.ReceiverAccountID, &t.Amount, &t.Fee, &t.CreditedAmount,
		&t.SenderCurrency, &t.ReceiverCurrency, &t.Status, &t.IdempotencyKey, &t.SenderBalanceAfter,
		&t.ReceiverBalanceAfter, &t.FailureReason, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransferNotFound
		}
		return nil, err
	}
	return &t, nil
}

func collectTransfers(rows pgx.Rows) ([]domain.Transfer, error) {
	defer rows.Close()
	var out []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetTransfer retrieves transfer details.
func (s *Postgres) GetTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	return scanTransfer(s.Db.QueryRow(ctx, "SELECT "+transferColumns+" FROM transfers WHERE id = $1", id))
}

func (s *Postgres) FindIdempotencyKey(ctx context.Context, key string) (*IdempotencyRecord, error) {
	rec := IdempotencyRecord{Key: key}
	err := s.Db.QueryRow(ctx,
		"SELECT request_hash, transfer_id FROM idempotency_keys WHERE key = $1", key,
	).Scan(&rec.RequestHash, &rec.TransferID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	return &rec, nil
}

func (s *Postgres) ListTransfers(ctx context.Context, accountID string, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Db.Query(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE sender_account_id = $1 OR receiver_account_id = $1 ORDER BY created_at DESC LIMIT $2",
		accountID, limit)
	if err != nil {
		return nil, err
	}
	return collectTransfers(rows)
}

// GetEntries retrieves ledger entries for a specific account.
func (s *Postgres) GetEntries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.Db.Query(ctx,
		"SELECT transfer_id, account_id, currency, delta, created_at FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.TransferID, &e.AccountID, &e.Currency, &e.Delta, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const insertTransferSQL = `INSERT INTO transfers (id, sender_account_id, receiver_account_id, amount, fee,
	credited_amount, sender_currency, receiver_currency, status, idempotency_key, sender_balance_after,
	receiver_balance_after, failure_reason, created_at, completed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

func insertTransferArgs(t *domain.Transfer) []any {
	return []any{t.ID, t.SenderAccountID, t.ReceiverAccountID, t.Amount, t.Fee, t.CreditedAmount,
		t.SenderCurrency, t.ReceiverCurrency, t.Status, t.IdempotencyKey, t.SenderBalanceAfter,
		t.ReceiverBalanceAfter, t.FailureReason, t.CreatedAt, t.CompletedAt}
}

func (s *Postgres) InsertFailedTransfer(ctx context.Context, transfer *domain.Transfer) error {
	t := *transfer
	t.IdempotencyKey = nil
	t.Status = domain.TransferFailed
	_, err := s.Db.Exec(ctx, insertTransferSQL, insertTransferArgs(&t)...)
	return mapError(err)
}

func (s *Postgres) ExpireAwaitingTransfers(ctx context.Context, cutoff time.Time, reason string) ([]uuid.UUID, error) {
	rows, err := s.Db.Query(ctx,
		`UPDATE transfers SET status = 'failed', failure_reason = $2, completed_at = now()
		 WHERE status = 'awaiting_confirmation' AND created_at < $1 RETURNING id`,
		cutoff, reason)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) SenderWindow(ctx context.Context, accountID string, since time.Time, exclude uuid.UUID) (WindowStats, error) {
	stats := WindowStats{}
	err := s.Db.QueryRow(ctx,
		`SELECT count(*), coalesce(sum(amount), 0) FROM transfers
		 WHERE sender_account_id = $1 AND status = 'succeeded' AND created_at >= $2 AND id <> $3`,
		accountID, since, exclude,
	).Scan(&stats.Count, &stats.Total)
	return stats, err
}

func (s *Postgres) HasPriorTransfer(ctx context.Context, senderID, receiverID string, exclude uuid.UUID) (bool, error) {
	var exists bool
	err := s.Db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM transfers WHERE sender_account_id = $1 AND receiver_account_id = $2
		 AND status = 'succeeded' AND id <> $3)`,
		senderID, receiverID, exclude,
	).Scan(&exists)
	return exists, err
}

func (s *Postgres) CountFailedTransfers(ctx context.Context, senderID string, since time.Time) (int, error) {
	var n int
	err := s.Db.QueryRow(ctx,
		"SELECT count(*) FROM transfers WHERE sender_account_id = $1 AND status = 'failed' AND created_at >= $2",
		senderID, since,
	).Scan(&n)
	return n, err
}

// --- ledger transactions ---

type pgTx struct {
	tx          pgx.Tx
	afterCommit []func()
}

// WithinTx runs fn at read committed isolation; correctness comes from the
// explicit row locks and relative updates, not from snapshot isolation.
func (s *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, timeout); err != nil {
		return fmt.Errorf("lock timeout setup failed: %w", err)
	}

	wrapped := &pgTx{tx: tx}
	if err := fn(ctx, wrapped); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", mapError(err))
	}
	for _, cb := range wrapped.afterCommit {
		cb()
	}
	return nil
}

func (t *pgTx) ReserveIdempotencyKey(ctx context.Context, key, requestHash string, transferID uuid.UUID) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, transfer_id) VALUES ($1, $2, $3)",
		key, requestHash, transferID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateIdempotency
		}
		return fmt.Errorf("key reservation failed: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := scanAccount(t.tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id))
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, fmt.Errorf("lock acquisition failed: %w", mapError(err))
	}
	return acc, err
}

func (t *pgTx) LockTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	tr, err := scanTransfer(t.tx.QueryRow(ctx, "SELECT "+transferColumns+" FROM transfers WHERE id = $1 FOR UPDATE", id))
	if err != nil && !errors.Is(err, domain.ErrTransferNotFound) {
		return nil, fmt.Errorf("transfer lock failed: %w", mapError(err))
	}
	return tr, err
}

func (t *pgTx) ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRow(ctx,
		"UPDATE accounts SET balance = balance + $1, updated_at = now() WHERE id = $2 RETURNING balance",
		delta, accountID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Decimal{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Decimal{}, mapError(err)
	}
	return balance, nil
}

func (t *pgTx) InsertTransfer(ctx context.Context, transfer *domain.Transfer) error {
	_, err := t.tx.Exec(ctx, insertTransferSQL, insertTransferArgs(transfer)...)
	if err != nil {
		return fmt.Errorf("transfer insert failed: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) FinalizeTransfer(ctx context.Context, transfer *domain.Transfer) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE transfers SET status = $2, fee = $3, credited_amount = $4, sender_balance_after = $5,
		 receiver_balance_after = $6, failure_reason = $7, completed_at = $8
		 WHERE id = $1 AND status = 'awaiting_confirmation'`,
		transfer.ID, transfer.Status, transfer.Fee, transfer.CreditedAmount, transfer.SenderBalanceAfter,
		transfer.ReceiverBalanceAfter, transfer.FailureReason, transfer.CompletedAt)
	if err != nil {
		return fmt.Errorf("transfer finalize failed: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransferNotAwaiting
	}
	return nil
}

func (t *pgTx) InsertEntries(ctx context.Context, entries []domain.LedgerEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			"INSERT INTO ledger_entries (transfer_id, account_id, currency, delta, created_at) VALUES ($1, $2, $3, $4, $5)",
			e.TransferID, e.AccountID, e.Currency, e.Delta, e.CreatedAt)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("ledger entry failed: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) AfterCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

// --- challenges ---

const challengeColumns = `id, purpose, reference, destination, code_hash, expires_at, remaining_attempts,
	verified, invalidated, created_at, verified_at`

func (s *Postgres) InsertChallenge(ctx context.Context, c *domain.Challenge) error {
	return pgx.BeginFunc(ctx, s.Db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE confirmation_challenges SET invalidated = true
			 WHERE purpose = $1 AND reference = $2 AND verified = false AND invalidated = false`,
			c.Purpose, c.Reference); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO confirmation_challenges (`+challengeColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			c.ID, c.Purpose, c.Reference, c.Destination, c.CodeHash, c.ExpiresAt, c.RemainingAttempts,
			c.Verified, c.Invalidated, c.CreatedAt, c.VerifiedAt)
		return err
	})
}

func (s *Postgres) GetChallenge(ctx context.Context, id uuid.UUID) (*domain.Challenge, error) {
	var c domain.Challenge
	err := s.Db.QueryRow(ctx, "SELECT "+challengeColumns+" FROM confirmation_challenges WHERE id = $1", id).Scan(
		&c.ID, &c.Purpose, &c.Reference, &c.Destination, &c.CodeHash, &c.ExpiresAt, &c.RemainingAttempts,
		&c.Verified, &c.Invalidated, &c.CreatedAt, &c.VerifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const openChallenge = "verified = false AND invalidated = false AND expires_at > $2 AND remaining_attempts > 0"

func (s *Postgres) DecrementChallengeAttempts(ctx context.Context, id uuid.UUID, now time.Time) (int, bool, error) {
	var remaining int
	err := s.Db.QueryRow(ctx,
		"UPDATE confirmation_challenges SET remaining_attempts = remaining_attempts - 1 WHERE id = $1 AND "+openChallenge+" RETURNING remaining_attempts",
		id, now,
	).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return remaining, true, nil
}

func (s *Postgres) ConsumeChallenge(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		"UPDATE confirmation_challenges SET verified = true, verified_at = $2 WHERE id = $1 AND "+openChallenge,
		id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) InvalidateChallenges(ctx context.Context, purpose domain.ChallengePurpose, reference string) error {
	_, err := s.Db.Exec(ctx,
		"UPDATE confirmation_challenges SET invalidated = true WHERE purpose = $1 AND reference = $2 AND verified = false",
		purpose, reference)
	return err
}

// --- auth attempts ---

const attemptColumns = `id, user_id, principal, ip, country, user_agent, fingerprint, successful,
	failure_reason, source, created_at`

func scanAttempt(row pgx.Row) (*domain.AuthAttempt, error) {
	var a domain.AuthAttempt
	err := row.Scan(&a.ID, &a.UserID, &a.Principal, &a.IP, &a.Country, &a.UserAgent, &a.Fingerprint,
		&a.Successful, &a.FailureReason, &a.Source, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) InsertAuthAttempt(ctx context.Context, a *domain.AuthAttempt) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO auth_attempts (`+attemptColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.UserID, a.Principal, a.IP, a.Country, a.UserAgent, a.Fingerprint, a.Successful,
		a.FailureReason, a.Source, a.CreatedAt)
	return err
}

func (s *Postgres) ListAuthAttempts(ctx context.Context, filter AttemptFilter) ([]domain.AuthAttempt, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Principal != "" {
		add("lower(principal) = lower($%d)", filter.Principal)
	}
	if filter.IP != "" {
		add("ip = $%d", filter.IP)
	}
	if filter.Successful != nil {
		add("successful = $%d", *filter.Successful)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + attemptColumns + " FROM auth_attempts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuthAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Postgres) CountFailuresByPrincipal(ctx context.Context, principal string, since time.Time) (int, error) {
	var n int
	err := s.Db.QueryRow(ctx,
		"SELECT count(*) FROM auth_attempts WHERE lower(principal) = lower($1) AND successful = false AND created_at >= $2",
		principal, since,
	).Scan(&n)
	return n, err
}

func (s *Postgres) FailuresByIP(ctx context.Context, ip string, since time.Time) (int, []string, error) {
	var (
		failures   int
		principals []string
	)
	err := s.Db.QueryRow(ctx,
		`SELECT count(*),
		        coalesce(array_agg(DISTINCT lower(principal) ORDER BY lower(principal)) FILTER (WHERE principal <> ''), '{}')
		 FROM auth_attempts WHERE ip = $1 AND successful = false AND created_at >= $2`,
		ip, since,
	).Scan(&failures, &principals)
	return failures, principals, err
}

func (s *Postgres) CountSuccessfulPrincipalsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	err := s.Db.QueryRow(ctx,
		"SELECT count(DISTINCT lower(principal)) FROM auth_attempts WHERE ip = $1 AND successful = true AND created_at >= $2",
		ip, since,
	).Scan(&n)
	return n, err
}

func (s *Postgres) PreviousSuccess(ctx context.Context, principal string, exclude uuid.UUID) (*domain.AuthAttempt, error) {
	a, err := scanAttempt(s.Db.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM auth_attempts
		 WHERE lower(principal) = lower($1) AND successful = true AND country <> '' AND id <> $2
		 ORDER BY created_at DESC LIMIT 1`,
		principal, exclude))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *Postgres) SuccessHistory(ctx context.Context, principal, country, fingerprint string, exclude uuid.UUID) (int, bool, error) {
	var (
		prior int
		seen  bool
	)
	err := s.Db.QueryRow(ctx,
		`SELECT count(*), coalesce(bool_or(country = $2 AND fingerprint = $3), false)
		 FROM auth_attempts WHERE lower(principal) = lower($1) AND successful = true AND id <> $4`,
		principal, country, fingerprint, exclude,
	).Scan(&prior, &seen)
	return prior, seen, err
}

func (s *Postgres) LastSuccessForUser(ctx context.Context, userID string, since time.Time) (*domain.AuthAttempt, error) {
	a, err := scanAttempt(s.Db.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM auth_attempts
		 WHERE user_id = $1 AND successful = true AND country <> '' AND created_at >= $2
		 ORDER BY created_at DESC LIMIT 1`,
		userID, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// --- incidents ---

func (s *Postgres) InsertIncident(ctx context.Context, in *domain.Incident) error {
	evidence, err := json.Marshal(in.Evidence)
	if err != nil {
		return fmt.Errorf("evidence encode failed: %w", err)
	}
	_, err = s.Db.Exec(ctx,
		`INSERT INTO incidents (id, user_id, account_id, principal, ip, country, label, severity, action, evidence, advisory, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		in.ID, in.UserID, in.AccountID, in.Principal, in.IP, in.Country, in.Label, in.Severity, in.Action,
		evidence, in.Advisory, in.CreatedAt)
	return err
}

func incidentWhere(filter IncidentFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Label != "" {
		add("label = $%d", filter.Label)
	}
	if filter.Severity != "" {
		add("severity = $%d", filter.Severity)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.Principal != "" {
		add("lower(principal) = lower($%d)", filter.Principal)
	}
	if filter.IP != "" {
		add("ip = $%d", filter.IP)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *Postgres) IncidentExists(ctx context.Context, filter IncidentFilter) (bool, error) {
	where, args := incidentWhere(filter)
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM incidents"+where+")", args...).Scan(&exists)
	return exists, err
}

func (s *Postgres) SetIncidentAdvisory(ctx context.Context, id uuid.UUID, text string) error {
	tag, err := s.Db.Exec(ctx, "UPDATE incidents SET advisory = $2 WHERE id = $1", id, text)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIncidentNotFound
	}
	return nil
}

func (s *Postgres) ListIncidents(ctx context.Context, filter IncidentFilter) ([]domain.Incident, error) {
	where, args := incidentWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(
		"SELECT id, user_id, account_id, principal, ip, country, label, severity, action, evidence, advisory, created_at FROM incidents%s ORDER BY created_at DESC LIMIT $%d",
		where, len(args))

	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Incident
	for rows.Next() {
		var (
			in       domain.Incident
			evidence []byte
		)
		if err := rows.Scan(&in.ID, &in.UserID, &in.AccountID, &in.Principal, &in.IP, &in.Country, &in.Label,
			&in.Severity, &in.Action, &evidence, &in.Advisory, &in.CreatedAt); err != nil {
			return nil, err
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &in.Evidence); err != nil {
				return nil, fmt.Errorf("evidence decode failed: %w", err)
			}
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

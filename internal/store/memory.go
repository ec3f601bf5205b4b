package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
)

// Memory is an in-process Repository used by tests and local runs. Ledger
// transactions are serialized behind a single writer slot, which gives the
// same observable guarantees as row locks over two accounts, including a
// bounded wait.
type Memory struct {
	mu         sync.RWMutex
	accounts   map[string]domain.Account
	transfers  map[uuid.UUID]domain.Transfer
	order      []uuid.UUID
	keys       map[string]IdempotencyRecord
	entries    []domain.LedgerEntry
	challenges map[uuid.UUID]domain.Challenge
	attempts   []domain.AuthAttempt
	incidents  []domain.Incident

	writer      chan struct{}
	lockTimeout time.Duration
	now         func() time.Time
}

type MemoryOption func(*Memory)

// WithLockTimeout bounds how long a transaction waits for the writer slot.
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) { m.lockTimeout = d }
}

// WithClock replaces the clock used for timestamps the store assigns itself.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		accounts:    make(map[string]domain.Account),
		transfers:   make(map[uuid.UUID]domain.Transfer),
		keys:        make(map[string]IdempotencyRecord),
		challenges:  make(map[uuid.UUID]domain.Challenge),
		writer:      make(chan struct{}, 1),
		lockTimeout: 3 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) acquire(ctx context.Context) error {
	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()
	select {
	case m.writer <- struct{}{}:
		return nil
	case <-timer.C:
		return domain.ErrConcurrencyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) release() { <-m.writer }

// --- accounts ---

func (m *Memory) CreateAccount(ctx context.Context, account *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[account.ID]; exists {
		return domain.NewValidationError("account_id", "already exists")
	}
	if account.Balance.IsNegative() {
		return domain.NewValidationError("balance", "must not be negative")
	}
	now := m.now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	m.accounts[account.ID] = *account
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &acc, nil
}

func (m *Memory) ListAccountsByOwner(ctx context.Context, ownerID string) ([]domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Account
	for _, acc := range m.accounts {
		if acc.OwnerID == ownerID {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetAccountActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	acc.Active = active
	acc.UpdatedAt = m.now()
	m.accounts[id] = acc
	return nil
}

// --- transfers ---

func (m *Memory) GetTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, domain.ErrTransferNotFound
	}
	return &t, nil
}

func (m *Memory) FindIdempotencyKey(ctx context.Context, key string) (*IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.keys[key]
	if !ok {
		return nil, domain.ErrTransferNotFound
	}
	return &rec, nil
}

func (m *Memory) ListTransfers(ctx context.Context, accountID string, limit int) ([]domain.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Transfer
	for i := len(m.order) - 1; i >= 0; i-- {
		t := m.transfers[m.order[i]]
		if t.SenderAccountID == accountID || t.ReceiverAccountID == accountID {
			out = append(out, t)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) GetEntries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	var out []domain.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].AccountID == accountID {
			out = append(out, m.entries[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) InsertFailedTransfer(ctx context.Context, transfer *domain.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *transfer
	t.IdempotencyKey = nil
	t.Status = domain.TransferFailed
	m.putTransfer(t)
	return nil
}

func (m *Memory) putTransfer(t domain.Transfer) {
	if _, exists := m.transfers[t.ID]; !exists {
		m.order = append(m.order, t.ID)
	}
	m.transfers[t.ID] = t
}

func (m *Memory) ExpireAwaitingTransfers(ctx context.Context, cutoff time.Time, reason string) ([]uuid.UUID, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var expired []uuid.UUID
	for _, id := range m.order {
		t := m.transfers[id]
		if t.Status != domain.TransferAwaitingConfirmation || !t.CreatedAt.Before(cutoff) {
			continue
		}
		t.Status = domain.TransferFailed
		t.FailureReason = reason
		t.CompletedAt = &now
		m.transfers[id] = t
		expired = append(expired, id)
	}
	return expired, nil
}

func (m *Memory) SenderWindow(ctx context.Context, accountID string, since time.Time, exclude uuid.UUID) (WindowStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := WindowStats{Total: decimal.Zero}
	for _, t := range m.transfers {
		if t.ID == exclude || t.SenderAccountID != accountID || t.Status != domain.TransferSucceeded {
			continue
		}
		if t.CreatedAt.Before(since) {
			continue
		}
		stats.Count++
		stats.Total = stats.Total.Add(t.Amount)
	}
	return stats, nil
}

func (m *Memory) HasPriorTransfer(ctx context.Context, senderID, receiverID string, exclude uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transfers {
		if t.ID != exclude && t.SenderAccountID == senderID && t.ReceiverAccountID == receiverID && t.Status == domain.TransferSucceeded {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CountFailedTransfers(ctx context.Context, senderID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.transfers {
		if t.SenderAccountID == senderID && t.Status == domain.TransferFailed && !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// --- ledger transactions ---

type memTx struct {
	m           *Memory
	accounts    map[string]domain.Account
	transfers   map[uuid.UUID]domain.Transfer
	keys        map[string]IdempotencyRecord
	entries     []domain.LedgerEntry
	afterCommit []func()
}

func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	tx := &memTx{
		m:         m,
		accounts:  make(map[string]domain.Account),
		transfers: make(map[uuid.UUID]domain.Transfer),
		keys:      make(map[string]IdempotencyRecord),
	}
	if err := m.commit(ctx, tx, fn); err != nil {
		return err
	}
	for _, cb := range tx.afterCommit {
		cb()
	}
	return nil
}

// commit runs fn and applies its staged writes while holding the writer
// slot. The slot is released even if fn panics.
func (m *Memory) commit(ctx context.Context, tx *memTx, fn func(ctx context.Context, tx LedgerTx) error) error {
	defer m.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, acc := range tx.accounts {
		acc.UpdatedAt = now
		m.accounts[id] = acc
	}
	// keep insertion order stable for listings
	ids := make([]uuid.UUID, 0, len(tx.transfers))
	for id := range tx.transfers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return tx.transfers[ids[i]].CreatedAt.Before(tx.transfers[ids[j]].CreatedAt)
	})
	for _, id := range ids {
		m.putTransfer(tx.transfers[id])
	}
	for key, rec := range tx.keys {
		m.keys[key] = rec
	}
	m.entries = append(m.entries, tx.entries...)
	return nil
}

func (tx *memTx) ReserveIdempotencyKey(ctx context.Context, key, requestHash string, transferID uuid.UUID) error {
	if _, staged := tx.keys[key]; staged {
		return domain.ErrDuplicateIdempotency
	}
	tx.m.mu.RLock()
	_, exists := tx.m.keys[key]
	tx.m.mu.RUnlock()
	if exists {
		return domain.ErrDuplicateIdempotency
	}
	tx.keys[key] = IdempotencyRecord{Key: key, RequestHash: requestHash, TransferID: transferID}
	return nil
}

func (tx *memTx) account(id string) (domain.Account, error) {
	if acc, ok := tx.accounts[id]; ok {
		return acc, nil
	}
	tx.m.mu.RLock()
	acc, ok := tx.m.accounts[id]
	tx.m.mu.RUnlock()
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return acc, nil
}

func (tx *memTx) LockAccount(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := tx.account(id)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (tx *memTx) LockTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	if t, ok := tx.transfers[id]; ok {
		return &t, nil
	}
	tx.m.mu.RLock()
	t, ok := tx.m.transfers[id]
	tx.m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrTransferNotFound
	}
	return &t, nil
}

func (tx *memTx) ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, error) {
	acc, err := tx.account(accountID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	next := acc.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Decimal{}, domain.ErrInsufficientFunds
	}
	acc.Balance = next
	tx.accounts[accountID] = acc
	return next, nil
}

func (tx *memTx) InsertTransfer(ctx context.Context, transfer *domain.Transfer) error {
	if _, err := tx.LockTransfer(ctx, transfer.ID); err == nil {
		return domain.NewValidationError("transfer_id", "already exists")
	}
	if !transfer.Amount.IsPositive() {
		return domain.NewValidationError("amount", "must be positive")
	}
	tx.transfers[transfer.ID] = *transfer
	return nil
}

func (tx *memTx) FinalizeTransfer(ctx context.Context, transfer *domain.Transfer) error {
	current, err := tx.LockTransfer(ctx, transfer.ID)
	if err != nil {
		return err
	}
	if current.Status != domain.TransferAwaitingConfirmation {
		return domain.ErrTransferNotAwaiting
	}
	tx.transfers[transfer.ID] = *transfer
	return nil
}

func (tx *memTx) InsertEntries(ctx context.Context, entries []domain.LedgerEntry) error {
	tx.entries = append(tx.entries, entries...)
	return nil
}

func (tx *memTx) AfterCommit(fn func()) {
	tx.afterCommit = append(tx.afterCommit, fn)
}

// --- challenges ---

func (m *Memory) InsertChallenge(ctx context.Context, c *domain.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.challenges {
		if existing.Purpose == c.Purpose && existing.Reference == c.Reference && !existing.Verified {
			existing.Invalidated = true
			m.challenges[id] = existing
		}
	}
	m.challenges[c.ID] = *c
	return nil
}

func (m *Memory) GetChallenge(ctx context.Context, id uuid.UUID) (*domain.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.challenges[id]
	if !ok {
		return nil, domain.ErrChallengeNotFound
	}
	return &c, nil
}

func (m *Memory) DecrementChallengeAttempts(ctx context.Context, id uuid.UUID, now time.Time) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok {
		return 0, false, domain.ErrChallengeNotFound
	}
	if !c.Open(now) {
		return c.RemainingAttempts, false, nil
	}
	c.RemainingAttempts--
	m.challenges[id] = c
	return c.RemainingAttempts, true, nil
}

func (m *Memory) ConsumeChallenge(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok {
		return false, domain.ErrChallengeNotFound
	}
	if !c.Open(now) {
		return false, nil
	}
	c.Verified = true
	c.VerifiedAt = &now
	m.challenges[id] = c
	return true, nil
}

func (m *Memory) InvalidateChallenges(ctx context.Context, purpose domain.ChallengePurpose, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.challenges {
		if c.Purpose == purpose && c.Reference == reference && !c.Verified {
			c.Invalidated = true
			m.challenges[id] = c
		}
	}
	return nil
}

// --- auth attempts ---

func (m *Memory) InsertAuthAttempt(ctx context.Context, attempt *domain.AuthAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, *attempt)
	return nil
}

func (m *Memory) ListAuthAttempts(ctx context.Context, filter AttemptFilter) ([]domain.AuthAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.AuthAttempt
	for i := len(m.attempts) - 1; i >= 0; i-- {
		a := m.attempts[i]
		if filter.Principal != "" && !strings.EqualFold(a.Principal, filter.Principal) {
			continue
		}
		if filter.IP != "" && a.IP != filter.IP {
			continue
		}
		if filter.Successful != nil && a.Successful != *filter.Successful {
			continue
		}
		if !filter.Since.IsZero() && a.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, a)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CountFailuresByPrincipal(ctx context.Context, principal string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.attempts {
		if !a.Successful && strings.EqualFold(a.Principal, principal) && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) FailuresByIP(ctx context.Context, ip string, since time.Time) (int, []string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	failures := 0
	seen := make(map[string]struct{})
	var principals []string
	for _, a := range m.attempts {
		if a.Successful || a.IP != ip || a.CreatedAt.Before(since) {
			continue
		}
		failures++
		if a.Principal == "" {
			continue
		}
		p := strings.ToLower(a.Principal)
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			principals = append(principals, p)
		}
	}
	sort.Strings(principals)
	return failures, principals, nil
}

func (m *Memory) CountSuccessfulPrincipalsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, a := range m.attempts {
		if a.Successful && a.IP == ip && !a.CreatedAt.Before(since) {
			seen[strings.ToLower(a.Principal)] = struct{}{}
		}
	}
	return len(seen), nil
}

func (m *Memory) PreviousSuccess(ctx context.Context, principal string, exclude uuid.UUID) (*domain.AuthAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *domain.AuthAttempt
	for i := range m.attempts {
		a := m.attempts[i]
		if a.ID == exclude || !a.Successful || a.Country == "" || !strings.EqualFold(a.Principal, principal) {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) {
			found := a
			best = &found
		}
	}
	return best, nil
}

func (m *Memory) SuccessHistory(ctx context.Context, principal, country, fingerprint string, exclude uuid.UUID) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prior := 0
	seen := false
	for _, a := range m.attempts {
		if a.ID == exclude || !a.Successful || !strings.EqualFold(a.Principal, principal) {
			continue
		}
		prior++
		if a.Country == country && a.Fingerprint == fingerprint {
			seen = true
		}
	}
	return prior, seen, nil
}

func (m *Memory) LastSuccessForUser(ctx context.Context, userID string, since time.Time) (*domain.AuthAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *domain.AuthAttempt
	for i := range m.attempts {
		a := m.attempts[i]
		if !a.Successful || a.UserID == nil || *a.UserID != userID || a.Country == "" || a.CreatedAt.Before(since) {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) {
			found := a
			best = &found
		}
	}
	return best, nil
}

// --- incidents ---

func (m *Memory) InsertIncident(ctx context.Context, incident *domain.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = append(m.incidents, *incident)
	return nil
}

func (f IncidentFilter) matches(in domain.Incident) bool {
	if f.Label != "" && in.Label != f.Label {
		return false
	}
	if f.Severity != "" && in.Severity != f.Severity {
		return false
	}
	if f.UserID != "" && (in.UserID == nil || *in.UserID != f.UserID) {
		return false
	}
	if f.AccountID != "" && (in.AccountID == nil || *in.AccountID != f.AccountID) {
		return false
	}
	if f.Principal != "" && !strings.EqualFold(in.Principal, f.Principal) {
		return false
	}
	if f.IP != "" && in.IP != f.IP {
		return false
	}
	if !f.Since.IsZero() && in.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

func (m *Memory) IncidentExists(ctx context.Context, filter IncidentFilter) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, in := range m.incidents {
		if filter.matches(in) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) SetIncidentAdvisory(ctx context.Context, id uuid.UUID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.incidents {
		if m.incidents[i].ID == id {
			advisory := text
			m.incidents[i].Advisory = &advisory
			return nil
		}
	}
	return domain.ErrIncidentNotFound
}

func (m *Memory) ListIncidents(ctx context.Context, filter IncidentFilter) ([]domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Incident
	for i := len(m.incidents) - 1; i >= 0; i-- {
		if filter.matches(m.incidents[i]) {
			out = append(out, m.incidents[i])
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
	}
	return out, nil
}

package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestMemory(opts ...MemoryOption) *Memory {
	return NewMemory(append([]MemoryOption{WithClock(func() time.Time { return t0 })}, opts...)...)
}

func seedAccount(t *testing.T, m *Memory, id, balance string) {
	t.Helper()
	err := m.CreateAccount(context.Background(), &domain.Account{
		ID: id, OwnerID: "owner", Type: domain.AccountSavings, Currency: domain.CurrencyJOD,
		Balance: decimal.RequireFromString(balance), Active: true,
	})
	if err != nil {
		t.Fatalf("CreateAccount(%s): %v", id, err)
	}
}

func TestCreateAccount_RejectsDuplicateAndNegative(t *testing.T) {
	m := newTestMemory()
	seedAccount(t, m, "100000000001", "10.00")

	var verr *domain.ValidationError
	err := m.CreateAccount(context.Background(), &domain.Account{ID: "100000000001", Balance: decimal.Zero})
	if !errors.As(err, &verr) || verr.Field != "account_id" {
		t.Fatalf("duplicate: got %v", err)
	}
	err = m.CreateAccount(context.Background(), &domain.Account{ID: "100000000002", Balance: decimal.RequireFromString("-1")})
	if !errors.As(err, &verr) || verr.Field != "balance" {
		t.Fatalf("negative: got %v", err)
	}
	if _, err := m.GetAccount(context.Background(), "100000000002"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("rejected account was stored: %v", err)
	}
}

func TestWithinTx_RollbackDiscardsStagedWrites(t *testing.T) {
	m := newTestMemory()
	seedAccount(t, m, "a", "100.00")
	called := false

	boom := errors.New("boom")
	err := m.WithinTx(context.Background(), func(ctx context.Context, tx LedgerTx) error {
		if _, err := tx.ApplyDelta(ctx, "a", decimal.RequireFromString("-40")); err != nil {
			return err
		}
		if err := tx.ReserveIdempotencyKey(ctx, "k1", "hash", uuid.New()); err != nil {
			return err
		}
		tx.AfterCommit(func() { called = true })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx: got %v, want boom", err)
	}
	if called {
		t.Error("after-commit callback ran for a rolled back transaction")
	}
	acc, _ := m.GetAccount(context.Background(), "a")
	if !acc.Balance.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("balance = %s, want 100.00", acc.Balance)
	}
	if _, err := m.FindIdempotencyKey(context.Background(), "k1"); !errors.Is(err, domain.ErrTransferNotFound) {
		t.Errorf("key survived rollback: %v", err)
	}
}

func TestWithinTx_CommitRunsCallbacksAfterWrites(t *testing.T) {
	m := newTestMemory()
	seedAccount(t, m, "a", "100.00")
	seedAccount(t, m, "b", "0.00")

	var seen decimal.Decimal
	err := m.WithinTx(context.Background(), func(ctx context.Context, tx LedgerTx) error {
		if _, err := tx.ApplyDelta(ctx, "a", decimal.RequireFromString("-25")); err != nil {
			return err
		}
		if _, err := tx.ApplyDelta(ctx, "b", decimal.RequireFromString("25")); err != nil {
			return err
		}
		tx.AfterCommit(func() {
			acc, _ := m.GetAccount(context.Background(), "b")
			seen = acc.Balance
		})
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if !seen.Equal(decimal.RequireFromString("25")) {
		t.Errorf("callback saw balance %s, want 25", seen)
	}
}

func TestApplyDelta_RefusesNegativeBalance(t *testing.T) {
	m := newTestMemory()
	seedAccount(t, m, "a", "10.00")
	err := m.WithinTx(context.Background(), func(ctx context.Context, tx LedgerTx) error {
		_, err := tx.ApplyDelta(ctx, "a", decimal.RequireFromString("-10.01"))
		return err
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
}

func TestReserveIdempotencyKey_Duplicate(t *testing.T) {
	m := newTestMemory()
	reserve := func() error {
		return m.WithinTx(context.Background(), func(ctx context.Context, tx LedgerTx) error {
			return tx.ReserveIdempotencyKey(ctx, "key", "hash", uuid.New())
		})
	}
	if err := reserve(); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := reserve(); !errors.Is(err, domain.ErrDuplicateIdempotency) {
		t.Fatalf("second reserve: got %v", err)
	}
}

func TestWithinTx_LockWaitTimesOut(t *testing.T) {
	m := newTestMemory(WithLockTimeout(20 * time.Millisecond))
	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = m.WithinTx(context.Background(), func(ctx context.Context, tx LedgerTx) error {
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding
	defer close(done)

	err := m.WithinTx(context.Background(), func(ctx context.Context, tx LedgerTx) error { return nil })
	if !errors.Is(err, domain.ErrConcurrencyTimeout) {
		t.Fatalf("got %v, want ErrConcurrencyTimeout", err)
	}
}

func TestWithinTx_PanicReleasesWriter(t *testing.T) {
	m := newTestMemory(WithLockTimeout(50 * time.Millisecond))
	seedAccount(t, m, "a", "100.00")

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected the panic to propagate")
			}
		}()
		_ = m.WithinTx(context.Background(), func(ctx context.Context, tx LedgerTx) error {
			if _, err := tx.ApplyDelta(ctx, "a", decimal.RequireFromString("-30")); err != nil {
				return err
			}
			panic("boom")
		})
	}()

	err := m.WithinTx(context.Background(), func(ctx context.Context, tx LedgerTx) error { return nil })
	if err != nil {
		t.Fatalf("transaction after panic: %v", err)
	}
	acc, _ := m.GetAccount(context.Background(), "a")
	if !acc.Balance.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("balance = %s, want 100.00", acc.Balance)
	}
}

func TestFinalizeTransfer_OnlyFromAwaiting(t *testing.T) {
	m := newTestMemory()
	tr := domain.Transfer{
		ID: uuid.New(), SenderAccountID: "a", ReceiverAccountID: "b",
		Amount: decimal.RequireFromString("600"), Status: domain.TransferAwaitingConfirmation, CreatedAt: t0,
	}
	err := m.WithinTx(context.Background(), func(ctx context.Context, tx LedgerTx) error {
		return tx.InsertTransfer(ctx, &tr)
	})
	if err != nil {
		t.Fatalf("InsertTransfer: %v", err)
	}

	finalize := func() error {
		return m.WithinTx(context.Background(), func(ctx context.Context, tx LedgerTx) error {
			done := tr
			done.Status = domain.TransferSucceeded
			return tx.FinalizeTransfer(ctx, &done)
		})
	}
	if err := finalize(); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if err := finalize(); !errors.Is(err, domain.ErrTransferNotAwaiting) {
		t.Fatalf("second finalize: got %v", err)
	}
}

func newChallenge(ref string, attempts int) *domain.Challenge {
	return &domain.Challenge{
		ID: uuid.New(), Purpose: domain.PurposeHighValueTransfer, Reference: ref,
		CodeHash: "x", ExpiresAt: t0.Add(5 * time.Minute), RemainingAttempts: attempts, CreatedAt: t0,
	}
}

func TestInsertChallenge_InvalidatesPrevious(t *testing.T) {
	m := newTestMemory()
	first := newChallenge("tr-1", 3)
	second := newChallenge("tr-1", 3)
	other := newChallenge("tr-2", 3)
	for _, c := range []*domain.Challenge{first, other, second} {
		if err := m.InsertChallenge(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := m.GetChallenge(context.Background(), first.ID)
	if !got.Invalidated {
		t.Error("older challenge for the same reference is still open")
	}
	if got, _ := m.GetChallenge(context.Background(), second.ID); got.Invalidated {
		t.Error("newest challenge was invalidated")
	}
	if got, _ := m.GetChallenge(context.Background(), other.ID); got.Invalidated {
		t.Error("challenge for another reference was invalidated")
	}
}

func TestDecrementChallengeAttempts_StopsAtZero(t *testing.T) {
	m := newTestMemory()
	c := newChallenge("tr-1", 2)
	_ = m.InsertChallenge(context.Background(), c)

	for want := 1; want >= 0; want-- {
		remaining, ok, err := m.DecrementChallengeAttempts(context.Background(), c.ID, t0)
		if err != nil || !ok || remaining != want {
			t.Fatalf("decrement: remaining=%d ok=%v err=%v, want %d", remaining, ok, err, want)
		}
	}
	if _, ok, _ := m.DecrementChallengeAttempts(context.Background(), c.ID, t0); ok {
		t.Error("decrement succeeded on an exhausted challenge")
	}
	if _, _, err := m.DecrementChallengeAttempts(context.Background(), uuid.New(), t0); !errors.Is(err, domain.ErrChallengeNotFound) {
		t.Errorf("unknown challenge: got %v", err)
	}
}

func TestConsumeChallenge_SingleWinner(t *testing.T) {
	m := newTestMemory()
	c := newChallenge("tr-1", 3)
	_ = m.InsertChallenge(context.Background(), c)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.ConsumeChallenge(context.Background(), c.ID, t0)
			if err != nil {
				t.Errorf("ConsumeChallenge: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d callers consumed the challenge, want 1", wins.Load())
	}
}

func TestConsumeChallenge_Expired(t *testing.T) {
	m := newTestMemory()
	c := newChallenge("tr-1", 3)
	_ = m.InsertChallenge(context.Background(), c)
	if ok, _ := m.ConsumeChallenge(context.Background(), c.ID, c.ExpiresAt); ok {
		t.Fatal("consumed a challenge at its expiry instant")
	}
}

func TestExpireAwaitingTransfers(t *testing.T) {
	m := newTestMemory()
	old := domain.Transfer{ID: uuid.New(), Amount: decimal.NewFromInt(600), Status: domain.TransferAwaitingConfirmation, CreatedAt: t0.Add(-20 * time.Minute)}
	fresh := domain.Transfer{ID: uuid.New(), Amount: decimal.NewFromInt(600), Status: domain.TransferAwaitingConfirmation, CreatedAt: t0.Add(-time.Minute)}
	done := domain.Transfer{ID: uuid.New(), Amount: decimal.NewFromInt(600), Status: domain.TransferSucceeded, CreatedAt: t0.Add(-time.Hour)}
	err := m.WithinTx(context.Background(), func(ctx context.Context, tx LedgerTx) error {
		for _, tr := range []*domain.Transfer{&old, &fresh, &done} {
			if err := tx.InsertTransfer(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ids, err := m.ExpireAwaitingTransfers(context.Background(), t0.Add(-15*time.Minute), "confirmation_expired")
	if err != nil {
		t.Fatalf("ExpireAwaitingTransfers: %v", err)
	}
	if len(ids) != 1 || ids[0] != old.ID {
		t.Fatalf("expired %v, want only %s", ids, old.ID)
	}
	got, _ := m.GetTransfer(context.Background(), old.ID)
	if got.Status != domain.TransferFailed || got.FailureReason != "confirmation_expired" || got.CompletedAt == nil {
		t.Errorf("expired transfer = %+v", got)
	}
	if got, _ := m.GetTransfer(context.Background(), fresh.ID); got.Status != domain.TransferAwaitingConfirmation {
		t.Errorf("fresh transfer status = %s", got.Status)
	}
}

func TestInsertFailedTransfer_DropsIdempotencyKey(t *testing.T) {
	m := newTestMemory()
	key := "k"
	tr := domain.Transfer{ID: uuid.New(), SenderAccountID: "a", Amount: decimal.NewFromInt(5), IdempotencyKey: &key, CreatedAt: t0}
	if err := m.InsertFailedTransfer(context.Background(), &tr); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetTransfer(context.Background(), tr.ID)
	if got.IdempotencyKey != nil || got.Status != domain.TransferFailed {
		t.Errorf("stored failed transfer = %+v", got)
	}
	n, _ := m.CountFailedTransfers(context.Background(), "a", t0.Add(-time.Minute))
	if n != 1 {
		t.Errorf("CountFailedTransfers = %d, want 1", n)
	}
}

func TestIncidents_FilterAndAdvisory(t *testing.T) {
	m := newTestMemory()
	user := "user-1"
	incidents := []domain.Incident{
		{ID: uuid.New(), UserID: &user, Principal: "Alice@Example.com", IP: "203.0.113.5", Label: domain.LabelBruteForce, Severity: domain.SeverityHigh, CreatedAt: t0.Add(-time.Hour)},
		{ID: uuid.New(), Principal: "bob@example.com", IP: "203.0.113.9", Label: domain.LabelRateLimited, Severity: domain.SeverityLow, CreatedAt: t0},
	}
	for i := range incidents {
		if err := m.InsertIncident(context.Background(), &incidents[i]); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter IncidentFilter
		want   int
	}{
		{"all", IncidentFilter{}, 2},
		{"label", IncidentFilter{Label: domain.LabelBruteForce}, 1},
		{"severity", IncidentFilter{Severity: domain.SeverityLow}, 1},
		{"user", IncidentFilter{UserID: user}, 1},
		{"principal case-insensitive", IncidentFilter{Principal: "alice@example.com"}, 1},
		{"since", IncidentFilter{Since: t0.Add(-time.Minute)}, 1},
		{"limit", IncidentFilter{Limit: 1}, 1},
		{"no match", IncidentFilter{IP: "198.51.100.1"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.ListIncidents(context.Background(), tc.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tc.want {
				t.Errorf("got %d incidents, want %d", len(got), tc.want)
			}
			exists, _ := m.IncidentExists(context.Background(), tc.filter)
			if exists != (tc.want > 0) {
				t.Errorf("IncidentExists = %v", exists)
			}
		})
	}

	newest, _ := m.ListIncidents(context.Background(), IncidentFilter{Limit: 1})
	if newest[0].ID != incidents[1].ID {
		t.Error("listing is not newest first")
	}

	if err := m.SetIncidentAdvisory(context.Background(), incidents[0].ID, "reset the password"); err != nil {
		t.Fatalf("SetIncidentAdvisory: %v", err)
	}
	got, _ := m.ListIncidents(context.Background(), IncidentFilter{Label: domain.LabelBruteForce})
	if got[0].Advisory == nil || *got[0].Advisory != "reset the password" {
		t.Errorf("advisory = %v", got[0].Advisory)
	}
	if err := m.SetIncidentAdvisory(context.Background(), uuid.New(), "x"); !errors.Is(err, domain.ErrIncidentNotFound) {
		t.Errorf("unknown incident: got %v", err)
	}
}

func TestFailuresByIP_DistinctPrincipals(t *testing.T) {
	m := newTestMemory()
	for i, p := range []string{"A@x.io", "a@x.io", "b@x.io"} {
		_ = m.InsertAuthAttempt(context.Background(), &domain.AuthAttempt{
			ID: uuid.New(), Principal: p, IP: "203.0.113.7", CreatedAt: t0.Add(time.Duration(i) * time.Second),
		})
	}
	_ = m.InsertAuthAttempt(context.Background(), &domain.AuthAttempt{
		ID: uuid.New(), Principal: "c@x.io", IP: "203.0.113.7", Successful: true, CreatedAt: t0,
	})

	failures, principals, err := m.FailuresByIP(context.Background(), "203.0.113.7", t0.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if failures != 3 || len(principals) != 2 || principals[0] != "a@x.io" || principals[1] != "b@x.io" {
		t.Errorf("failures=%d principals=%v", failures, principals)
	}
	n, _ := m.CountSuccessfulPrincipalsByIP(context.Background(), "203.0.113.7", t0.Add(-time.Minute))
	if n != 1 {
		t.Errorf("CountSuccessfulPrincipalsByIP = %d, want 1", n)
	}
}

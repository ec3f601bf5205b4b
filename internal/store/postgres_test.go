package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
)

// newTestPostgres connects to LEDGERGUARD_TEST_DATABASE_URL and skips when
// it is unset.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("LEDGERGUARD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGERGUARD_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgres(ctx, dsn, 10, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func uniqueAccountID() string {
	return "9" + uuid.NewString()[:8]
}

func TestPostgres_TransferAtomicity(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	a, b := uniqueAccountID(), uniqueAccountID()
	for _, id := range []string{a, b} {
		err := s.CreateAccount(ctx, &domain.Account{
			ID: id, OwnerID: "pg-test", Type: domain.AccountSavings, Currency: domain.CurrencyJOD,
			Balance: decimal.RequireFromString("100.00"), Active: true,
		})
		if err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
	}

	// credit first, then overdraw: the credit must not survive
	err := s.WithinTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		if _, err := tx.ApplyDelta(ctx, b, decimal.RequireFromString("150")); err != nil {
			return err
		}
		_, err := tx.ApplyDelta(ctx, a, decimal.RequireFromString("-150"))
		return err
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	acc, err := s.GetAccount(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Balance.Equal(decimal.RequireFromString("100")) {
		t.Errorf("receiver balance = %s after rollback", acc.Balance)
	}
}

func TestPostgres_LockTimeoutMapsToConcurrencyError(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	id := uniqueAccountID()
	err := s.CreateAccount(ctx, &domain.Account{
		ID: id, OwnerID: "pg-test", Type: domain.AccountSavings, Currency: domain.CurrencyJOD,
		Balance: decimal.RequireFromString("10.00"), Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	locked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.WithinTx(ctx, func(ctx context.Context, tx LedgerTx) error {
			if _, err := tx.LockAccount(ctx, id); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err = s.WithinTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		_, err := tx.LockAccount(ctx, id)
		return err
	})
	close(release)
	wg.Wait()
	if !errors.Is(err, domain.ErrConcurrencyTimeout) {
		t.Fatalf("got %v, want ErrConcurrencyTimeout", err)
	}
}

func TestPostgres_ChallengeConsumedOnce(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c := &domain.Challenge{
		ID: uuid.New(), Purpose: domain.PurposeLogin, Reference: uuid.NewString(), Destination: "pg@example.com",
		CodeHash: "x", ExpiresAt: now.Add(time.Minute), RemainingAttempts: 3, CreatedAt: now,
	}
	if err := s.InsertChallenge(ctx, c); err != nil {
		t.Fatalf("InsertChallenge: %v", err)
	}

	first, err := s.ConsumeChallenge(ctx, c.ID, now)
	if err != nil || !first {
		t.Fatalf("first consume: ok=%v err=%v", first, err)
	}
	second, err := s.ConsumeChallenge(ctx, c.ID, now)
	if err != nil || second {
		t.Fatalf("second consume: ok=%v err=%v", second, err)
	}
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/logging"
)

type codeSenderStub struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (s *codeSenderStub) SendCode(ctx context.Context, destination, code string, purpose domain.ChallengePurpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codes == nil {
		s.codes = map[string]string{}
	}
	s.codes[destination] = code
	return s.err
}

func (s *codeSenderStub) last(destination string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[destination]
}

type observerStub struct {
	remaining []int
}

func (o *observerStub) ChallengeFailed(ctx context.Context, c domain.Challenge, remaining int, meta domain.RequestMeta) {
	o.remaining = append(o.remaining, remaining)
}

type gateFixture struct {
	*ledgerFixture
	gate     *Gate
	sender   *codeSenderStub
	observer *observerStub
	clock    *time.Time
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	lf := newLedgerFixture(t, testLedgerConfig())
	now := testNow
	sender := &codeSenderStub{}
	observer := &observerStub{}
	gate := NewGate(lf.engine, lf.repo, sender, GateConfig{
		TTL:         5 * time.Minute,
		MaxAttempts: 3,
		BcryptCost:  bcrypt.MinCost,
	}, logging.Discard(), WithChallengeObserver(observer), WithGateClock(func() time.Time { return now }))
	return &gateFixture{ledgerFixture: lf, gate: gate, sender: sender, observer: observer, clock: &now}
}

// wrongCode never matches the issued code.
func wrongCode(code string) string {
	if code == "000000" {
		return "000001"
	}
	return "000000"
}

func TestGate_HighValueCrossCurrencyTransfer(t *testing.T) {
	f := newGateFixture(t)
	f.account(t, "110000000001", domain.AccountSavings, domain.CurrencyJOD, "1000.00")
	f.account(t, "110000000002", domain.AccountUSD, domain.CurrencyUSD, "0.00")

	res, err := f.gate.Submit(context.Background(), TransferRequest{
		SenderAccountID:   "110000000001",
		ReceiverAccountID: "110000000002",
		Amount:            dec("600.00"),
		IdempotencyKey:    "hv-1",
	}, "+962790000000")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.AwaitingConfirmation() || res.Challenge == nil {
		t.Fatalf("want awaiting transfer with challenge, got %+v", res)
	}
	if got := f.balance(t, "110000000001"); !got.Equal(dec("1000.00")) {
		t.Fatalf("awaiting transfer moved money: %s", got)
	}

	code := f.sender.last("+962790000000")
	if len(code) != 6 {
		t.Fatalf("code=%q", code)
	}
	vr, err := f.gate.Verify(context.Background(), res.Challenge.ID, code, domain.RequestMeta{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if vr.Outcome != domain.OutcomeVerified || vr.Transfer == nil {
		t.Fatalf("outcome=%s transfer=%v", vr.Outcome, vr.Transfer)
	}
	if vr.Transfer.ID != res.Transfer.ID || vr.Transfer.Status != domain.TransferSucceeded {
		t.Fatalf("confirmed transfer=%+v", vr.Transfer)
	}
	if !vr.Transfer.CreditedAmount.Equal(dec("846.00")) {
		t.Fatalf("credited=%s want 846.00", vr.Transfer.CreditedAmount)
	}
	if got := f.balance(t, "110000000001"); !got.Equal(dec("400.00")) {
		t.Fatalf("sender balance=%s want 400.00", got)
	}
	if got := f.balance(t, "110000000002"); !got.Equal(dec("846.00")) {
		t.Fatalf("receiver balance=%s want 846.00", got)
	}

	// the code is single use
	vr, err = f.gate.Verify(context.Background(), res.Challenge.ID, code, domain.RequestMeta{})
	if !errors.Is(err, domain.ErrChallengeUsed) || vr.Outcome != domain.OutcomeUsed {
		t.Fatalf("second verify: outcome=%v err=%v", vr, err)
	}

	// replaying the submission returns the same transfer, now final
	replay, err := f.gate.Submit(context.Background(), TransferRequest{
		SenderAccountID:   "110000000001",
		ReceiverAccountID: "110000000002",
		Amount:            dec("600.00"),
		IdempotencyKey:    "hv-1",
	}, "+962790000000")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed || replay.Transfer.ID != res.Transfer.ID || replay.Transfer.Status != domain.TransferSucceeded {
		t.Fatalf("replay=%+v", replay.Transfer)
	}
}

func TestGate_LocksAfterMaxAttempts(t *testing.T) {
	f := newGateFixture(t)
	f.account(t, "120000000001", domain.AccountSavings, domain.CurrencyJOD, "1000.00")
	f.account(t, "120000000002", domain.AccountSavings, domain.CurrencyJOD, "0.00")

	res, err := f.gate.Submit(context.Background(), TransferRequest{
		SenderAccountID:   "120000000001",
		ReceiverAccountID: "120000000002",
		Amount:            dec("700.00"),
	}, "dest")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	bad := wrongCode(f.sender.last("dest"))

	for i, wantRemaining := range []int{2, 1, 0} {
		vr, err := f.gate.Verify(context.Background(), res.Challenge.ID, bad, domain.RequestMeta{})
		if !errors.Is(err, domain.ErrChallengeMismatch) || vr.Outcome != domain.OutcomeInvalid {
			t.Fatalf("attempt %d: outcome=%v err=%v", i+1, vr.Outcome, err)
		}
		if vr.Challenge.RemainingAttempts != wantRemaining {
			t.Fatalf("attempt %d: remaining=%d want %d", i+1, vr.Challenge.RemainingAttempts, wantRemaining)
		}
	}

	vr, err := f.gate.Verify(context.Background(), res.Challenge.ID, f.sender.last("dest"), domain.RequestMeta{})
	if !errors.Is(err, domain.ErrChallengeLocked) || vr.Outcome != domain.OutcomeLocked {
		t.Fatalf("fourth attempt: outcome=%v err=%v", vr.Outcome, err)
	}
	if len(f.observer.remaining) != 3 || f.observer.remaining[2] != 0 {
		t.Fatalf("observer saw %v", f.observer.remaining)
	}
	if got := f.balance(t, "120000000001"); !got.Equal(dec("1000.00")) {
		t.Fatalf("locked challenge moved money: %s", got)
	}
}

func TestGate_ExpiredChallenge(t *testing.T) {
	f := newGateFixture(t)
	c, err := f.gate.Issue(context.Background(), ChallengeIntent{Purpose: domain.PurposeLogin, Reference: "alice", Destination: "alice@example.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	*f.clock = f.clock.Add(5 * time.Minute)

	vr, err := f.gate.Verify(context.Background(), c.ID, f.sender.last("alice@example.com"), domain.RequestMeta{})
	if !errors.Is(err, domain.ErrChallengeExpired) || vr.Outcome != domain.OutcomeExpired {
		t.Fatalf("outcome=%v err=%v", vr.Outcome, err)
	}
}

func TestGate_LoginChallengeVerifies(t *testing.T) {
	f := newGateFixture(t)
	c, err := f.gate.Issue(context.Background(), ChallengeIntent{Purpose: domain.PurposeLogin, Reference: "bob", Destination: "bob@example.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if c.CodeHash == f.sender.last("bob@example.com") {
		t.Fatal("plain code stored")
	}
	vr, err := f.gate.Verify(context.Background(), c.ID, f.sender.last("bob@example.com"), domain.RequestMeta{})
	if err != nil || vr.Outcome != domain.OutcomeVerified || vr.Transfer != nil {
		t.Fatalf("outcome=%v transfer=%v err=%v", vr.Outcome, vr.Transfer, err)
	}
}

func TestGate_ReissueSupersedesPreviousChallenge(t *testing.T) {
	f := newGateFixture(t)
	f.account(t, "130000000001", domain.AccountSavings, domain.CurrencyJOD, "1000.00")
	f.account(t, "130000000002", domain.AccountSavings, domain.CurrencyJOD, "0.00")

	res, err := f.gate.Submit(context.Background(), TransferRequest{
		SenderAccountID:   "130000000001",
		ReceiverAccountID: "130000000002",
		Amount:            dec("800.00"),
	}, "dest")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	oldCode := f.sender.last("dest")

	fresh, err := f.gate.Reissue(context.Background(), res.Transfer.ID, "dest")
	if err != nil {
		t.Fatalf("Reissue: %v", err)
	}
	if _, err := f.gate.Verify(context.Background(), res.Challenge.ID, oldCode, domain.RequestMeta{}); !errors.Is(err, domain.ErrChallengeUsed) {
		t.Fatalf("old challenge: want ErrChallengeUsed, got %v", err)
	}
	if _, err := f.gate.Verify(context.Background(), fresh.ID, f.sender.last("dest"), domain.RequestMeta{}); err != nil {
		t.Fatalf("fresh challenge: %v", err)
	}
	if _, err := f.gate.Reissue(context.Background(), res.Transfer.ID, "dest"); !errors.Is(err, domain.ErrTransferNotAwaiting) {
		t.Fatalf("reissue after confirm: want ErrTransferNotAwaiting, got %v", err)
	}
}

func TestGate_ConfirmationFailsWhenFundsLeft(t *testing.T) {
	f := newGateFixture(t)
	f.account(t, "140000000001", domain.AccountSavings, domain.CurrencyJOD, "1000.00")
	f.account(t, "140000000002", domain.AccountSavings, domain.CurrencyJOD, "0.00")

	res, err := f.gate.Submit(context.Background(), TransferRequest{
		SenderAccountID:   "140000000001",
		ReceiverAccountID: "140000000002",
		Amount:            dec("900.00"),
	}, "dest")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// drain the sender while the transfer waits
	if _, err := f.engine.Execute(context.Background(), TransferRequest{
		SenderAccountID:   "140000000001",
		ReceiverAccountID: "140000000002",
		Amount:            dec("200.00"),
	}); err != nil {
		t.Fatalf("drain: %v", err)
	}

	_, err = f.gate.Verify(context.Background(), res.Challenge.ID, f.sender.last("dest"), domain.RequestMeta{})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	tr, err := f.repo.GetTransfer(context.Background(), res.Transfer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Status != domain.TransferFailed {
		t.Fatalf("status=%s want failed", tr.Status)
	}
}

func TestGate_SubmitBelowThresholdExecutes(t *testing.T) {
	f := newGateFixture(t)
	f.account(t, "150000000001", domain.AccountSavings, domain.CurrencyJOD, "100.00")
	f.account(t, "150000000002", domain.AccountSavings, domain.CurrencyJOD, "0.00")

	res, err := f.gate.Submit(context.Background(), TransferRequest{
		SenderAccountID:   "150000000001",
		ReceiverAccountID: "150000000002",
		Amount:            dec("50.00"),
	}, "dest")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Challenge != nil || res.Transfer.Status != domain.TransferSucceeded {
		t.Fatalf("res=%+v", res)
	}
}

func TestGate_DeliveryFailureKeepsChallenge(t *testing.T) {
	f := newGateFixture(t)
	f.sender.err = errors.New("broker down")
	c, err := f.gate.Issue(context.Background(), ChallengeIntent{Purpose: domain.PurposeLogin, Reference: "carol", Destination: "c"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	stored, err := f.repo.GetChallenge(context.Background(), c.ID)
	if err != nil || !stored.Open(*f.clock) {
		t.Fatalf("challenge=%+v err=%v", stored, err)
	}
}

func TestGate_UnknownChallenge(t *testing.T) {
	f := newGateFixture(t)
	if _, err := f.gate.Verify(context.Background(), uuid.New(), "123456", domain.RequestMeta{}); !errors.Is(err, domain.ErrChallengeNotFound) {
		t.Fatalf("want ErrChallengeNotFound, got %v", err)
	}
}

package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/bcrypt"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/store"
)

var challengeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledgerguard_challenge_outcomes_total",
	Help: "Confirmation challenge verification outcomes",
}, []string{"purpose", "outcome"})

// CodeSender delivers a one-time code out of band.
type CodeSender interface {
	SendCode(ctx context.Context, destination, code string, purpose domain.ChallengePurpose) error
}

// ChallengeObserver is told about wrong codes. remaining is zero on the
// attempt that locked the challenge.
type ChallengeObserver interface {
	ChallengeFailed(ctx context.Context, challenge domain.Challenge, remaining int, meta domain.RequestMeta)
}

type GateConfig struct {
	TTL         time.Duration
	MaxAttempts int
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// Gate holds transfers above the confirmation threshold until the sender
// proves possession of a one-time code.
type Gate struct {
	engine   *Engine
	repo     store.Repository
	sender   CodeSender
	observer ChallengeObserver
	cfg      GateConfig
	now      func() time.Time
	logger   *slog.Logger
}

type GateOption func(*Gate)

func WithChallengeObserver(o ChallengeObserver) GateOption { return func(g *Gate) { g.observer = o } }

func WithGateClock(now func() time.Time) GateOption { return func(g *Gate) { g.now = now } }

func NewGate(engine *Engine, repo store.Repository, sender CodeSender, cfg GateConfig, logger *slog.Logger, opts ...GateOption) *Gate {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	g := &Gate{
		engine: engine,
		repo:   repo,
		sender: sender,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "confirmation_gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type SubmitResult struct {
	Transfer  *domain.Transfer
	Challenge *domain.Challenge
	Replayed  bool
}

// AwaitingConfirmation reports whether the client still has to verify a code.
func (r *SubmitResult) AwaitingConfirmation() bool {
	return r.Transfer != nil && r.Transfer.Status == domain.TransferAwaitingConfirmation
}

// Submit executes a transfer at or below the threshold. Above it the transfer
// is parked as awaiting_confirmation and a challenge goes to destination.
func (g *Gate) Submit(ctx context.Context, req TransferRequest, destination string) (*SubmitResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if !g.engine.RequiresConfirmation(req.Amount) {
		res, err := g.engine.Execute(ctx, req)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Transfer: res.Transfer, Replayed: res.Replayed}, nil
	}

	hash := req.Hash()
	if req.IdempotencyKey != "" {
		res, err := g.engine.Replay(ctx, req.IdempotencyKey, hash)
		if err == nil {
			return &SubmitResult{Transfer: res.Transfer, Replayed: true}, nil
		}
		if !errors.Is(err, domain.ErrTransferNotFound) {
			return nil, err
		}
	}

	pending, err := g.engine.preview(ctx, req)
	if err != nil {
		return nil, err
	}

	err = g.repo.WithinTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		if req.IdempotencyKey != "" {
			if err := tx.ReserveIdempotencyKey(ctx, req.IdempotencyKey, hash, pending.ID); err != nil {
				return err
			}
			key := req.IdempotencyKey
			pending.IdempotencyKey = &key
		}
		return tx.InsertTransfer(ctx, pending)
	})
	if errors.Is(err, domain.ErrDuplicateIdempotency) {
		res, err := g.engine.Replay(ctx, req.IdempotencyKey, hash)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Transfer: res.Transfer, Replayed: true}, nil
	}
	if err != nil {
		return nil, err
	}

	challenge, err := g.Issue(ctx, ChallengeIntent{
		Purpose:     domain.PurposeHighValueTransfer,
		Reference:   pending.ID.String(),
		Destination: destination,
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("transfer awaiting confirmation",
		"transfer_id", pending.ID, "sender", pending.SenderAccountID, "amount", pending.Amount.StringFixed(2))
	return &SubmitResult{Transfer: pending, Challenge: challenge}, nil
}

type ChallengeIntent struct {
	Purpose     domain.ChallengePurpose
	Reference   string
	Destination string
}

// Issue creates a fresh challenge, superseding any open one for the same
// purpose and reference, and hands the plain code to the sender.
func (g *Gate) Issue(ctx context.Context, intent ChallengeIntent) (*domain.Challenge, error) {
	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), g.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash code: %w", err)
	}

	now := g.now()
	c := &domain.Challenge{
		ID:                uuid.New(),
		Purpose:           intent.Purpose,
		Reference:         intent.Reference,
		Destination:       intent.Destination,
		CodeHash:          string(hash),
		ExpiresAt:         now.Add(g.cfg.TTL),
		RemainingAttempts: g.cfg.MaxAttempts,
		CreatedAt:         now,
	}
	if err := g.repo.InsertChallenge(ctx, c); err != nil {
		return nil, err
	}

	if g.sender != nil {
		if err := g.sender.SendCode(ctx, intent.Destination, code, intent.Purpose); err != nil {
			// the challenge stays valid; the client can ask for a reissue
			g.logger.Warn("challenge code delivery failed", "challenge_id", c.ID, "purpose", c.Purpose, "error", err)
		}
	}
	return c, nil
}

// Reissue sends a new code for a transfer that is still awaiting confirmation.
func (g *Gate) Reissue(ctx context.Context, transferID uuid.UUID, destination string) (*domain.Challenge, error) {
	t, err := g.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TransferAwaitingConfirmation {
		return nil, domain.ErrTransferNotAwaiting
	}
	return g.Issue(ctx, ChallengeIntent{
		Purpose:     domain.PurposeHighValueTransfer,
		Reference:   t.ID.String(),
		Destination: destination,
	})
}

type VerifyResult struct {
	Outcome   domain.ChallengeOutcome
	Challenge *domain.Challenge
	// Transfer is set for high-value transfer challenges once verified.
	Transfer *domain.Transfer
}

// Verify checks code against the challenge. Every non-verified outcome comes
// back with a matching error so callers can map it directly.
func (g *Gate) Verify(ctx context.Context, challengeID uuid.UUID, code string, meta domain.RequestMeta) (*VerifyResult, error) {
	c, err := g.repo.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	now := g.now()

	if outcome, err := classify(c, now); err != nil {
		return g.finish(c, outcome, err)
	}

	if bcrypt.CompareHashAndPassword([]byte(c.CodeHash), []byte(code)) != nil {
		remaining, ok, err := g.repo.DecrementChallengeAttempts(ctx, c.ID, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return g.reclassify(ctx, c.ID, now)
		}
		c.RemainingAttempts = remaining
		if g.observer != nil {
			g.observer.ChallengeFailed(ctx, *c, remaining, meta)
		}
		return g.finish(c, domain.OutcomeInvalid, domain.ErrChallengeMismatch)
	}

	ok, err := g.repo.ConsumeChallenge(ctx, c.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return g.reclassify(ctx, c.ID, now)
	}
	c.Verified = true
	c.VerifiedAt = &now

	res := &VerifyResult{Outcome: domain.OutcomeVerified, Challenge: c}
	challengeOutcomes.WithLabelValues(string(c.Purpose), string(domain.OutcomeVerified)).Inc()
	if c.Purpose != domain.PurposeHighValueTransfer {
		return res, nil
	}

	transferID, err := uuid.Parse(c.Reference)
	if err != nil {
		return res, fmt.Errorf("challenge reference %q: %w", c.Reference, domain.ErrTransferNotFound)
	}
	pending, err := g.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return res, err
	}
	if pending.Status != domain.TransferAwaitingConfirmation {
		return res, domain.ErrTransferNotAwaiting
	}
	executed, err := g.engine.executeConfirmed(ctx, pending, meta)
	if err != nil {
		return res, err
	}
	res.Transfer = executed.Transfer
	return res, nil
}

// classify returns the terminal outcome for a challenge that can no longer
// accept a code, checked in the order used, expired, locked.
func classify(c *domain.Challenge, now time.Time) (domain.ChallengeOutcome, error) {
	switch {
	case c.Verified || c.Invalidated:
		return domain.OutcomeUsed, domain.ErrChallengeUsed
	case !now.Before(c.ExpiresAt):
		return domain.OutcomeExpired, domain.ErrChallengeExpired
	case c.RemainingAttempts <= 0:
		return domain.OutcomeLocked, domain.ErrChallengeLocked
	}
	return "", nil
}

// reclassify handles a concurrent verify that changed the challenge between
// the read and the conditional update.
func (g *Gate) reclassify(ctx context.Context, id uuid.UUID, now time.Time) (*VerifyResult, error) {
	c, err := g.repo.GetChallenge(ctx, id)
	if err != nil {
		return nil, err
	}
	outcome, err := classify(c, now)
	if err == nil {
		outcome, err = domain.OutcomeUsed, domain.ErrChallengeUsed
	}
	return g.finish(c, outcome, err)
}

func (g *Gate) finish(c *domain.Challenge, outcome domain.ChallengeOutcome, err error) (*VerifyResult, error) {
	challengeOutcomes.WithLabelValues(string(c.Purpose), string(outcome)).Inc()
	g.logger.Info("challenge rejected", "challenge_id", c.ID, "outcome", outcome, "remaining", c.RemainingAttempts)
	return &VerifyResult{Outcome: outcome, Challenge: c}, err
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
)

// GeoResolver maps an IP to an ISO country code. Implementations return ""
// when the country is unknown.
type GeoResolver interface {
	Country(ctx context.Context, ip string) (string, error)
}

func lookupCountry(ctx context.Context, geo GeoResolver, logger *slog.Logger, ip string) string {
	if geo == nil || ip == "" {
		return ""
	}
	country, err := geo.Country(ctx, ip)
	if err != nil {
		// country rules degrade to no-ops
		logger.Warn("geo lookup failed", "ip", ip, "error", err)
		return ""
	}
	return strings.ToUpper(country)
}

type AttemptStore interface {
	InsertAuthAttempt(ctx context.Context, attempt *domain.AuthAttempt) error
}

type AttemptInput struct {
	UserID        string
	Principal     string
	IP            string
	UserAgent     string
	Fingerprint   string
	Successful    bool
	FailureReason string
	Source        string
	At            time.Time
}

// AuthMonitor stores login attempts and evaluates them before returning.
type AuthMonitor struct {
	attempts AttemptStore
	engine   *AuthEngine
	recorder *Recorder
	geo      GeoResolver
	now      func() time.Time
	logger   *slog.Logger
}

func NewAuthMonitor(attempts AttemptStore, engine *AuthEngine, recorder *Recorder, geo GeoResolver, logger *slog.Logger) *AuthMonitor {
	return &AuthMonitor{
		attempts: attempts,
		engine:   engine,
		recorder: recorder,
		geo:      geo,
		now:      time.Now,
		logger:   logger.With("component", "auth_monitor"),
	}
}

func (m *AuthMonitor) Record(ctx context.Context, in AttemptInput) (*domain.AuthAttempt, []domain.Incident, error) {
	at := in.At
	if at.IsZero() {
		at = m.now()
	}
	attempt := &domain.AuthAttempt{
		ID:            uuid.New(),
		UserID:        strPtr(in.UserID),
		Principal:     strings.ToLower(strings.TrimSpace(in.Principal)),
		IP:            strings.TrimSpace(in.IP),
		UserAgent:     in.UserAgent,
		Fingerprint:   in.Fingerprint,
		Successful:    in.Successful,
		FailureReason: in.FailureReason,
		Source:        in.Source,
		CreatedAt:     at,
	}
	if attempt.Fingerprint == "" && attempt.UserAgent != "" {
		attempt.Fingerprint = Fingerprint(attempt.UserAgent)
	}
	if attempt.Source == "" {
		attempt.Source = "password"
	}
	attempt.Country = lookupCountry(ctx, m.geo, m.logger, attempt.IP)

	if err := m.attempts.InsertAuthAttempt(ctx, attempt); err != nil {
		return nil, nil, err
	}
	incidents := m.recorder.Record(ctx, m.engine.Evaluate(ctx, *attempt))
	return attempt, incidents, nil
}

// Fingerprint derives a stable device identifier from a user agent.
func Fingerprint(userAgent string) string {
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:8])
}

// TransactionMonitor evaluates committed transfers. It runs on the ledger's
// post-commit workers.
type TransactionMonitor struct {
	engine   *TransactionEngine
	recorder *Recorder
	geo      GeoResolver
	logger   *slog.Logger
}

func NewTransactionMonitor(engine *TransactionEngine, recorder *Recorder, geo GeoResolver, logger *slog.Logger) *TransactionMonitor {
	return &TransactionMonitor{
		engine:   engine,
		recorder: recorder,
		geo:      geo,
		logger:   logger.With("component", "transaction_monitor"),
	}
}

func (m *TransactionMonitor) event(ctx context.Context, t domain.Transfer, meta domain.RequestMeta) TransactionEvent {
	return TransactionEvent{
		Transfer: t,
		Meta:     meta,
		Country:  lookupCountry(ctx, m.geo, m.logger, meta.IP),
	}
}

func (m *TransactionMonitor) TransferSucceeded(ctx context.Context, t domain.Transfer, meta domain.RequestMeta) {
	m.recorder.Record(ctx, m.engine.Evaluate(ctx, m.event(ctx, t, meta)))
}

func (m *TransactionMonitor) TransferFailed(ctx context.Context, t domain.Transfer, meta domain.RequestMeta) {
	m.recorder.Record(ctx, m.engine.EvaluateFailure(ctx, m.event(ctx, t, meta)))
}

// AccessMonitor records security events raised outside the rule engines,
// such as wrong confirmation codes, throttled requests and privileged actions.
type AccessMonitor struct {
	recorder *Recorder
	geo      GeoResolver
	now      func() time.Time
	logger   *slog.Logger
}

func NewAccessMonitor(recorder *Recorder, geo GeoResolver, logger *slog.Logger) *AccessMonitor {
	return &AccessMonitor{recorder: recorder, geo: geo, now: time.Now, logger: logger.With("component", "access_monitor")}
}

func (m *AccessMonitor) candidate(ctx context.Context, label domain.Label, sev domain.Severity, meta domain.RequestMeta, evidence domain.Evidence) Candidate {
	if meta.UserAgent != "" {
		evidence["user_agent"] = meta.UserAgent
	}
	return Candidate{
		Label:     label,
		Severity:  sev,
		UserID:    strPtr(meta.UserID),
		Principal: meta.Principal,
		IP:        meta.IP,
		Country:   lookupCountry(ctx, m.geo, m.logger, meta.IP),
		Evidence:  evidence,
		At:        m.now(),
	}
}

// ChallengeFailed raises failed_otp for a wrong code, or otp_lockout when the
// attempt used up the challenge.
func (m *AccessMonitor) ChallengeFailed(ctx context.Context, c domain.Challenge, remaining int, meta domain.RequestMeta) {
	label, sev := domain.LabelFailedOTP, domain.SeverityMedium
	if remaining <= 0 {
		label, sev = domain.LabelOTPLockout, domain.SeverityHigh
	}
	m.recorder.Record(ctx, []Candidate{m.candidate(ctx, label, sev, meta, domain.Evidence{
		"challenge_id":       c.ID.String(),
		"purpose":            string(c.Purpose),
		"reference":          c.Reference,
		"remaining_attempts": remaining,
	})})
}

func (m *AccessMonitor) RateLimited(ctx context.Context, meta domain.RequestMeta, scope, path string) {
	m.recorder.Record(ctx, []Candidate{m.candidate(ctx, domain.LabelRateLimited, domain.SeverityLow, meta, domain.Evidence{
		"scope": scope,
		"path":  path,
	})})
}

// AdminAction records a privileged change made through the admin surface.
// The actor is taken from meta, the affected account from accountID.
func (m *AccessMonitor) AdminAction(ctx context.Context, meta domain.RequestMeta, action, accountID string, evidence domain.Evidence) {
	if evidence == nil {
		evidence = domain.Evidence{}
	}
	evidence["action"] = action
	evidence["actor"] = meta.UserID
	c := m.candidate(ctx, domain.LabelAdminAction, domain.SeverityMedium, meta, evidence)
	c.AccountID = strPtr(accountID)
	m.recorder.Record(ctx, []Candidate{c})
}

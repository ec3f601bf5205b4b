package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/store"
)

// AuthHistory is the read side the login rules need.
type AuthHistory interface {
	IncidentChecker
	CountFailuresByPrincipal(ctx context.Context, principal string, since time.Time) (int, error)
	FailuresByIP(ctx context.Context, ip string, since time.Time) (int, []string, error)
	CountSuccessfulPrincipalsByIP(ctx context.Context, ip string, since time.Time) (int, error)
	PreviousSuccess(ctx context.Context, principal string, exclude uuid.UUID) (*domain.AuthAttempt, error)
	SuccessHistory(ctx context.Context, principal, country, fingerprint string, exclude uuid.UUID) (int, bool, error)
}

type AuthConfig struct {
	FailureWindow      time.Duration
	BruteForceFailures int
	StuffingFailures   int
	StuffingPrincipals int
	TravelGap          time.Duration
	SharedIPWindow     time.Duration
	SharedIPPrincipals int
	// UnusualHourEnd is the first local hour that is no longer unusual.
	UnusualHourEnd int
	Location       *time.Location
}

func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		FailureWindow:      10 * time.Minute,
		BruteForceFailures: 5,
		StuffingFailures:   5,
		StuffingPrincipals: 3,
		TravelGap:          time.Hour,
		SharedIPWindow:     time.Hour,
		SharedIPPrincipals: 5,
		UnusualHourEnd:     5,
		Location:           time.UTC,
	}
}

// AuthEngine runs the login rules in a fixed order against one stored attempt.
type AuthEngine struct {
	history AuthHistory
	cfg     AuthConfig
	rules   []rule[domain.AuthAttempt]
	logger  *slog.Logger
}

func NewAuthEngine(history AuthHistory, cfg AuthConfig, logger *slog.Logger) *AuthEngine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	e := &AuthEngine{history: history, cfg: cfg, logger: logger.With("component", "auth_rules")}
	e.rules = []rule[domain.AuthAttempt]{
		{domain.LabelBruteForce, e.bruteForce},
		{domain.LabelCredentialStuffing, e.credentialStuffing},
		{domain.LabelImpossibleTravel, e.impossibleTravel},
		{domain.LabelNewCountryDevice, e.newCountryDevice},
		{domain.LabelUnusualLoginHour, e.unusualHour},
		{domain.LabelSharedIPAbuse, e.sharedIP},
	}
	return e
}

// Evaluate expects attempt to be persisted already, so window counts
// include it.
func (e *AuthEngine) Evaluate(ctx context.Context, attempt domain.AuthAttempt) []Candidate {
	out := runRules(ctx, e.logger, e.rules, attempt)
	for i := range out {
		c := &out[i]
		c.IP = attempt.IP
		c.Country = attempt.Country
		c.At = attempt.CreatedAt
	}
	return out
}

func (e *AuthEngine) exists(ctx context.Context, f store.IncidentFilter) (bool, error) {
	return e.history.IncidentExists(ctx, f)
}

func (e *AuthEngine) bruteForce(ctx context.Context, a domain.AuthAttempt) (*Candidate, error) {
	if a.Successful || a.Principal == "" {
		return nil, nil
	}
	since := a.CreatedAt.Add(-e.cfg.FailureWindow)
	failures, err := e.history.CountFailuresByPrincipal(ctx, a.Principal, since)
	if err != nil || failures < e.cfg.BruteForceFailures {
		return nil, err
	}
	dup, err := e.exists(ctx, store.IncidentFilter{Label: domain.LabelBruteForce, Principal: a.Principal, Since: since})
	if err != nil || dup {
		return nil, err
	}
	return &Candidate{
		Severity:  domain.SeverityHigh,
		UserID:    a.UserID,
		Principal: a.Principal,
		Evidence: domain.Evidence{
			"principal":       a.Principal,
			"failed_attempts": failures,
			"window_minutes":  int(e.cfg.FailureWindow.Minutes()),
		},
	}, nil
}

func (e *AuthEngine) credentialStuffing(ctx context.Context, a domain.AuthAttempt) (*Candidate, error) {
	if a.Successful || a.IP == "" {
		return nil, nil
	}
	since := a.CreatedAt.Add(-e.cfg.FailureWindow)
	failures, principals, err := e.history.FailuresByIP(ctx, a.IP, since)
	if err != nil {
		return nil, err
	}
	if failures < e.cfg.StuffingFailures || len(principals) < e.cfg.StuffingPrincipals {
		return nil, nil
	}
	dup, err := e.exists(ctx, store.IncidentFilter{Label: domain.LabelCredentialStuffing, IP: a.IP, Since: since})
	if err != nil || dup {
		return nil, err
	}
	return &Candidate{
		Severity: domain.SeverityHigh,
		Evidence: domain.Evidence{
			"attempt_count":    failures,
			"distinct_targets": len(principals),
			"principals":       principals,
		},
	}, nil
}

func (e *AuthEngine) impossibleTravel(ctx context.Context, a domain.AuthAttempt) (*Candidate, error) {
	if !a.Successful || a.Country == "" || a.Principal == "" {
		return nil, nil
	}
	prev, err := e.history.PreviousSuccess(ctx, a.Principal, a.ID)
	if err != nil || prev == nil || prev.Country == a.Country {
		return nil, err
	}
	gap := a.CreatedAt.Sub(prev.CreatedAt)
	if gap > e.cfg.TravelGap {
		return nil, nil
	}
	dup, err := e.exists(ctx, store.IncidentFilter{Label: domain.LabelImpossibleTravel, Principal: a.Principal, Since: prev.CreatedAt})
	if err != nil || dup {
		return nil, err
	}
	return &Candidate{
		Severity:  domain.SeverityHigh,
		UserID:    a.UserID,
		Principal: a.Principal,
		Evidence: domain.Evidence{
			"previous_country":         prev.Country,
			"new_country":              a.Country,
			"minutes_since_last_login": int(gap.Round(time.Minute).Minutes()),
			"previous_timestamp":       prev.CreatedAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

func (e *AuthEngine) newCountryDevice(ctx context.Context, a domain.AuthAttempt) (*Candidate, error) {
	if !a.Successful || a.Country == "" || a.Principal == "" {
		return nil, nil
	}
	prior, seen, err := e.history.SuccessHistory(ctx, a.Principal, a.Country, a.Fingerprint, a.ID)
	// the very first login has nothing to compare against
	if err != nil || prior == 0 || seen {
		return nil, err
	}
	return &Candidate{
		Severity:  domain.SeverityMedium,
		UserID:    a.UserID,
		Principal: a.Principal,
		Evidence: domain.Evidence{
			"country":     a.Country,
			"fingerprint": a.Fingerprint,
			"user_agent":  a.UserAgent,
		},
	}, nil
}

func (e *AuthEngine) unusualHour(ctx context.Context, a domain.AuthAttempt) (*Candidate, error) {
	hour := a.CreatedAt.In(e.cfg.Location).Hour()
	if hour >= e.cfg.UnusualHourEnd {
		return nil, nil
	}
	return &Candidate{
		Severity:  domain.SeverityLow,
		UserID:    a.UserID,
		Principal: a.Principal,
		Evidence: domain.Evidence{
			"hour":       hour,
			"successful": a.Successful,
			"timezone":   e.cfg.Location.String(),
		},
	}, nil
}

func (e *AuthEngine) sharedIP(ctx context.Context, a domain.AuthAttempt) (*Candidate, error) {
	if !a.Successful || a.IP == "" {
		return nil, nil
	}
	since := a.CreatedAt.Add(-e.cfg.SharedIPWindow)
	n, err := e.history.CountSuccessfulPrincipalsByIP(ctx, a.IP, since)
	if err != nil || n < e.cfg.SharedIPPrincipals {
		return nil, err
	}
	dup, err := e.exists(ctx, store.IncidentFilter{Label: domain.LabelSharedIPAbuse, IP: a.IP, Since: since})
	if err != nil || dup {
		return nil, err
	}
	return &Candidate{
		Severity: domain.SeverityMedium,
		Evidence: domain.Evidence{"distinct_principals": n},
	}, nil
}

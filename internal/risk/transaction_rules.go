package risk

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/store"
)

// TransferHistory is the read side the transaction rules need.
type TransferHistory interface {
	IncidentChecker
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	SenderWindow(ctx context.Context, accountID string, since time.Time, exclude uuid.UUID) (store.WindowStats, error)
	HasPriorTransfer(ctx context.Context, senderID, receiverID string, exclude uuid.UUID) (bool, error)
	CountFailedTransfers(ctx context.Context, senderID string, since time.Time) (int, error)
	LastSuccessForUser(ctx context.Context, userID string, since time.Time) (*domain.AuthAttempt, error)
}

type TransactionConfig struct {
	LargeThreshold    decimal.Decimal
	OutlierMultiplier decimal.Decimal
	OutlierWindow     time.Duration
	RapidCount        int
	RapidWindow       time.Duration
	VelocityCount     int
	VelocityAmount    decimal.Decimal
	VelocityWindow    time.Duration
	GeoWindow         time.Duration
	FailureBurst      int
	FailureWindow     time.Duration
	BlacklistedIPs    []string
	UnusualHourEnd    int
	Location          *time.Location
}

func DefaultTransactionConfig() TransactionConfig {
	return TransactionConfig{
		LargeThreshold:    decimal.NewFromInt(10000),
		OutlierMultiplier: decimal.NewFromInt(5),
		OutlierWindow:     30 * 24 * time.Hour,
		RapidCount:        5,
		RapidWindow:       5 * time.Minute,
		VelocityCount:     10,
		VelocityAmount:    decimal.NewFromInt(50000),
		VelocityWindow:    15 * time.Minute,
		GeoWindow:         2 * time.Hour,
		FailureBurst:      3,
		FailureWindow:     15 * time.Minute,
		UnusualHourEnd:    5,
		Location:          time.UTC,
	}
}

// TransactionEvent is a transfer with the request context it came from.
type TransactionEvent struct {
	Transfer domain.Transfer
	Meta     domain.RequestMeta
	// Country is resolved from Meta.IP; empty when unknown.
	Country string
	// OwnerID is the sender account's owner, filled by Evaluate when missing.
	OwnerID string
}

// at is when the money moved. A confirmed high-value transfer completes
// after it was submitted, so windows and hours are judged at completion.
func (ev TransactionEvent) at() time.Time {
	if ev.Transfer.CompletedAt != nil && !ev.Transfer.CompletedAt.IsZero() {
		return *ev.Transfer.CompletedAt
	}
	return ev.Transfer.CreatedAt
}

// TransactionEngine evaluates succeeded transfers, and failed ones for the
// burst rule.
type TransactionEngine struct {
	history   TransferHistory
	cfg       TransactionConfig
	blacklist map[string]struct{}
	succeeded []rule[TransactionEvent]
	failed    []rule[TransactionEvent]
	logger    *slog.Logger
}

func NewTransactionEngine(history TransferHistory, cfg TransactionConfig, logger *slog.Logger) *TransactionEngine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	e := &TransactionEngine{
		history:   history,
		cfg:       cfg,
		blacklist: make(map[string]struct{}, len(cfg.BlacklistedIPs)),
		logger:    logger.With("component", "transaction_rules"),
	}
	for _, ip := range cfg.BlacklistedIPs {
		e.blacklist[strings.TrimSpace(ip)] = struct{}{}
	}
	e.succeeded = []rule[TransactionEvent]{
		{domain.LabelLargeTransaction, e.largeTransaction},
		{domain.LabelStatisticalOutlier, e.statisticalOutlier},
		{domain.LabelNewBeneficiary, e.newBeneficiary},
		{domain.LabelRapidRepetition, e.rapidRepetition},
		{domain.LabelVelocity, e.velocity},
		{domain.LabelUnusualTransactionHour, e.unusualHour},
		{domain.LabelBlacklistedIP, e.blacklistedIP},
		{domain.LabelAnonymizingNetwork, e.anonymizingNetwork},
		{domain.LabelGeoVelocity, e.geoVelocity},
	}
	e.failed = []rule[TransactionEvent]{
		{domain.LabelFailedTransferBurst, e.failedBurst},
	}
	return e
}

func (e *TransactionEngine) Evaluate(ctx context.Context, ev TransactionEvent) []Candidate {
	return e.run(ctx, e.succeeded, ev)
}

func (e *TransactionEngine) EvaluateFailure(ctx context.Context, ev TransactionEvent) []Candidate {
	return e.run(ctx, e.failed, ev)
}

func (e *TransactionEngine) run(ctx context.Context, rules []rule[TransactionEvent], ev TransactionEvent) []Candidate {
	if ev.OwnerID == "" {
		ev.OwnerID = ev.Meta.UserID
	}
	if ev.OwnerID == "" {
		if acc, err := e.history.GetAccount(ctx, ev.Transfer.SenderAccountID); err == nil {
			ev.OwnerID = acc.OwnerID
		}
	}
	out := runRules(ctx, e.logger, rules, ev)
	for i := range out {
		c := &out[i]
		c.UserID = strPtr(ev.OwnerID)
		c.AccountID = strPtr(ev.Transfer.SenderAccountID)
		c.Principal = ev.Meta.Principal
		c.IP = ev.Meta.IP
		c.Country = ev.Country
		c.At = ev.at()
		if c.Evidence == nil {
			c.Evidence = domain.Evidence{}
		}
		c.Evidence["transfer_id"] = ev.Transfer.ID.String()
		c.Evidence["sender_account"] = ev.Transfer.SenderAccountID
		c.Evidence["receiver_account"] = ev.Transfer.ReceiverAccountID
	}
	return out
}

func (e *TransactionEngine) largeTransaction(ctx context.Context, ev TransactionEvent) (*Candidate, error) {
	if ev.Transfer.Amount.LessThan(e.cfg.LargeThreshold) {
		return nil, nil
	}
	return &Candidate{
		Severity: domain.SeverityMedium,
		Evidence: domain.Evidence{
			"amount":    ev.Transfer.Amount.StringFixed(2),
			"threshold": e.cfg.LargeThreshold.StringFixed(2),
		},
	}, nil
}

// statisticalOutlier compares against the trailing average of earlier
// transfers; the transfer under evaluation is left out of the average.
func (e *TransactionEngine) statisticalOutlier(ctx context.Context, ev TransactionEvent) (*Candidate, error) {
	stats, err := e.history.SenderWindow(ctx, ev.Transfer.SenderAccountID, ev.at().Add(-e.cfg.OutlierWindow), ev.Transfer.ID)
	if err != nil || stats.Count == 0 {
		return nil, err
	}
	avg := stats.Total.Div(decimal.NewFromInt(int64(stats.Count)))
	if ev.Transfer.Amount.LessThan(avg.Mul(e.cfg.OutlierMultiplier)) {
		return nil, nil
	}
	return &Candidate{
		Severity: domain.SeverityMedium,
		Evidence: domain.Evidence{
			"amount":      ev.Transfer.Amount.StringFixed(2),
			"average_30d": avg.StringFixed(2),
			"multiplier":  e.cfg.OutlierMultiplier.String(),
		},
	}, nil
}

func (e *TransactionEngine) newBeneficiary(ctx context.Context, ev TransactionEvent) (*Candidate, error) {
	prior, err := e.history.HasPriorTransfer(ctx, ev.Transfer.SenderAccountID, ev.Transfer.ReceiverAccountID, ev.Transfer.ID)
	if err != nil || prior {
		return nil, err
	}
	return &Candidate{Severity: domain.SeverityMedium, Evidence: domain.Evidence{}}, nil
}

func (e *TransactionEngine) rapidRepetition(ctx context.Context, ev TransactionEvent) (*Candidate, error) {
	since := ev.at().Add(-e.cfg.RapidWindow)
	stats, err := e.history.SenderWindow(ctx, ev.Transfer.SenderAccountID, since, uuid.Nil)
	if err != nil || stats.Count < e.cfg.RapidCount {
		return nil, err
	}
	dup, err := e.history.IncidentExists(ctx, store.IncidentFilter{
		Label: domain.LabelRapidRepetition, AccountID: ev.Transfer.SenderAccountID, Since: since,
	})
	if err != nil || dup {
		return nil, err
	}
	return &Candidate{
		Severity: domain.SeverityMedium,
		Evidence: domain.Evidence{
			"count":          stats.Count,
			"window_minutes": int(e.cfg.RapidWindow.Minutes()),
		},
	}, nil
}

func (e *TransactionEngine) velocity(ctx context.Context, ev TransactionEvent) (*Candidate, error) {
	since := ev.at().Add(-e.cfg.VelocityWindow)
	stats, err := e.history.SenderWindow(ctx, ev.Transfer.SenderAccountID, since, uuid.Nil)
	if err != nil {
		return nil, err
	}
	if stats.Count < e.cfg.VelocityCount && stats.Total.LessThan(e.cfg.VelocityAmount) {
		return nil, nil
	}
	dup, err := e.history.IncidentExists(ctx, store.IncidentFilter{
		Label: domain.LabelVelocity, AccountID: ev.Transfer.SenderAccountID, Since: since,
	})
	if err != nil || dup {
		return nil, err
	}
	return &Candidate{
		Severity: domain.SeverityHigh,
		Evidence: domain.Evidence{
			"count_15m":        stats.Count,
			"amount_15m":       stats.Total.StringFixed(2),
			"count_threshold":  e.cfg.VelocityCount,
			"amount_threshold": e.cfg.VelocityAmount.StringFixed(2),
		},
	}, nil
}

func (e *TransactionEngine) unusualHour(ctx context.Context, ev TransactionEvent) (*Candidate, error) {
	hour := ev.at().In(e.cfg.Location).Hour()
	if hour >= e.cfg.UnusualHourEnd {
		return nil, nil
	}
	return &Candidate{Severity: domain.SeverityLow, Evidence: domain.Evidence{"hour": hour}}, nil
}

func (e *TransactionEngine) blacklistedIP(ctx context.Context, ev TransactionEvent) (*Candidate, error) {
	if ev.Meta.IP == "" {
		return nil, nil
	}
	if _, ok := e.blacklist[ev.Meta.IP]; !ok {
		return nil, nil
	}
	return &Candidate{Severity: domain.SeverityHigh, Evidence: domain.Evidence{"ip": ev.Meta.IP}}, nil
}

func (e *TransactionEngine) anonymizingNetwork(ctx context.Context, ev TransactionEvent) (*Candidate, error) {
	headers := strings.ToLower(strings.Join([]string{ev.Meta.Via, ev.Meta.ForwardedFor, ev.Meta.TorExit}, " "))
	if ev.Meta.TorExit == "" && !strings.Contains(headers, "tor") && !strings.Contains(headers, "vpn") {
		return nil, nil
	}
	return &Candidate{
		Severity: domain.SeverityMedium,
		Evidence: domain.Evidence{"via": strings.TrimSpace(headers)},
	}, nil
}

func (e *TransactionEngine) geoVelocity(ctx context.Context, ev TransactionEvent) (*Candidate, error) {
	if ev.Country == "" || ev.OwnerID == "" {
		return nil, nil
	}
	last, err := e.history.LastSuccessForUser(ctx, ev.OwnerID, ev.at().Add(-e.cfg.GeoWindow))
	if err != nil || last == nil || last.Country == ev.Country {
		return nil, err
	}
	return &Candidate{
		Severity: domain.SeverityHigh,
		Evidence: domain.Evidence{
			"previous_country":    last.Country,
			"new_country":         ev.Country,
			"minutes_since_login": int(ev.at().Sub(last.CreatedAt).Round(time.Minute).Minutes()),
		},
	}, nil
}

func (e *TransactionEngine) failedBurst(ctx context.Context, ev TransactionEvent) (*Candidate, error) {
	since := ev.at().Add(-e.cfg.FailureWindow)
	n, err := e.history.CountFailedTransfers(ctx, ev.Transfer.SenderAccountID, since)
	if err != nil || n < e.cfg.FailureBurst {
		return nil, err
	}
	dup, err := e.history.IncidentExists(ctx, store.IncidentFilter{
		Label: domain.LabelFailedTransferBurst, AccountID: ev.Transfer.SenderAccountID, Since: since,
	})
	if err != nil || dup {
		return nil, err
	}
	return &Candidate{
		Severity: domain.SeverityMedium,
		Evidence: domain.Evidence{
			"failed_count":   n,
			"window_minutes": int(e.cfg.FailureWindow.Minutes()),
			"last_reason":    ev.Transfer.FailureReason,
		},
	}, nil
}

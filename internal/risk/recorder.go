package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
)

var incidentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledgerguard_incidents_total",
	Help: "Incidents persisted, labeled by rule label and resolved severity",
}, []string{"label", "severity"})

type IncidentWriter interface {
	InsertIncident(ctx context.Context, incident *domain.Incident) error
	SetIncidentAdvisory(ctx context.Context, id uuid.UUID, text string) error
}

// Advisor produces optional human-readable guidance for an incident.
type Advisor interface {
	Advise(ctx context.Context, incident domain.Incident) (string, error)
}

// Recorder resolves candidates into incidents and persists them. Nothing it
// does is allowed to fail the event that produced the candidate.
type Recorder struct {
	store       IncidentWriter
	advisor     Advisor
	minSeverity domain.Severity
	attempts    int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

type RecorderOption func(*Recorder)

func WithAdvisor(a Advisor, minSeverity domain.Severity) RecorderOption {
	return func(r *Recorder) {
		r.advisor = a
		r.minSeverity = minSeverity
	}
}

// WithRetry sets how many insert attempts are made and the backoff bounds.
func WithRetry(attempts int, base, max time.Duration) RecorderOption {
	return func(r *Recorder) {
		r.attempts = attempts
		r.baseDelay = base
		r.maxDelay = max
	}
}

func NewRecorder(store IncidentWriter, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:       store,
		minSeverity: domain.SeverityHigh,
		attempts:    4,
		baseDelay:   50 * time.Millisecond,
		maxDelay:    time.Second,
		sleep:       sleepCtx,
		logger:      logger.With("component", "incident_recorder"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record resolves and persists every candidate, returning the incidents that
// were stored.
func (r *Recorder) Record(ctx context.Context, candidates []Candidate) []domain.Incident {
	var out []domain.Incident
	for _, c := range candidates {
		in, ok := r.record(ctx, c)
		if ok {
			out = append(out, in)
		}
	}
	return out
}

func (r *Recorder) record(ctx context.Context, c Candidate) (domain.Incident, bool) {
	res := Resolve([]Signal{{Label: c.Label, Severity: c.Severity}}, c.Evidence)
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	in := domain.Incident{
		ID:        uuid.New(),
		UserID:    c.UserID,
		AccountID: c.AccountID,
		Principal: c.Principal,
		IP:        c.IP,
		Country:   c.Country,
		Label:     c.Label,
		Severity:  res.Severity,
		Action:    res.Action,
		Evidence:  c.Evidence,
		CreatedAt: at,
	}
	if in.Evidence == nil {
		in.Evidence = domain.Evidence{}
	}

	if err := r.insert(ctx, &in); err != nil {
		r.logger.Error("dropping incident after retries",
			"label", in.Label, "severity", in.Severity, "ip", in.IP, "error", err)
		return in, false
	}
	incidentsTotal.WithLabelValues(string(in.Label), string(in.Severity)).Inc()
	r.logger.Info("incident recorded",
		"incident_id", in.ID, "label", in.Label, "severity", in.Severity, "action", in.Action)

	if r.advisor != nil && in.Severity.Rank() >= r.minSeverity.Rank() {
		r.advise(ctx, &in)
	}
	return in, true
}

func (r *Recorder) insert(ctx context.Context, in *domain.Incident) error {
	delay := r.baseDelay
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = r.store.InsertIncident(ctx, in); err == nil {
			return nil
		}
		if attempt == r.attempts {
			break
		}
		r.logger.Warn("incident insert failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		if serr := r.sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
	return err
}

func (r *Recorder) advise(ctx context.Context, in *domain.Incident) {
	text, err := r.advisor.Advise(ctx, *in)
	if err != nil {
		r.logger.Warn("advisory generation failed", "incident_id", in.ID, "error", err)
		return
	}
	if text == "" {
		return
	}
	if err := r.store.SetIncidentAdvisory(ctx, in.ID, text); err != nil {
		r.logger.Warn("failed to store advisory", "incident_id", in.ID, "error", err)
		return
	}
	in.Advisory = &text
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

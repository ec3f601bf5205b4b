package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/store"
)

var ruleFaults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledgerguard_risk_rule_faults_total",
	Help: "Rule evaluator errors and panics, treated as the rule not firing",
}, []string{"rule"})

// Candidate is an incident a rule wants to raise, before resolution.
type Candidate struct {
	Label     domain.Label
	Severity  domain.Severity
	UserID    *string
	AccountID *string
	Principal string
	IP        string
	Country   string
	Evidence  domain.Evidence
	// At is the time of the triggering event; it becomes the incident time so
	// window de-duplication stays consistent with the rule windows.
	At time.Time
}

// IncidentChecker is the de-duplication read every windowed rule needs.
type IncidentChecker interface {
	IncidentExists(ctx context.Context, filter store.IncidentFilter) (bool, error)
}

type rule[E any] struct {
	label domain.Label
	eval  func(ctx context.Context, event E) (*Candidate, error)
}

// runRules evaluates every rule against event. A rule that errors or panics
// is logged, counted and skipped; the others still run.
func runRules[E any](ctx context.Context, logger *slog.Logger, rules []rule[E], event E) []Candidate {
	var out []Candidate
	for _, r := range rules {
		c, err := safeEval(ctx, r, event)
		if err != nil {
			ruleFaults.WithLabelValues(string(r.label)).Inc()
			logger.Error("risk rule failed", "rule", r.label, "error", err)
			continue
		}
		if c != nil {
			c.Label = r.label
			out = append(out, *c)
		}
	}
	return out
}

func safeEval[E any](ctx context.Context, r rule[E], event E) (c *Candidate, err error) {
	defer func() {
		if p := recover(); p != nil {
			c, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return r.eval(ctx, event)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

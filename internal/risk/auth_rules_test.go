package risk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/logging"
	"github.com/punchamoorthee/ledgerguard/internal/store"
)

type geoStub map[string]string

func (g geoStub) Country(ctx context.Context, ip string) (string, error) {
	if c, ok := g[ip]; ok {
		return c, nil
	}
	return "", errors.New("lookup failed")
}

var base = time.Date(2026, 5, 11, 14, 0, 0, 0, time.UTC)

func newAuthMonitor(t *testing.T, geo GeoResolver) (*AuthMonitor, *store.Memory) {
	t.Helper()
	repo := store.NewMemory()
	logger := logging.Discard()
	engine := NewAuthEngine(repo, DefaultAuthConfig(), logger)
	return NewAuthMonitor(repo, engine, NewRecorder(repo, logger), geo, logger), repo
}

func record(t *testing.T, m *AuthMonitor, in AttemptInput) []domain.Incident {
	t.Helper()
	_, incidents, err := m.Record(context.Background(), in)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	return incidents
}

func labels(incidents []domain.Incident) map[domain.Label]int {
	out := map[domain.Label]int{}
	for _, in := range incidents {
		out[in.Label]++
	}
	return out
}

func TestAuth_BruteForceFiresOnceAcrossIPs(t *testing.T) {
	m, repo := newAuthMonitor(t, nil)
	for i := 0; i < 7; i++ {
		record(t, m, AttemptInput{
			Principal: "alice@x.com",
			IP:        fmt.Sprintf("203.0.113.%d", i+1),
			At:        base.Add(time.Duration(i) * time.Minute),
		})
	}

	got, err := repo.ListIncidents(context.Background(), store.IncidentFilter{Label: domain.LabelBruteForce})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("brute_force incidents=%d want 1", len(got))
	}
	if got[0].Severity != domain.SeverityHigh || got[0].Action != domain.ActionFreeze {
		t.Fatalf("severity=%s action=%s", got[0].Severity, got[0].Action)
	}
	if n := got[0].Evidence["failed_attempts"]; n != 5 {
		t.Fatalf("failed_attempts=%v want 5", n)
	}
	stuffing, _ := repo.ListIncidents(context.Background(), store.IncidentFilter{Label: domain.LabelCredentialStuffing})
	if len(stuffing) != 0 {
		t.Fatalf("credential stuffing fired with one failure per IP")
	}
}

func TestAuth_BruteForceNeedsFiveInWindow(t *testing.T) {
	m, _ := newAuthMonitor(t, nil)
	for i := 0; i < 5; i++ {
		incidents := record(t, m, AttemptInput{
			Principal: "bob@x.com",
			IP:        "198.51.100.1",
			// 4 minutes apart: never 5 inside 10 minutes
			At: base.Add(time.Duration(i) * 4 * time.Minute),
		})
		if labels(incidents)[domain.LabelBruteForce] != 0 {
			t.Fatalf("brute force fired on attempt %d", i+1)
		}
	}
}

func TestAuth_CredentialStuffing(t *testing.T) {
	m, _ := newAuthMonitor(t, nil)
	targets := []string{"a@x.com", "b@x.com", "c@x.com", "a@x.com", "b@x.com"}
	var fired []domain.Incident
	for i, p := range targets {
		incidents := record(t, m, AttemptInput{Principal: p, IP: "192.0.2.50", At: base.Add(time.Duration(i) * time.Minute)})
		fired = append(fired, incidents...)
	}
	// one more failure in the window must not duplicate
	fired = append(fired, record(t, m, AttemptInput{Principal: "d@x.com", IP: "192.0.2.50", At: base.Add(6 * time.Minute)})...)

	if n := labels(fired)[domain.LabelCredentialStuffing]; n != 1 {
		t.Fatalf("credential_stuffing=%d want 1", n)
	}
}

func TestAuth_ImpossibleTravelAndNewCountry(t *testing.T) {
	geo := geoStub{"198.51.100.7": "JO", "203.0.113.9": "DE"}
	m, _ := newAuthMonitor(t, geo)

	first := record(t, m, AttemptInput{UserID: "u1", Principal: "carol@x.com", IP: "198.51.100.7", UserAgent: "ua-1", Successful: true, At: base})
	if len(first) != 0 {
		t.Fatalf("first login raised %v", labels(first))
	}

	second := record(t, m, AttemptInput{UserID: "u1", Principal: "carol@x.com", IP: "203.0.113.9", UserAgent: "ua-1", Successful: true, At: base.Add(40 * time.Minute)})
	got := labels(second)
	if got[domain.LabelImpossibleTravel] != 1 || got[domain.LabelNewCountryDevice] != 1 {
		t.Fatalf("labels=%v", got)
	}
	for _, in := range second {
		if in.Label == domain.LabelImpossibleTravel && (in.Severity != domain.SeverityHigh || in.Country != "DE") {
			t.Fatalf("impossible travel incident=%+v", in)
		}
	}

	// back home two hours later: a country change but not impossible
	third := record(t, m, AttemptInput{UserID: "u1", Principal: "carol@x.com", IP: "198.51.100.7", UserAgent: "ua-1", Successful: true, At: base.Add(3 * time.Hour)})
	if n := len(third); n != 0 {
		t.Fatalf("third login raised %v", labels(third))
	}
}

func TestAuth_UnknownCountrySkipsGeoRules(t *testing.T) {
	m, _ := newAuthMonitor(t, geoStub{"198.51.100.7": "JO"})
	record(t, m, AttemptInput{Principal: "dan@x.com", IP: "198.51.100.7", Successful: true, At: base})
	incidents := record(t, m, AttemptInput{Principal: "dan@x.com", IP: "10.0.0.9", Successful: true, At: base.Add(time.Minute)})
	if len(incidents) != 0 {
		t.Fatalf("labels=%v", labels(incidents))
	}
}

func TestAuth_UnusualHourUsesConfiguredZone(t *testing.T) {
	repo := store.NewMemory()
	amman, err := time.LoadLocation("Asia/Amman")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	cfg := DefaultAuthConfig()
	cfg.Location = amman
	engine := NewAuthEngine(repo, cfg, logging.Discard())
	m := NewAuthMonitor(repo, engine, NewRecorder(repo, logging.Discard()), nil, logging.Discard())

	// 23:30 UTC is after midnight in Amman
	incidents := record(t, m, AttemptInput{Principal: "erin@x.com", Successful: true, At: time.Date(2026, 5, 11, 23, 30, 0, 0, time.UTC)})
	if labels(incidents)[domain.LabelUnusualLoginHour] != 1 {
		t.Fatalf("labels=%v", labels(incidents))
	}
	incidents = record(t, m, AttemptInput{Principal: "erin@x.com", Successful: true, At: time.Date(2026, 5, 11, 8, 0, 0, 0, time.UTC)})
	if labels(incidents)[domain.LabelUnusualLoginHour] != 0 {
		t.Fatalf("daytime login flagged")
	}
}

func TestAuth_SharedIPAbuse(t *testing.T) {
	m, _ := newAuthMonitor(t, nil)
	var fired []domain.Incident
	for i := 0; i < 6; i++ {
		fired = append(fired, record(t, m, AttemptInput{
			Principal:  fmt.Sprintf("user%d@x.com", i),
			IP:         "192.0.2.77",
			Successful: true,
			At:         base.Add(time.Duration(i) * 5 * time.Minute),
		})...)
	}
	if n := labels(fired)[domain.LabelSharedIPAbuse]; n != 1 {
		t.Fatalf("shared_ip_abuse=%d want 1", n)
	}
}

type faultyHistory struct {
	*store.Memory
}

func (faultyHistory) CountFailuresByPrincipal(ctx context.Context, principal string, since time.Time) (int, error) {
	panic("boom")
}

func (faultyHistory) FailuresByIP(ctx context.Context, ip string, since time.Time) (int, []string, error) {
	return 0, nil, errors.New("db down")
}

func TestAuth_RuleFaultsDoNotStopOtherRules(t *testing.T) {
	repo := store.NewMemory()
	engine := NewAuthEngine(faultyHistory{repo}, DefaultAuthConfig(), logging.Discard())
	// 03:00 UTC triggers the unusual hour rule
	out := engine.Evaluate(context.Background(), domain.AuthAttempt{
		Principal: "frank@x.com",
		IP:        "192.0.2.1",
		CreatedAt: time.Date(2026, 5, 11, 3, 0, 0, 0, time.UTC),
	})
	if len(out) != 1 || out[0].Label != domain.LabelUnusualLoginHour {
		t.Fatalf("candidates=%+v", out)
	}
}

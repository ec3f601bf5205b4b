// Package risk turns login attempts and committed transfers into incidents.
// Rule evaluators are windowed reads over stored history; they never fail the
// event that triggered them.
package risk

import (
	"sort"
	"strings"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
)

// Signal is one triggered rule.
type Signal struct {
	Label    domain.Label
	Severity domain.Severity
}

type Resolution struct {
	Label    domain.Label
	Severity domain.Severity
	Action   domain.Action
}

var explicitFraudTerms = []string{"fraud", "malicious"}

// requestEchoKeys hold text copied verbatim from the triggering request. A
// caller could put a fraud term there, so their values never escalate.
var requestEchoKeys = map[string]struct{}{
	"principal":   {},
	"principals":  {},
	"user_agent":  {},
	"via":         {},
	"fingerprint": {},
	"ip":          {},
	"path":        {},
	"reference":   {},
	"actor":       {},
}

// Resolve picks the highest severity among signals, the first one winning a
// tie, and maps it to an action. An explicit fraud term in a label, an
// evidence key or a rule-authored evidence value escalates to terminate. With
// no signals it resolves to low and monitor.
func Resolve(signals []Signal, evidence domain.Evidence) Resolution {
	res := Resolution{Severity: domain.SeverityLow}
	best := 0
	for _, s := range signals {
		if r := s.Severity.Rank(); r > best {
			best = r
			res.Label = s.Label
			res.Severity = s.Severity
		}
	}
	if best == 0 && len(signals) > 0 {
		res.Label = signals[0].Label
	}

	explicit := false
	for _, s := range signals {
		if mentionsFraud(string(s.Label)) {
			explicit = true
			break
		}
	}
	if !explicit {
		explicit = evidenceMentionsFraud(evidence)
	}

	res.Action = actionFor(res.Severity, explicit)
	return res
}

func actionFor(sev domain.Severity, explicitFraud bool) domain.Action {
	if explicitFraud || sev == domain.SeverityCritical {
		return domain.ActionTerminate
	}
	switch sev {
	case domain.SeverityHigh:
		return domain.ActionFreeze
	case domain.SeverityMedium:
		return domain.ActionBlock
	}
	return domain.ActionMonitor
}

func mentionsFraud(s string) bool {
	s = strings.ToLower(s)
	for _, term := range explicitFraudTerms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}

func evidenceMentionsFraud(evidence map[string]any) bool {
	keys := make([]string, 0, len(evidence))
	for k := range evidence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if mentionsFraud(k) {
			return true
		}
		if _, echoed := requestEchoKeys[k]; echoed {
			continue
		}
		if valueMentionsFraud(evidence[k]) {
			return true
		}
	}
	return false
}

func valueMentionsFraud(v any) bool {
	switch val := v.(type) {
	case string:
		return mentionsFraud(val)
	case []string:
		for _, s := range val {
			if mentionsFraud(s) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if valueMentionsFraud(item) {
				return true
			}
		}
	case map[string]any:
		return evidenceMentionsFraud(val)
	case domain.Evidence:
		return evidenceMentionsFraud(val)
	}
	return false
}

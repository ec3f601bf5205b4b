package domain

import (
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func ParseSeverity(raw string) (Severity, bool) {
	s := Severity(raw)
	return s, s.Rank() > 0
}

type Action string

const (
	ActionMonitor   Action = "monitor"
	ActionBlock     Action = "block"
	ActionFreeze    Action = "freeze"
	ActionTerminate Action = "terminate"
)

type Label string

const (
	LabelBruteForce         Label = "brute_force"
	LabelCredentialStuffing Label = "credential_stuffing"
	LabelImpossibleTravel   Label = "impossible_travel"
	LabelNewCountryDevice   Label = "new_country_device"
	LabelUnusualLoginHour   Label = "unusual_login_hour"
	LabelSharedIPAbuse      Label = "shared_ip_abuse"

	LabelLargeTransaction       Label = "large_transaction"
	LabelStatisticalOutlier     Label = "statistical_outlier"
	LabelNewBeneficiary         Label = "new_beneficiary"
	LabelRapidRepetition        Label = "rapid_repetition"
	LabelVelocity               Label = "velocity"
	LabelUnusualTransactionHour Label = "unusual_transaction_hour"
	LabelBlacklistedIP          Label = "blacklisted_ip"
	LabelAnonymizingNetwork     Label = "anonymizing_network"
	LabelGeoVelocity            Label = "geo_velocity"

	LabelFailedOTP           Label = "failed_otp"
	LabelOTPLockout          Label = "otp_lockout"
	LabelFailedTransferBurst Label = "failed_transfer_burst"
	LabelRateLimited         Label = "rate_limited"
	LabelAdminAction         Label = "admin_action"
)

// Evidence is the structured payload attached to an incident.
type Evidence map[string]any

// AuthAttempt is an append-only login event.
type AuthAttempt struct {
	ID            uuid.UUID `json:"id"`
	UserID        *string   `json:"user_id,omitempty"`
	Principal     string    `json:"principal"`
	IP            string    `json:"ip"`
	Country       string    `json:"country"`
	UserAgent     string    `json:"user_agent"`
	Fingerprint   string    `json:"fingerprint"`
	Successful    bool      `json:"successful"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Source        string    `json:"source,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Incident is an append-only risk record. Only the advisory text is filled
// in after the fact.
type Incident struct {
	ID        uuid.UUID `json:"id"`
	UserID    *string   `json:"user_id,omitempty"`
	AccountID *string   `json:"account_id,omitempty"`
	Principal string    `json:"principal,omitempty"`
	IP        string    `json:"ip"`
	Country   string    `json:"country"`
	Label     Label     `json:"label"`
	Severity  Severity  `json:"severity"`
	Action    Action    `json:"action"`
	Evidence  Evidence  `json:"evidence"`
	Advisory  *string   `json:"advisory,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ChallengePurpose string

const (
	PurposeLogin             ChallengePurpose = "login"
	PurposeHighValueTransfer ChallengePurpose = "high_value_transfer"
)

// Challenge is a single-use one-time-passcode gate. Only the bcrypt hash of
// the code is ever stored.
type Challenge struct {
	ID                uuid.UUID        `json:"id"`
	Purpose           ChallengePurpose `json:"purpose"`
	Reference         string           `json:"reference"`
	Destination       string           `json:"-"`
	CodeHash          string           `json:"-"`
	ExpiresAt         time.Time        `json:"expires_at"`
	RemainingAttempts int              `json:"remaining_attempts"`
	Verified          bool             `json:"verified"`
	Invalidated       bool             `json:"invalidated"`
	CreatedAt         time.Time        `json:"created_at"`
	VerifiedAt        *time.Time       `json:"verified_at,omitempty"`
}

// Open reports whether the challenge can still accept a code at now.
func (c *Challenge) Open(now time.Time) bool {
	return !c.Verified && !c.Invalidated && now.Before(c.ExpiresAt) && c.RemainingAttempts > 0
}

type ChallengeOutcome string

const (
	OutcomeVerified ChallengeOutcome = "verified"
	OutcomeInvalid  ChallengeOutcome = "invalid"
	OutcomeExpired  ChallengeOutcome = "expired"
	OutcomeLocked   ChallengeOutcome = "locked"
	OutcomeUsed     ChallengeOutcome = "used"
)

// RequestMeta is the originating request context that rule engines read.
type RequestMeta struct {
	IP           string `json:"ip"`
	UserAgent    string `json:"user_agent,omitempty"`
	Via          string `json:"via,omitempty"`
	ForwardedFor string `json:"forwarded_for,omitempty"`
	TorExit      string `json:"tor_exit,omitempty"`
	Principal    string `json:"principal,omitempty"`
	UserID       string `json:"user_id,omitempty"`
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/models"
	"github.com/punchamoorthee/ledgerguard/internal/ratelimit"
	"github.com/punchamoorthee/ledgerguard/internal/risk"
	"github.com/punchamoorthee/ledgerguard/internal/service"
	"github.com/punchamoorthee/ledgerguard/internal/store"
)

var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerguard_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerguard_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Store is the read and admin surface of the repository used by handlers.
// Balance changes never go through it.
type Store interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	SetAccountActive(ctx context.Context, id string, active bool) error
	GetTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	ListTransfers(ctx context.Context, accountID string, limit int) ([]domain.Transfer, error)
	GetChallenge(ctx context.Context, id uuid.UUID) (*domain.Challenge, error)
	ListIncidents(ctx context.Context, filter store.IncidentFilter) ([]domain.Incident, error)
	ListAuthAttempts(ctx context.Context, filter store.AttemptFilter) ([]domain.AuthAttempt, error)
	Ping(ctx context.Context) error
}

type TransferGate interface {
	Submit(ctx context.Context, req service.TransferRequest, destination string) (*service.SubmitResult, error)
	Reissue(ctx context.Context, transferID uuid.UUID, destination string) (*domain.Challenge, error)
	Verify(ctx context.Context, challengeID uuid.UUID, code string, meta domain.RequestMeta) (*service.VerifyResult, error)
}

type AttemptRecorder interface {
	Record(ctx context.Context, in risk.AttemptInput) (*domain.AuthAttempt, []domain.Incident, error)
}

// AccessObserver receives the security events the HTTP layer raises itself.
type AccessObserver interface {
	RateLimited(ctx context.Context, meta domain.RequestMeta, scope, path string)
	AdminAction(ctx context.Context, meta domain.RequestMeta, action, accountID string, evidence domain.Evidence)
}

type LimitResolver interface {
	LimitFor(t domain.AccountType) decimal.Decimal
}

type Config struct {
	JWTSecret          string
	InternalAPIKey     string
	AllowedOrigins     []string
	TransferRatePerMin int
	VerifyRatePerMin   int
}

type Handler struct {
	store    Store
	gate     TransferGate
	attempts AttemptRecorder
	access   AccessObserver
	limiter  ratelimit.Limiter
	limits   LimitResolver
	cfg      Config
	logger   *slog.Logger
}

func NewHandler(s Store, gate TransferGate, attempts AttemptRecorder, access AccessObserver, limiter ratelimit.Limiter, limits LimitResolver, cfg Config, logger *slog.Logger) *Handler {
	return &Handler{
		store:    s,
		gate:     gate,
		attempts: attempts,
		access:   access,
		limiter:  limiter,
		limits:   limits,
		cfg:      cfg,
		logger:   logger.With("component", "api"),
	}
}

func (h *Handler) account(a domain.Account) models.Account {
	return models.NewAccount(a, h.limits.LimitFor(a.Type))
}

// writeError maps core errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: verr.Reason, Field: verr.Field})
	case errors.Is(err, domain.ErrUnsupportedCurrency),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrIdempotencyMismatch):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrTransferNotFound),
		errors.Is(err, domain.ErrChallengeNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrConcurrencyTimeout):
		w.Header().Set("Retry-After", "1")
		respondJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{Error: err.Error(), Retryable: true})
	case errors.Is(err, domain.ErrTransferNotAwaiting),
		errors.Is(err, domain.ErrConfirmationRequired),
		errors.Is(err, domain.ErrChallengeUsed):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrChallengeMismatch):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrChallengeExpired):
		respondError(w, http.StatusGone, err.Error())
	case errors.Is(err, domain.ErrChallengeLocked):
		respondError(w, http.StatusLocked, err.Error())
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, models.ErrorResponse{Error: msg})
}

// statusRecorder captures the status code for the request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func statusLabel(code int) string {
	if code == 0 {
		code = http.StatusOK
	}
	return strconv.Itoa(code)
}

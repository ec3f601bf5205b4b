package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/punchamoorthee/ledgerguard/internal/currency"
	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/logging"
	"github.com/punchamoorthee/ledgerguard/internal/models"
	"github.com/punchamoorthee/ledgerguard/internal/ratelimit"
	"github.com/punchamoorthee/ledgerguard/internal/risk"
	"github.com/punchamoorthee/ledgerguard/internal/service"
	"github.com/punchamoorthee/ledgerguard/internal/store"
)

const (
	testSecret = "test-secret"
	testAPIKey = "internal-key"
)

type codeSink struct {
	mu    sync.Mutex
	codes map[string]string
}

func (s *codeSink) SendCode(ctx context.Context, destination, code string, purpose domain.ChallengePurpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[destination] = code
	return nil
}

func (s *codeSink) code(destination string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[destination]
}

type apiFixture struct {
	router http.Handler
	repo   *store.Memory
	codes  *codeSink
}

func newAPIFixture(t *testing.T, cfg Config) *apiFixture {
	t.Helper()
	logger := logging.Discard()
	repo := store.NewMemory()
	conv, err := currency.NewConverter(currency.DefaultRates())
	if err != nil {
		t.Fatal(err)
	}
	engine := service.NewEngine(repo, conv, service.NewPostCommitQueue(0, 0, logger), service.LedgerConfig{
		FeeFlat:               decimal.Zero,
		FeePercent:            decimal.Zero,
		DefaultLimit:          decimal.RequireFromString("10000.00"),
		ConfirmationThreshold: decimal.RequireFromString("500.00"),
	}, logger)
	codes := &codeSink{codes: map[string]string{}}
	recorder := risk.NewRecorder(repo, logger)
	access := risk.NewAccessMonitor(recorder, nil, logger)
	gate := service.NewGate(engine, repo, codes, service.GateConfig{
		TTL: 5 * time.Minute, MaxAttempts: 3, BcryptCost: bcrypt.MinCost,
	}, logger, service.WithChallengeObserver(access))
	auth := risk.NewAuthMonitor(repo, risk.NewAuthEngine(repo, risk.DefaultAuthConfig(), logger), recorder, nil, logger)

	cfg.JWTSecret = testSecret
	cfg.InternalAPIKey = testAPIKey
	h := NewHandler(repo, gate, auth, access, ratelimit.NewLocal(), engine, cfg, logger)
	return &apiFixture{router: NewRouter(h), repo: repo, codes: codes}
}

func (f *apiFixture) account(t *testing.T, id, owner string, typ domain.AccountType, cur domain.Currency, balance string) {
	t.Helper()
	err := f.repo.CreateAccount(context.Background(), &domain.Account{
		ID: id, OwnerID: owner, Type: typ, Currency: cur, Balance: decimal.RequireFromString(balance), Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	claims := Claims{
		Role:  role,
		Email: subject + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func (f *apiFixture) do(t *testing.T, method, path, bearer string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:5555"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, Config{})
	if rec := f.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestAuthentication(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.account(t, "100000000001", "user-1", domain.AccountSavings, domain.CurrencyJOD, "10.00")

	if rec := f.do(t, http.MethodGet, "/api/v1/accounts/100000000001", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status=%d", rec.Code)
	}

	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if rec := f.do(t, http.MethodGet, "/api/v1/accounts/100000000001", unsigned, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("alg none: status=%d", rec.Code)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/accounts/100000000001", token(t, "user-2", ""), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("other owner: status=%d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/accounts/100000000001", token(t, "user-1", ""), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner: status=%d", rec.Code)
	}
	acc := decode[models.Account](t, rec)
	if acc.Mask != "********0001" || !acc.MaximumTransferable.Equal(decimal.RequireFromString("10000")) {
		t.Fatalf("account=%+v", acc)
	}
}

func TestOpenAccount(t *testing.T) {
	f := newAPIFixture(t, Config{})
	tok := token(t, "user-1", "")

	rec := f.do(t, http.MethodPost, "/api/v1/accounts", tok, models.OpenAccountRequest{Type: domain.AccountUSD})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	acc := decode[models.Account](t, rec)
	if len(acc.ID) != 12 || acc.Currency != domain.CurrencyUSD || !acc.Balance.IsZero() {
		t.Fatalf("account=%+v", acc)
	}
	stored, err := f.repo.GetAccount(context.Background(), acc.ID)
	if err != nil || stored.OwnerID != "user-1" {
		t.Fatalf("stored=%+v err=%v", stored, err)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/accounts", tok, models.OpenAccountRequest{Type: domain.AccountEUR, Currency: "usd"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("mismatched currency: status=%d", rec.Code)
	}
	if body := decode[models.ErrorResponse](t, rec); body.Field != "currency" {
		t.Fatalf("body=%+v", body)
	}
}

func TestCreateTransfer(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.account(t, "100000000001", "user-1", domain.AccountSavings, domain.CurrencyJOD, "250.00")
	f.account(t, "100000000002", "user-2", domain.AccountSavings, domain.CurrencyJOD, "0.00")
	tok := token(t, "user-1", "")
	body := models.TransferRequest{SenderAccountID: "100000000001", ReceiverAccountID: "100000000002", Amount: "100.00"}

	rec := f.do(t, http.MethodPost, "/api/v1/transfers", tok, body, "Idempotency-Key", "k-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	first := decode[models.TransferResponse](t, rec)
	if first.Transfer.Status != domain.TransferSucceeded {
		t.Fatalf("transfer=%+v", first.Transfer)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/transfers", tok, body, "Idempotency-Key", "k-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status=%d", rec.Code)
	}
	if replay := decode[models.TransferResponse](t, rec); !replay.Replayed || replay.Transfer.ID != first.Transfer.ID {
		t.Fatalf("replay=%+v", replay)
	}

	body.Amount = "90.00"
	if rec = f.do(t, http.MethodPost, "/api/v1/transfers", tok, body, "Idempotency-Key", "k-1"); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("mismatch status=%d", rec.Code)
	}

	body.Amount = "1.001"
	rec = f.do(t, http.MethodPost, "/api/v1/transfers", tok, body)
	if rec.Code != http.StatusUnprocessableEntity || decode[models.ErrorResponse](t, rec).Field != "amount" {
		t.Fatalf("precision status=%d body=%s", rec.Code, rec.Body)
	}

	body.Amount = "500.00"
	if rec = f.do(t, http.MethodPost, "/api/v1/transfers", tok, body); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("insufficient funds status=%d", rec.Code)
	}

	body.Amount = "1.00"
	if rec = f.do(t, http.MethodPost, "/api/v1/transfers", token(t, "user-2", ""), body); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign sender status=%d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/transfers/"+first.Transfer.ID.String(), token(t, "user-2", ""), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receiver read status=%d", rec.Code)
	}
	if rec = f.do(t, http.MethodGet, "/api/v1/transfers/"+first.Transfer.ID.String(), token(t, "user-3", ""), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger read status=%d", rec.Code)
	}
}

func TestHighValueTransferConfirmation(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.account(t, "100000000001", "user-1", domain.AccountSavings, domain.CurrencyJOD, "1000.00")
	f.account(t, "100000000002", "user-2", domain.AccountUSD, domain.CurrencyUSD, "0.00")
	tok := token(t, "user-1", "")

	rec := f.do(t, http.MethodPost, "/api/v1/transfers", tok, models.TransferRequest{
		SenderAccountID: "100000000001", ReceiverAccountID: "100000000002", Amount: "600.00",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	pending := decode[models.TransferResponse](t, rec)
	if pending.ChallengeID == nil || pending.Transfer.Status != domain.TransferAwaitingConfirmation {
		t.Fatalf("pending=%+v", pending)
	}
	verifyPath := fmt.Sprintf("/api/v1/challenges/%s/verify", pending.ChallengeID)

	if rec = f.do(t, http.MethodPost, verifyPath, token(t, "user-2", ""), models.VerifyRequest{Code: "123456"}); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger verify status=%d", rec.Code)
	}

	code := f.codes.code("user-1@example.com")
	wrong := "000000"
	if code == wrong {
		wrong = "000001"
	}
	rec = f.do(t, http.MethodPost, verifyPath, tok, models.VerifyRequest{Code: wrong})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("wrong code status=%d", rec.Code)
	}
	if res := decode[models.VerifyResponse](t, rec); res.Outcome != domain.OutcomeInvalid || res.RemainingAttempts != 2 {
		t.Fatalf("wrong code=%+v", res)
	}

	rec = f.do(t, http.MethodPost, verifyPath, tok, models.VerifyRequest{Code: code})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status=%d body=%s", rec.Code, rec.Body)
	}
	res := decode[models.VerifyResponse](t, rec)
	if res.Transfer == nil || res.Transfer.Status != domain.TransferSucceeded ||
		!res.Transfer.CreditedAmount.Equal(decimal.RequireFromString("846.00")) {
		t.Fatalf("verified=%+v", res)
	}

	if rec = f.do(t, http.MethodPost, verifyPath, tok, models.VerifyRequest{Code: code}); rec.Code != http.StatusConflict {
		t.Fatalf("reuse status=%d", rec.Code)
	}

	incidents, _ := f.repo.ListIncidents(context.Background(), store.IncidentFilter{Label: domain.LabelFailedOTP})
	if len(incidents) != 1 {
		t.Fatalf("failed_otp incidents=%d", len(incidents))
	}
}

func TestRateLimitedTransfer(t *testing.T) {
	f := newAPIFixture(t, Config{TransferRatePerMin: 1})
	f.account(t, "100000000001", "user-1", domain.AccountSavings, domain.CurrencyJOD, "250.00")
	f.account(t, "100000000002", "user-2", domain.AccountSavings, domain.CurrencyJOD, "0.00")
	tok := token(t, "user-1", "")
	body := models.TransferRequest{SenderAccountID: "100000000001", ReceiverAccountID: "100000000002", Amount: "1.00"}

	if rec := f.do(t, http.MethodPost, "/api/v1/transfers", tok, body); rec.Code != http.StatusCreated {
		t.Fatalf("first status=%d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/api/v1/transfers", tok, body)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("second status=%d retry=%q", rec.Code, rec.Header().Get("Retry-After"))
	}

	incidents, _ := f.repo.ListIncidents(context.Background(), store.IncidentFilter{Label: domain.LabelRateLimited})
	if len(incidents) != 1 || incidents[0].Severity != domain.SeverityLow || incidents[0].UserID == nil || *incidents[0].UserID != "user-1" {
		t.Fatalf("incidents=%+v", incidents)
	}
}

func TestRecordAuthAttempts(t *testing.T) {
	f := newAPIFixture(t, Config{})
	attempt := models.AuthAttemptRequest{Principal: "Alice@Example.com", IP: "198.51.100.4", UserAgent: "curl/8"}

	if rec := f.do(t, http.MethodPost, "/internal/v1/auth/attempts", "", attempt); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status=%d", rec.Code)
	}

	for i := 0; i < 6; i++ {
		rec := f.do(t, http.MethodPost, "/internal/v1/auth/attempts", "", attempt, "X-Internal-API-Key", testAPIKey)
		if rec.Code != http.StatusCreated {
			t.Fatalf("attempt %d status=%d body=%s", i, rec.Code, rec.Body)
		}
		if got := decode[models.AuthAttemptResponse](t, rec); got.Attempt.Principal != "alice@example.com" {
			t.Fatalf("principal=%q", got.Attempt.Principal)
		}
	}

	incidents, _ := f.repo.ListIncidents(context.Background(), store.IncidentFilter{Label: domain.LabelBruteForce})
	if len(incidents) != 1 {
		t.Fatalf("brute_force incidents=%d", len(incidents))
	}
}

func TestAdminRoutes(t *testing.T) {
	f := newAPIFixture(t, Config{AllowedOrigins: []string{"https://ops.example.com"}})
	f.account(t, "100000000001", "user-1", domain.AccountSavings, domain.CurrencyJOD, "10.00")

	if rec := f.do(t, http.MethodGet, "/admin/v1/incidents", token(t, "user-1", ""), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin status=%d", rec.Code)
	}

	admin := token(t, "ops-1", "admin")
	rec := f.do(t, http.MethodPost, "/admin/v1/accounts/100000000001/freeze", admin, nil)
	if rec.Code != http.StatusOK || decode[models.Account](t, rec).Active {
		t.Fatalf("freeze status=%d body=%s", rec.Code, rec.Body)
	}
	if acc, _ := f.repo.GetAccount(context.Background(), "100000000001"); acc.Active {
		t.Fatal("account still active")
	}
	if rec = f.do(t, http.MethodPost, "/admin/v1/accounts/100000000001/unfreeze", admin, nil); rec.Code != http.StatusOK {
		t.Fatalf("unfreeze status=%d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/admin/v1/incidents?label=admin_action&account_id=100000000001", admin, nil)
	audit := decode[[]domain.Incident](t, rec)
	if len(audit) != 2 {
		t.Fatalf("admin_action incidents=%d, want 2", len(audit))
	}
	if audit[0].Evidence["action"] != "unfreeze_account" || audit[1].Evidence["action"] != "freeze_account" {
		t.Errorf("audit order = %v, %v", audit[0].Evidence["action"], audit[1].Evidence["action"])
	}
	if audit[1].Evidence["actor"] != "ops-1" || audit[1].Severity != domain.SeverityMedium || audit[1].UserID == nil || *audit[1].UserID != "ops-1" {
		t.Errorf("freeze incident = %+v", audit[1])
	}

	if rec = f.do(t, http.MethodGet, "/admin/v1/incidents?severity=extreme", admin, nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad severity status=%d", rec.Code)
	}
	if rec = f.do(t, http.MethodGet, "/admin/v1/auth-attempts?since=yesterday", admin, nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad since status=%d", rec.Code)
	}
	if rec = f.do(t, http.MethodGet, "/admin/v1/incidents?limit=10", admin, nil); rec.Code != http.StatusOK {
		t.Fatalf("list status=%d", rec.Code)
	}

	rec = f.do(t, http.MethodOptions, "/admin/v1/incidents", "", nil,
		"Origin", "https://ops.example.com", "Access-Control-Request-Method", "GET")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Fatalf("preflight allow-origin=%q status=%d", got, rec.Code)
	}
}

package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerguard/internal/currency"
	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/models"
	"github.com/punchamoorthee/ledgerguard/internal/service"
)

const maxListLimit = 500

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	var req models.OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if !req.Type.Valid() {
		h.writeError(w, r, domain.NewValidationError("type", "unknown account type"))
		return
	}
	cur, err := accountCurrency(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// account numbers are random; retry the rare collision
	for attempt := 0; attempt < 3; attempt++ {
		number, err := accountNumber()
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		acc := &domain.Account{
			ID:       number,
			OwnerID:  claims.Subject,
			Type:     req.Type,
			Currency: cur,
			Balance:  decimal.Zero,
			Active:   true,
		}
		err = h.store.CreateAccount(r.Context(), acc)
		if err == nil {
			h.logger.Info("account opened", "account", models.Mask(acc.ID), "owner", acc.OwnerID, "type", acc.Type)
			respondJSON(w, http.StatusCreated, h.account(*acc))
			return
		}
		if !errors.Is(err, domain.ErrValidation) {
			h.writeError(w, r, err)
			return
		}
	}
	respondError(w, http.StatusInternalServerError, "could not allocate account number")
}

// accountCurrency defaults the currency from the account type. Foreign
// currency accounts are fixed to their currency.
func accountCurrency(req models.OpenAccountRequest) (domain.Currency, error) {
	want := domain.CurrencyJOD
	switch req.Type {
	case domain.AccountUSD:
		want = domain.CurrencyUSD
	case domain.AccountEUR:
		want = domain.CurrencyEUR
	}
	if strings.TrimSpace(req.Currency) == "" {
		return want, nil
	}
	cur, err := currency.Parse(req.Currency)
	if err != nil {
		return "", err
	}
	if (req.Type == domain.AccountUSD || req.Type == domain.AccountEUR) && cur != want {
		return "", domain.NewValidationError("currency", fmt.Sprintf("%s accounts hold %s", req.Type, want))
	}
	return cur, nil
}

func accountNumber() (string, error) {
	// 12 digits, never starting with zero
	n, err := rand.Int(rand.Reader, big.NewInt(900_000_000_000))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+100_000_000_000, 10), nil
}

// ownedAccount loads an account and checks the caller owns it. Admins may
// read any account.
func (h *Handler) ownedAccount(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := h.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	claims, ok := ClaimsFrom(ctx)
	if !ok || (acc.OwnerID != claims.Subject && !claims.Admin()) {
		return nil, domain.ErrForbidden
	}
	return acc, nil
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.ownedAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.account(*acc))
}

func (h *Handler) ListAccountTransfers(w http.ResponseWriter, r *http.Request) {
	acc, err := h.ownedAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	transfers, err := h.store.ListTransfers(r.Context(), acc.ID, queryLimit(r, 50))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, transfers)
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var body models.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	req, err := transferRequest(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	req.Meta = requestMeta(r)

	if _, err := h.ownedAccount(r.Context(), req.SenderAccountID); err != nil {
		h.writeError(w, r, err)
		return
	}

	claims, _ := ClaimsFrom(r.Context())
	res, err := h.gate.Submit(r.Context(), req, claims.Destination())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := models.TransferResponse{Transfer: res.Transfer, Replayed: res.Replayed}
	switch {
	case res.Replayed:
		respondJSON(w, http.StatusOK, out)
	case res.AwaitingConfirmation():
		out.ChallengeID = &res.Challenge.ID
		out.ExpiresAt = &res.Challenge.ExpiresAt
		respondJSON(w, http.StatusAccepted, out)
	default:
		w.Header().Set("Location", "/api/v1/transfers/"+res.Transfer.ID.String())
		respondJSON(w, http.StatusCreated, out)
	}
}

func transferRequest(body models.TransferRequest) (service.TransferRequest, error) {
	amount, err := currency.ParseAmount(body.Amount)
	if err != nil {
		return service.TransferRequest{}, err
	}
	req := service.TransferRequest{
		SenderAccountID:   strings.TrimSpace(body.SenderAccountID),
		ReceiverAccountID: strings.TrimSpace(body.ReceiverAccountID),
		Amount:            amount,
	}
	if body.SenderCurrency != "" {
		if req.SenderCurrency, err = currency.Parse(body.SenderCurrency); err != nil {
			return req, err
		}
	}
	if body.ReceiverCurrency != "" {
		if req.ReceiverCurrency, err = currency.Parse(body.ReceiverCurrency); err != nil {
			return req, err
		}
	}
	return req, nil
}

// visibleTransfer loads a transfer the caller sent or received.
func (h *Handler) visibleTransfer(ctx context.Context, raw string) (*domain.Transfer, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, domain.ErrTransferNotFound
	}
	t, err := h.store.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := h.ownedAccount(ctx, t.SenderAccountID); err == nil {
		return t, nil
	}
	if _, err := h.ownedAccount(ctx, t.ReceiverAccountID); err == nil {
		return t, nil
	}
	return nil, domain.ErrForbidden
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.visibleTransfer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) ReissueChallenge(w http.ResponseWriter, r *http.Request) {
	t, err := h.visibleTransfer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.ownedAccount(r.Context(), t.SenderAccountID); err != nil {
		h.writeError(w, r, err)
		return
	}
	claims, _ := ClaimsFrom(r.Context())
	c, err := h.gate.Reissue(r.Context(), t.ID, claims.Destination())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, models.ChallengeResponse{ChallengeID: c.ID, ExpiresAt: c.ExpiresAt})
}

func (h *Handler) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, domain.ErrChallengeNotFound)
		return
	}
	var body models.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := h.authorizeChallenge(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.gate.Verify(r.Context(), id, strings.TrimSpace(body.Code), requestMeta(r))
	if res == nil {
		h.writeError(w, r, err)
		return
	}
	if err != nil && res.Outcome == domain.OutcomeVerified {
		// code accepted but the transfer could not be executed
		h.writeError(w, r, err)
		return
	}

	out := models.VerifyResponse{
		Outcome:           res.Outcome,
		RemainingAttempts: res.Challenge.RemainingAttempts,
		Transfer:          res.Transfer,
	}
	respondJSON(w, verifyStatus(res.Outcome), out)
}

// authorizeChallenge allows a transfer challenge only for the sender's owner
// and a login challenge only for the user it was issued to.
func (h *Handler) authorizeChallenge(ctx context.Context, id uuid.UUID) error {
	c, err := h.store.GetChallenge(ctx, id)
	if err != nil {
		return err
	}
	if c.Purpose == domain.PurposeLogin {
		claims, ok := ClaimsFrom(ctx)
		if !ok || claims.Subject != c.Reference {
			return domain.ErrForbidden
		}
		return nil
	}
	transferID, err := uuid.Parse(c.Reference)
	if err != nil {
		return domain.ErrTransferNotFound
	}
	t, err := h.store.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	_, err = h.ownedAccount(ctx, t.SenderAccountID)
	return err
}

func verifyStatus(outcome domain.ChallengeOutcome) int {
	switch outcome {
	case domain.OutcomeVerified:
		return http.StatusOK
	case domain.OutcomeInvalid:
		return http.StatusBadRequest
	case domain.OutcomeExpired:
		return http.StatusGone
	case domain.OutcomeLocked:
		return http.StatusLocked
	default:
		return http.StatusConflict
	}
}

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

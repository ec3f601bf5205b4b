package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/models"
	"github.com/punchamoorthee/ledgerguard/internal/risk"
	"github.com/punchamoorthee/ledgerguard/internal/store"
)

// RecordAuthAttempt ingests a login attempt from the identity service and
// returns the incidents it raised.
func (h *Handler) RecordAuthAttempt(w http.ResponseWriter, r *http.Request) {
	var body models.AuthAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if body.Principal == "" || body.IP == "" {
		h.writeError(w, r, domain.NewValidationError("principal", "principal and ip are required"))
		return
	}

	attempt, incidents, err := h.attempts.Record(r.Context(), risk.AttemptInput{
		UserID:        body.UserID,
		Principal:     body.Principal,
		IP:            body.IP,
		UserAgent:     body.UserAgent,
		Fingerprint:   body.Fingerprint,
		Successful:    body.Successful,
		FailureReason: body.FailureReason,
		Source:        body.Source,
		At:            body.OccurredAt,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if incidents == nil {
		incidents = []domain.Incident{}
	}
	respondJSON(w, http.StatusCreated, models.AuthAttemptResponse{Attempt: attempt, Incidents: incidents})
}

func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, ok := parseSince(w, q.Get("since"))
	if !ok {
		return
	}
	filter := store.IncidentFilter{
		Label:     domain.Label(q.Get("label")),
		UserID:    q.Get("user_id"),
		AccountID: q.Get("account_id"),
		Principal: q.Get("principal"),
		IP:        q.Get("ip"),
		Since:     since,
		Limit:     queryLimit(r, 100),
	}
	if raw := q.Get("severity"); raw != "" {
		sev, ok := domain.ParseSeverity(raw)
		if !ok {
			h.writeError(w, r, domain.NewValidationError("severity", "unknown severity"))
			return
		}
		filter.Severity = sev
	}

	incidents, err := h.store.ListIncidents(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, incidents)
}

func (h *Handler) ListAuthAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, ok := parseSince(w, q.Get("since"))
	if !ok {
		return
	}
	filter := store.AttemptFilter{
		Principal: q.Get("principal"),
		IP:        q.Get("ip"),
		Since:     since,
		Limit:     queryLimit(r, 100),
	}
	if raw := q.Get("successful"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, r, domain.NewValidationError("successful", "must be true or false"))
			return
		}
		filter.Successful = &b
	}

	attempts, err := h.store.ListAuthAttempts(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, attempts)
}

func (h *Handler) FreezeAccount(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) UnfreezeAccount(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := mux.Vars(r)["id"]
	if err := h.store.SetAccountActive(r.Context(), id, active); err != nil {
		h.writeError(w, r, err)
		return
	}
	acc, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	claims, _ := ClaimsFrom(r.Context())
	h.logger.Info("account status changed", "account", models.Mask(id), "active", active, "by", claims.Subject)
	if h.access != nil {
		action := "freeze_account"
		if active {
			action = "unfreeze_account"
		}
		h.access.AdminAction(r.Context(), requestMeta(r), action, id, domain.Evidence{"active": active})
	}
	respondJSON(w, http.StatusOK, h.account(*acc))
}

func parseSince(w http.ResponseWriter, raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		respondJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: "must be RFC 3339", Field: "since"})
		return time.Time{}, false
	}
	return t, true
}

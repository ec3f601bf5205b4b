package api

import (
	"net/http"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.authenticate)
	v1.HandleFunc("/accounts", h.OpenAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", h.GetAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/transfers", h.ListAccountTransfers).Methods(http.MethodGet)
	v1.Handle("/transfers", h.rateLimit("transfer", h.cfg.TransferRatePerMin)(http.HandlerFunc(h.CreateTransfer))).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/{id}", h.GetTransfer).Methods(http.MethodGet)
	v1.Handle("/transfers/{id}/challenge", h.rateLimit("challenge", h.cfg.VerifyRatePerMin)(http.HandlerFunc(h.ReissueChallenge))).Methods(http.MethodPost)
	v1.Handle("/challenges/{id}/verify", h.rateLimit("verify", h.cfg.VerifyRatePerMin)(http.HandlerFunc(h.VerifyChallenge))).Methods(http.MethodPost)

	ingest := r.PathPrefix("/internal/v1").Subrouter()
	ingest.Use(h.requireInternalKey)
	ingest.HandleFunc("/auth/attempts", h.RecordAuthAttempt).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin/v1").Subrouter()
	admin.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	admin.Use(preflightBypass(h.authenticate), preflightBypass(h.requireAdmin))
	admin.HandleFunc("/incidents", h.ListIncidents).Methods(http.MethodGet, http.MethodOptions)
	admin.HandleFunc("/auth-attempts", h.ListAuthAttempts).Methods(http.MethodGet, http.MethodOptions)
	admin.HandleFunc("/accounts/{id}/freeze", h.FreezeAccount).Methods(http.MethodPost, http.MethodOptions)
	admin.HandleFunc("/accounts/{id}/unfreeze", h.UnfreezeAccount).Methods(http.MethodPost, http.MethodOptions)

	return r
}

// preflightBypass lets OPTIONS requests skip mw. They carry no credentials
// and never reach a handler.
func preflightBypass(mw mux.MiddlewareFunc) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

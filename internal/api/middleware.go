package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
)

// Claims is the bearer token issued by the identity service.
type Claims struct {
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Admin() bool { return c.Role == "admin" }

// Destination is where one-time codes for this caller are delivered.
func (c *Claims) Destination() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Phone
}

type claimsContextKey string

const claimsKey claimsContextKey = "claims"

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// authenticate validates an HS256 bearer token and stores its claims on the
// request context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if authHeader == "" || tokenString == authHeader {
			respondError(w, http.StatusUnauthorized, "bearer token required")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(h.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid || claims.Subject == "" {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok || !claims.Admin() {
			respondError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requireInternalKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Internal-API-Key")
		if h.cfg.InternalAPIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.InternalAPIKey)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid internal api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit throttles per authenticated user, or per client IP before
// authentication. Limiter failures let the request through.
func (h *Handler) rateLimit(scope string, perMinute int) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta := requestMeta(r)
			subject := meta.UserID
			if subject == "" {
				subject = meta.IP
			}
			count, retryAfter, err := h.limiter.Consume(r.Context(), scope, subject, perMinute, time.Minute)
			if err != nil {
				h.logger.Warn("rate limiter unavailable", "scope", scope, "error", err)
			} else if perMinute > 0 && count > perMinute {
				if h.access != nil {
					h.access.RateLimited(r.Context(), meta, scope, r.URL.Path)
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// instrument records request counts and latency by route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		httpReqTotal.WithLabelValues(r.Method, endpoint, statusLabel(rec.status)).Inc()
	})
}

// requestMeta collects the request context the risk rules read.
func requestMeta(r *http.Request) domain.RequestMeta {
	meta := domain.RequestMeta{
		IP:           clientIP(r),
		UserAgent:    r.UserAgent(),
		Via:          r.Header.Get("Via"),
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		TorExit:      r.Header.Get("Tor-Exit"),
	}
	if claims, ok := ClaimsFrom(r.Context()); ok {
		meta.UserID = claims.Subject
		meta.Principal = strings.ToLower(claims.Email)
	}
	return meta
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/service"
	"tiendalotes/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	expiringDays  int
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, expiringDays int) *API {
	if expiringDays < 1 {
		expiringDays = 30
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		expiringDays:  expiringDays,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

const (
	admin   = domain.RoleAdmin
	seller  = domain.RoleSeller
	courier = domain.RoleCourier
)

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("GET /api/v1/products", a.requireAuth(a.handleListProducts, admin, seller, courier))
	mux.HandleFunc("POST /api/v1/products", a.requireAuth(a.handleCreateProduct, admin))
	mux.HandleFunc("PATCH /api/v1/products/{id}/costing-policy", a.requireAuth(a.handleSetCostingPolicy, admin))
	mux.HandleFunc("GET /api/v1/products/{id}/lots/active", a.requireAuth(a.handleActiveLots, admin, seller))
	mux.HandleFunc("GET /api/v1/products/{id}/ledger", a.requireAuth(a.handleLedger, admin))
	mux.HandleFunc("GET /api/v1/products/{id}/reconcile", a.requireAuth(a.handleReconcile, admin))
	mux.HandleFunc("POST /api/v1/products/{id}/allocation-preview", a.requireAuth(a.handleAllocationPreview, admin, seller))

	mux.HandleFunc("GET /api/v1/lots", a.requireAuth(a.handleListLots, admin))
	mux.HandleFunc("POST /api/v1/lots", a.requireAuth(a.handleReceiveLot, admin))
	mux.HandleFunc("GET /api/v1/lots/expiring", a.requireAuth(a.handleExpiringLots, admin))
	mux.HandleFunc("GET /api/v1/lots/{id}", a.requireAuth(a.handleGetLot, admin))
	mux.HandleFunc("PATCH /api/v1/lots/{id}", a.requireAuth(a.handleUpdateLot, admin))
	mux.HandleFunc("POST /api/v1/lots/{id}/deactivate", a.requireAuth(a.handleDeactivateLot, admin))
	mux.HandleFunc("POST /api/v1/lots/{id}/correct-quantity", a.requireAuth(a.handleCorrectLot, admin))

	mux.HandleFunc("GET /api/v1/sales", a.requireAuth(a.handleListSales, admin, seller))
	mux.HandleFunc("POST /api/v1/sales", a.requireAuth(a.handleFulfill, admin, seller))
	mux.HandleFunc("GET /api/v1/sales/{id}", a.requireAuth(a.handleGetSale, admin, seller))
	mux.HandleFunc("GET /api/v1/sales/{id}/costs", a.requireAuth(a.handleSaleCosts, admin))
	mux.HandleFunc("POST /api/v1/sales/{id}/cancel", a.requireAuth(a.handleCancelSale, admin))

	mux.HandleFunc("GET /api/v1/orders", a.requireAuth(a.handleListOrders, admin, seller, courier))
	mux.HandleFunc("POST /api/v1/orders", a.requireAuth(a.handleCreateOrder, admin, seller))
	mux.HandleFunc("GET /api/v1/orders/{id}", a.requireAuth(a.handleGetOrder, admin, seller, courier))
	mux.HandleFunc("POST /api/v1/orders/{id}/accept", a.requireAuth(a.handleAcceptOrder, admin, courier))
	mux.HandleFunc("POST /api/v1/orders/{id}/confirm-delivery", a.requireAuth(a.handleConfirmDelivery, admin, courier))
	mux.HandleFunc("POST /api/v1/orders/{id}/cancel", a.requireAuth(a.handleCancelOrder, admin, seller))

	mux.HandleFunc("GET /api/v1/reports/valuation", a.requireAuth(a.handleValuation, admin))
	mux.HandleFunc("GET /api/v1/reports/sales-summary", a.requireAuth(a.handleSalesSummary, admin))
	mux.HandleFunc("GET /api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, admin))
	mux.HandleFunc("GET /api/v1/users", a.requireAuth(a.handleListUsers, admin))
	mux.HandleFunc("POST /api/v1/users", a.requireAuth(a.handleCreateUser, admin))

	return a.withMiddleware(mux)
}

type actorKey struct{}

var errForeignOrder = errors.New("order is assigned to another courier")

func actorFrom(r *http.Request) domain.Actor {
	actor, _ := r.Context().Value(actorKey{}).(domain.Actor)
	return actor
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !slices.Contains(roles, actor.Role) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if errors.Is(err, errInvalidCredentials) || errors.Is(err, errInactiveAccount) {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info().Str("component", "http").Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", rec.status).Dur("duration", time.Since(startedAt)).Msg("request")
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, store.NewValidationError("id", "must be a positive integer")
	}
	return id, nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// parseRange reads from/to query parameters as RFC 3339 instants or plain
// dates. A plain "to" date includes that whole day. Both default to today.
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	from, err := parseInstant(r.URL.Query().Get("from"), today, false)
	if err != nil {
		return time.Time{}, time.Time{}, store.NewValidationError("from", err.Error())
	}
	to, err := parseInstant(r.URL.Query().Get("to"), today.Add(24*time.Hour), true)
	if err != nil {
		return time.Time{}, time.Time{}, store.NewValidationError("to", err.Error())
	}
	return from, to, nil
}

func parseInstant(raw string, fallback time.Time, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, errors.New("must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24 * time.Hour)
	}
	return t, nil
}

// writeServiceError maps the store error kinds onto HTTP statuses. Every body
// carries the stable kind so clients need not parse messages.
func writeServiceError(w http.ResponseWriter, err error) {
	kind := store.Kind(err)
	body := map[string]any{"kind": kind, "error": err.Error()}

	var status int
	switch kind {
	case "validation_error":
		status = http.StatusUnprocessableEntity
		var verr *store.ValidationError
		if errors.As(err, &verr) {
			body["fields"] = verr.Fields
		}
	case "insufficient_stock":
		status = http.StatusConflict
		var short *store.InsufficientStockError
		if errors.As(err, &short) {
			body["product_id"] = short.ProductID
			body["requested"] = short.Requested
			body["available"] = short.Available
			body["shortfall"] = short.Shortfall()
		}
	case "invalid_state", "duplicate":
		status = http.StatusConflict
	case "concurrency_error":
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case "not_found":
		status = http.StatusNotFound
	default:
		status = http.StatusInternalServerError
	}

	if status >= 500 && kind != "concurrency_error" {
		log.Error().Str("component", "http").Str("kind", kind).Err(err).Msg("request failed")
		body["error"] = "internal server error"
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; 4xx messages are meant for the caller.
	msg := err.Error()
	if status >= 500 {
		log.Error().Str("component", "http").Int("status", status).Err(err).Msg("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

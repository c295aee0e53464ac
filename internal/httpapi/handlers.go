package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"famsave.org/internal/apperr"
	"famsave.org/internal/obs"
	"famsave.org/internal/session"
)

const serviceName = "famsave-api"

// ReadyProbe pings the configured backing stores. Nil members are skipped.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	session    *session.Service
	readyProbe readinessChecker
	version    string

	trustProxy   bool
	maxBodyBytes int64
	rateBurst    int
	ratePerSec   float64
}

// Option configures an API.
type Option func(*API)

// WithTrustProxy makes the first X-Forwarded-For hop the client origin.
func WithTrustProxy(trust bool) Option {
	return func(a *API) { a.trustProxy = trust }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithRateLimit sets the per-origin token bucket for /v1 routes.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

func New(sess *session.Service, rp readinessChecker, version string, opts ...Option) *API {
	a := &API{
		session:      sess,
		readyProbe:   rp,
		version:      version,
		maxBodyBytes: 1 << 20,
		rateBurst:    20,
		ratePerSec:   10,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON, SecurityHeaders, CORS, obs.Instrument)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Code: "not_found", RequestID: RequestIDFromContext(r.Context())})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed", Code: "method_not_allowed", RequestID: RequestIDFromContext(r.Context())})
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(MaxBodyBytes(a.maxBodyBytes), RateLimit(a.rateBurst, a.ratePerSec, a.origin))
		r.Get("/info", a.Info)

		r.Post("/auth/register", a.handleRegister)
		r.Post("/auth/login", a.handleLogin)
		r.Post("/auth/refresh", a.handleRefresh)
		r.Post("/auth/logout", a.handleLogout)

		r.With(a.requireAuth).Get("/accounts/me", a.handleMe)
	})
	return r
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) origin(r *http.Request) string {
	return clientIP(r, a.trustProxy)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		obs.Logger().Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

type errorBody struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	RequestID         string `json:"request_id,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

var kindStatus = map[apperr.Kind]int{
	apperr.Validation:         http.StatusBadRequest,
	apperr.IdentityConflict:   http.StatusConflict,
	apperr.InvalidCredentials: http.StatusUnauthorized,
	apperr.RateLimited:        http.StatusTooManyRequests,
	apperr.TokenExpired:       http.StatusUnauthorized,
	apperr.TokenInvalid:       http.StatusUnauthorized,
	apperr.TamperDetected:     http.StatusInternalServerError,
	apperr.DependencyFailure:  http.StatusInternalServerError,
}

// writeError renders err per its apperr kind. Internal kinds get a generic
// message; their cause has already been logged by the session layer.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{
		Error:     "internal error",
		Code:      string(kind),
		RequestID: RequestIDFromContext(r.Context()),
	}
	e, ok := apperr.As(err)
	if ok && kind != apperr.DependencyFailure && kind != apperr.TamperDetected {
		body.Error = e.Message
	}
	if !ok {
		obs.Logger().Error("unclassified error", zap.String("request_id", body.RequestID), zap.Error(err))
	}
	if kind == apperr.RateLimited {
		secs := apperr.RetryAfterSeconds(e.RetryAfter)
		body.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if ok && e.Budget != nil {
		setBudgetHeaders(w, *e.Budget)
	}
	if kind == apperr.TokenExpired || kind == apperr.TokenInvalid {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	writeJSON(w, kindStatus[kind], body)
}

// setBudgetHeaders reports the login attempt budget of the client origin.
// The reset is in Unix seconds.
func setBudgetHeaders(w http.ResponseWriter, b apperr.Budget) {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(b.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(b.ResetAt.Unix(), 10))
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperr.New(apperr.Validation, "request body is required")
		case errors.As(err, &maxErr):
			return apperr.New(apperr.Validation, "request body too large")
		default:
			return apperr.Wrap(apperr.Validation, "invalid JSON body", err)
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperr.New(apperr.Validation, "unexpected data after JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Package httpapi exposes the admin console's HTTP surface: login and
// session handling, user lifecycle administration, permission queries and
// the audit log viewer.
package httpapi

import (
	"database/sql"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"strikeboard.org/internal/audit"
	"strikeboard.org/internal/auth"
	"strikeboard.org/internal/lifecycle"
	"strikeboard.org/internal/obs"
)

const (
	maxBodyBytes = 1 << 20

	// Login throttling. One attempt per two seconds sustained with a small
	// burst keeps credential stuffing slow without locking out fat fingers.
	loginRatePerSec = 0.5
	loginRateBurst  = 5
)

// API wires the HTTP handlers to the domain services.
type API struct {
	mux        *http.ServeMux
	db         *sql.DB
	sessions   *auth.SessionManager
	resolver   *auth.Resolver
	users      *lifecycle.Service
	auditlog   *audit.Recorder
	validate   *validator.Validate
	loginRate  *rateLimiter
	version    string
	production bool
}

// Option configures optional API behavior.
type Option func(*API)

// WithVersion sets the version string reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithProduction switches error responses to their opaque production form.
func WithProduction(p bool) Option {
	return func(a *API) { a.production = p }
}

// New builds the API and registers all routes.
func New(db *sql.DB, sessions *auth.SessionManager, resolver *auth.Resolver, users *lifecycle.Service, auditlog *audit.Recorder, opts ...Option) *API {
	a := &API{
		mux:       http.NewServeMux(),
		db:        db,
		sessions:  sessions,
		resolver:  resolver,
		users:     users,
		auditlog:  auditlog,
		validate:  newValidator(),
		loginRate: newRateLimiter(loginRatePerSec, loginRateBurst),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReadyz)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /login", a.loginRate.limit(a.handleLogin))
	a.mux.HandleFunc("POST /logout", a.handleLogout)

	a.mux.HandleFunc("POST /api/password", a.handleChangePassword)
	a.mux.HandleFunc("GET /api/me/permissions", a.handleMyPermissions)
	a.mux.HandleFunc("POST /api/me/permissions/check", a.handleCheckPermissions)

	a.mux.HandleFunc("POST /api/users", a.handleCreateUser)
	a.mux.HandleFunc("PUT /api/users/{id}/roles", a.handleUpdateUserRoles)
	a.mux.HandleFunc("POST /api/users/{id}/password-reset", a.handleResetPassword)
	a.mux.HandleFunc("POST /api/users/{id}/deactivate", a.handleDeactivateUser)
	a.mux.HandleFunc("POST /api/users/{id}/reactivate", a.handleReactivateUser)

	a.mux.HandleFunc("GET /api/audit-logs", a.handleAuditLogs)
	a.mux.HandleFunc("GET /api/users/{id}/audit-logs", a.handleUserAuditLogs)
}

// Handler returns the full middleware chain around the router. The session
// gate sits innermost so every middleware runs for public paths too.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.gate(a.mux)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	h = obs.Instrument(h)
	return h
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": a.version,
	})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// auditContext captures the request metadata attached to audit entries.
func (a *API) auditContext(r *http.Request) audit.Context {
	return audit.Context{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: RequestIDFromContext(r.Context()),
	}
}

// ensurePermission authenticates and authorizes the caller for one named
// permission, writing the error response itself on failure.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, perm string) (int64, bool) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return 0, false
	}
	if !a.resolver.CheckPermission(r.Context(), uid, perm) {
		writeError(w, http.StatusForbidden, "permission denied: "+perm)
		return 0, false
	}
	return uid, true
}

// newValidator keys validation errors by json tag so clients see the field
// names they actually sent.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

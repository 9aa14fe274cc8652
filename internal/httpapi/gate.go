package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"strikeboard.org/internal/auth"
	"strikeboard.org/internal/obs"
)

// publicPaths are reachable without a session.
var publicPaths = map[string]struct{}{
	"/login":   {},
	"/logout":  {},
	"/healthz": {},
	"/readyz":  {},
	"/metrics": {},
}

func isPublicPath(path string) bool {
	_, ok := publicPaths[path]
	return ok
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// gate is the session perimeter. It verifies the session cookie, stores the
// session on the request context, and rejects or redirects everything else:
// API paths get 401 JSON, page paths get a 302 to /login. Expired and
// tampered cookies are cleared so browsers stop resending them.
func (a *API) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.sessionFromRequest(r)
		authenticated := err == nil

		if authenticated {
			r = r.WithContext(auth.ContextWithSession(r.Context(), sess))
		} else if errors.Is(err, auth.ErrTokenExpired) || errors.Is(err, auth.ErrInvalidToken) {
			a.sessions.ClearCookie(w)
		}

		if isPublicPath(r.URL.Path) {
			// An already-authenticated browser has no business on the
			// login page.
			if authenticated && r.URL.Path == "/login" && r.Method == http.MethodGet {
				http.Redirect(w, r, "/", http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if !authenticated {
			if isAPIPath(r.URL.Path) {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		if r.Method == http.MethodGet && a.sessions.NeedsRefresh(sess) {
			a.refreshSession(w, r, sess)
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) sessionFromRequest(r *http.Request) (auth.Session, error) {
	c, err := r.Cookie(auth.SessionCookieName)
	if err != nil {
		return auth.Session{}, auth.ErrUnauthorized
	}
	return a.sessions.Verify(c.Value)
}

// refreshSession slides the session window on active GET traffic. Best
// effort: a failure leaves the current still-valid cookie in place. Accounts
// that have been deactivated, or whose last login was wiped by an
// administrative deactivate/reactivate cycle, are not extended.
func (a *API) refreshSession(w http.ResponseWriter, r *http.Request, sess auth.Session) {
	if !a.refreshEligible(r, sess.UserID) {
		return
	}
	token, expiresAt, err := a.sessions.Refresh(sess)
	if err != nil {
		obs.LogRequest(map[string]any{
			"level":      "warn",
			"msg":        "session refresh failed",
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
		return
	}
	a.sessions.SetCookie(w, token, expiresAt)
}

func (a *API) refreshEligible(r *http.Request, userID int64) bool {
	var eligible bool
	err := a.db.QueryRowContext(r.Context(),
		`select is_active and last_login_at is not null from users where id = $1`,
		userID,
	).Scan(&eligible)
	if err != nil {
		return false
	}
	return eligible
}

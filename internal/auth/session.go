package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// SessionCookieName is the cookie carrying the signed session token.
	SessionCookieName = "session"

	defaultSessionTTL    = 24 * time.Hour
	defaultRefreshWindow = 6 * time.Hour
	defaultIssuer        = "strikeboard"
)

// Session is the verified content of a session token: a user identifier and
// an expiry, nothing else. Account status is not encoded here; the
// authorization layer re-checks it on every request.
type Session struct {
	UserID    int64
	ExpiresAt time.Time
	TokenID   string
}

// SessionManager issues, verifies and refreshes HS256-signed session tokens.
// It is stateless: all state lives in the token itself.
type SessionManager struct {
	secret        []byte
	issuer        string
	ttl           time.Duration
	refreshWindow time.Duration
	secureCookies bool
	now           func() time.Time
}

// SessionOption configures SessionManager behavior.
type SessionOption func(*SessionManager)

// WithSessionTTL overrides the token lifetime.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithRefreshWindow sets how close to expiry a token must be before the
// perimeter re-signs it on a GET request.
func WithRefreshWindow(window time.Duration) SessionOption {
	return func(m *SessionManager) {
		if window > 0 {
			m.refreshWindow = window
		}
	}
}

// WithSecureCookies marks issued cookies Secure (production).
func WithSecureCookies(secure bool) SessionOption {
	return func(m *SessionManager) { m.secureCookies = secure }
}

// WithSessionIssuer overrides the token issuer claim.
func WithSessionIssuer(issuer string) SessionOption {
	return func(m *SessionManager) {
		if strings.TrimSpace(issuer) != "" {
			m.issuer = strings.TrimSpace(issuer)
		}
	}
}

// WithSessionClock overrides the time source (useful for tests).
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewSessionManager constructs a manager around the server signing secret.
// The secret is validated at startup by the config layer; the manager only
// refuses an empty one.
func NewSessionManager(secret string, opts ...SessionOption) (*SessionManager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: session secret is required")
	}
	m := &SessionManager{
		secret:        []byte(secret),
		issuer:        defaultIssuer,
		ttl:           defaultSessionTTL,
		refreshWindow: defaultRefreshWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// Issue signs a fresh token for userID with the configured lifetime.
func (m *SessionManager) Issue(userID int64) (string, time.Time, error) {
	if userID <= 0 {
		return "", time.Time{}, errors.New("auth: user id is required")
	}
	now := m.now().UTC()
	expiresAt := now.Add(m.ttl)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Verify checks the signature and expiry. Expiry is reported as
// ErrTokenExpired, distinct from ErrInvalidToken, so the perimeter can avoid
// logging routine expirations as tampering. Both mean "unauthenticated".
func (m *SessionManager) Verify(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(func() time.Time { return m.now().UTC() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrTokenExpired
		}
		return Session{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return Session{}, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Session{}, ErrInvalidToken
	}
	if claims.ExpiresAt == nil {
		return Session{}, ErrInvalidToken
	}
	return Session{
		UserID:    userID,
		ExpiresAt: claims.ExpiresAt.Time,
		TokenID:   claims.ID,
	}, nil
}

// Refresh re-signs the session with a new expiry, preserving the user.
func (m *SessionManager) Refresh(sess Session) (string, time.Time, error) {
	return m.Issue(sess.UserID)
}

// NeedsRefresh reports whether the session is inside the sliding-window
// refresh zone.
func (m *SessionManager) NeedsRefresh(sess Session) bool {
	return m.now().After(sess.ExpiresAt.Add(-m.refreshWindow))
}

// SetCookie persists the token as the session cookie: HTTP-only,
// SameSite=Lax, path "/", Secure in production.
func (m *SessionManager) SetCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   m.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie deletes the session cookie. Idempotent: clearing an absent
// cookie is not an error.
func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

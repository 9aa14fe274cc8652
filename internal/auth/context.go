package auth

import "context"

type sessionContextKey struct{}

// ContextWithSession attaches the verified session to the context.
func ContextWithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, &sess)
}

// SessionFromContext extracts the verified session from the context.
func SessionFromContext(ctx context.Context) (Session, bool) {
	if ctx == nil {
		return Session{}, false
	}
	v, ok := ctx.Value(sessionContextKey{}).(*Session)
	if !ok || v == nil {
		return Session{}, false
	}
	return *v, true
}

// UserIDFromContext returns the authenticated user id, or false when the
// request is anonymous.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	sess, ok := SessionFromContext(ctx)
	if !ok {
		return 0, false
	}
	return sess.UserID, true
}

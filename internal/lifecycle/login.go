package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"strikeboard.org/internal/audit"
	"strikeboard.org/internal/auth"
)

// Login failure reasons recorded on login_failed audit entries.
const (
	loginReasonUnknownEmail        = "unknown_email"
	loginReasonInactive            = "inactive"
	loginReasonInvalidPassword     = "invalid_password"
	loginReasonTempPasswordExpired = "temp_password_expired"
)

// Authenticate verifies credentials and, on success, stamps last_login_at
// and records the login in one transaction. Every failure path writes a
// login_failed audit entry with a distinguishing reason but surfaces only
// ErrUnauthorized, never which part of the credential was wrong.
func (s *Service) Authenticate(ctx context.Context, email, password string, actx audit.Context) (*auth.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, auth.ErrUnauthorized
	}

	user, err := s.userByEmail(ctx, email)
	if errors.Is(err, auth.ErrNotFound) {
		s.recordLoginFailure(ctx, nil, email, loginReasonUnknownEmail, actx)
		return nil, auth.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		s.recordLoginFailure(ctx, &user.ID, email, loginReasonInactive, actx)
		return nil, auth.ErrUnauthorized
	}
	if err := auth.VerifyPassword(user.PasswordHash, password); err != nil {
		s.recordLoginFailure(ctx, &user.ID, email, loginReasonInvalidPassword, actx)
		return nil, auth.ErrUnauthorized
	}
	if user.MustChangePassword && user.PasswordExpiresAt != nil && s.now().UTC().After(*user.PasswordExpiresAt) {
		s.recordLoginFailure(ctx, &user.ID, email, loginReasonTempPasswordExpired, actx)
		return nil, auth.ErrUnauthorized
	}

	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`update users set last_login_at = $1 where id = $2`, now, user.ID); err != nil {
		return nil, err
	}
	if err := s.audit.Append(ctx, tx, &audit.Entry{
		UserID:       &user.ID,
		Action:       "login",
		ResourceType: "session",
		Changes:      map[string]any{"email": email},
		IPAddress:    actx.IPAddress,
		UserAgent:    actx.UserAgent,
		RequestID:    actx.RequestID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	user.LastLoginAt = &now
	return user, nil
}

// RecordLogout audits an explicit logout. Clearing the cookie is the HTTP
// layer's job; there is no server-side session state to delete.
func (s *Service) RecordLogout(ctx context.Context, userID int64, actx audit.Context) {
	entry := &audit.Entry{
		UserID:       &userID,
		Action:       "logout",
		ResourceType: "session",
		IPAddress:    actx.IPAddress,
		UserAgent:    actx.UserAgent,
		RequestID:    actx.RequestID,
	}
	_ = s.audit.AppendOutsideTx(ctx, entry)
}

func (s *Service) recordLoginFailure(ctx context.Context, userID *int64, email, reason string, actx audit.Context) {
	entry := &audit.Entry{
		UserID:       userID,
		Action:       "login_failed",
		ResourceType: "session",
		Changes:      map[string]any{"email": email, "reason": reason},
		IPAddress:    actx.IPAddress,
		UserAgent:    actx.UserAgent,
		RequestID:    actx.RequestID,
	}
	_ = s.audit.AppendOutsideTx(ctx, entry)
}

func (s *Service) userByEmail(ctx context.Context, email string) (*auth.User, error) {
	var (
		user     auth.User
		fullName sql.NullString
		pwExp    sql.NullTime
		lastLog  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, email, username, full_name, password_hash, is_active, must_change_password, password_expires_at, last_login_at, created_at, updated_at
		from users where email = $1
	`, email).Scan(&user.ID, &user.Email, &user.Username, &fullName, &user.PasswordHash,
		&user.IsActive, &user.MustChangePassword, &pwExp, &lastLog, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.FullName = fullName.String
	if pwExp.Valid {
		t := pwExp.Time
		user.PasswordExpiresAt = &t
	}
	if lastLog.Valid {
		t := lastLog.Time
		user.LastLoginAt = &t
	}
	return &user, nil
}

// Package lifecycle implements the transactional user-lifecycle operations:
// create, role reassignment, password reset, deactivate, reactivate and the
// login path. Every mutating operation runs as one database transaction that
// also carries the success audit entry; a failure writes its own audit entry
// outside the rolled-back transaction and re-raises the error.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"strikeboard.org/internal/audit"
	"strikeboard.org/internal/auth"
	"strikeboard.org/internal/obs"
)

const (
	tempPasswordTTL   = 24 * time.Hour
	minPasswordLength = 12
)

// Service orchestrates user lifecycle operations over the shared pool.
type Service struct {
	db    *sql.DB
	audit *audit.Recorder
	now   func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the lifecycle service.
func NewService(db *sql.DB, recorder *audit.Recorder, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, errors.New("lifecycle: database is required")
	}
	if recorder == nil {
		return nil, errors.New("lifecycle: audit recorder is required")
	}
	s := &Service{db: db, audit: recorder, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateUserInput carries the admin-supplied fields for a new account.
type CreateUserInput struct {
	Email    string
	Username string
	FullName string
	RoleIDs  []int64
}

// CreatedUser is the result of CreateUser. TempPassword is the only place
// the plaintext temporary password is ever observable; delivering it
// out-of-band is the caller's responsibility.
type CreatedUser struct {
	User         auth.User
	Roles        []auth.Role
	TempPassword string
}

// CreateUser creates an active user with a generated temporary password and
// the requested role assignments, all in one transaction with the audit
// entry. Requested roles must exist and must not be system roles.
func (s *Service) CreateUser(ctx context.Context, adminID int64, in CreateUserInput, actx audit.Context) (result *CreatedUser, err error) {
	defer func() {
		s.recordFailure(ctx, adminID, "user_creation_failed", nil, map[string]any{
			"email":    in.Email,
			"username": in.Username,
			"role_ids": in.RoleIDs,
		}, actx, err)
	}()

	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.Username = strings.TrimSpace(in.Username)
	in.FullName = strings.TrimSpace(in.FullName)
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return nil, auth.NewValidationError("email", "valid email is required")
	}
	if in.Username == "" {
		return nil, auth.NewValidationError("username", "username is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	roles, err := s.requireAssignableRoles(ctx, tx, in.RoleIDs)
	if err != nil {
		return nil, err
	}
	if err := checkUnique(ctx, tx, "email", in.Email); err != nil {
		return nil, err
	}
	if err := checkUnique(ctx, tx, "username", in.Username); err != nil {
		return nil, err
	}

	tempPassword, err := auth.GenerateTempPassword()
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(tempPassword)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	passwordExpiresAt := now.Add(tempPasswordTTL)
	var user auth.User
	err = tx.QueryRowContext(ctx, `
		insert into users (email, username, full_name, password_hash, is_active, must_change_password, password_expires_at, created_at, updated_at)
		values ($1, $2, $3, $4, true, true, $5, $6, $6)
		returning id, created_at, updated_at
	`, in.Email, in.Username, nullIfEmpty(in.FullName), hash, passwordExpiresAt, now).
		Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, mapConstraintError(err)
	}
	user.Email = in.Email
	user.Username = in.Username
	user.FullName = in.FullName
	user.IsActive = true
	user.MustChangePassword = true
	user.PasswordExpiresAt = &passwordExpiresAt

	roleNames := make([]string, 0, len(roles))
	for _, role := range roles {
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id, assigned_by, created_at)
			values ($1, $2, $3, $4)
		`, user.ID, role.ID, adminID, now); err != nil {
			return nil, mapConstraintError(err)
		}
		roleNames = append(roleNames, role.Name)
	}

	// The temporary password itself is never logged, only the fact that
	// one was generated.
	if err := s.audit.Append(ctx, tx, &audit.Entry{
		UserID:       &adminID,
		Action:       "user_created",
		ResourceType: "user",
		ResourceID:   &user.ID,
		Changes: map[string]any{
			"email":                   in.Email,
			"username":                in.Username,
			"assigned_roles":          roleNames,
			"role_ids":                in.RoleIDs,
			"temp_password_generated": true,
			"password_expires_at":     passwordExpiresAt.Format(time.RFC3339),
		},
		IPAddress: actx.IPAddress,
		UserAgent: actx.UserAgent,
		RequestID: actx.RequestID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &CreatedUser{User: user, Roles: roles, TempPassword: tempPassword}, nil
}

// RoleUpdateInput requests a full replacement of a user's role set.
type RoleUpdateInput struct {
	UserID  int64
	RoleIDs []int64
	Reason  string
}

// RoleUpdateResult reports the applied diff. Changed is false when the
// requested set equals the current one; such calls mutate nothing and write
// no mutation audit entry.
type RoleUpdateResult struct {
	UserID  int64
	Roles   []auth.Role
	Added   []int64
	Removed []int64
	Changed bool
}

// UpdateUserRoles reconciles the user's role set to exactly RoleIDs.
func (s *Service) UpdateUserRoles(ctx context.Context, adminID int64, in RoleUpdateInput, actx audit.Context) (result *RoleUpdateResult, err error) {
	defer func() {
		s.recordFailure(ctx, adminID, "user_roles_update_failed", &in.UserID, map[string]any{
			"role_ids": in.RoleIDs,
		}, actx, err)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var isActive bool
	err = tx.QueryRowContext(ctx,
		`select is_active from users where id = $1 for update`, in.UserID,
	).Scan(&isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %d", auth.ErrNotFound, in.UserID)
	}
	if err != nil {
		return nil, err
	}
	if !isActive {
		return nil, auth.NewValidationError("user_id", "user is inactive")
	}

	roles, err := s.requireAssignableRoles(ctx, tx, in.RoleIDs)
	if err != nil {
		return nil, err
	}

	current, err := heldRoles(ctx, tx, in.UserID)
	if err != nil {
		return nil, err
	}
	currentByID := make(map[int64]auth.Role, len(current))
	for _, role := range current {
		currentByID[role.ID] = role
	}

	requested := make(map[int64]struct{}, len(in.RoleIDs))
	for _, id := range in.RoleIDs {
		requested[id] = struct{}{}
	}
	var toAdd, toRemove, systemHeld []int64
	for id := range requested {
		if _, ok := currentByID[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	for id, role := range currentByID {
		if _, ok := requested[id]; ok {
			continue
		}
		// System roles are unremovable through this path, same as they
		// are unassignable; omitting one from the requested set is not a
		// way around that.
		if role.IsSystem {
			systemHeld = append(systemHeld, id)
			continue
		}
		toRemove = append(toRemove, id)
	}
	if len(systemHeld) > 0 {
		sortIDs(systemHeld)
		return nil, auth.NewValidationError("role_ids",
			fmt.Sprintf("system roles cannot be removed: %s", joinIDs(systemHeld)))
	}
	sortIDs(toAdd)
	sortIDs(toRemove)

	if len(toAdd) == 0 && len(toRemove) == 0 {
		// Idempotent call: no mutation, no audit noise, updated_at untouched.
		return &RoleUpdateResult{UserID: in.UserID, Roles: roles, Changed: false}, nil
	}

	now := s.now().UTC()
	for _, id := range toRemove {
		if _, err := tx.ExecContext(ctx,
			`delete from user_roles where user_id = $1 and role_id = $2`, in.UserID, id); err != nil {
			return nil, err
		}
	}
	for _, id := range toAdd {
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id, assigned_by, created_at)
			values ($1, $2, $3, $4)
		`, in.UserID, id, adminID, now); err != nil {
			return nil, mapConstraintError(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`update users set updated_at = $1 where id = $2`, now, in.UserID); err != nil {
		return nil, err
	}

	if err := s.audit.Append(ctx, tx, &audit.Entry{
		UserID:       &adminID,
		Action:       "user_roles_updated",
		ResourceType: "user",
		ResourceID:   &in.UserID,
		Changes: map[string]any{
			"added_roles":   toAdd,
			"removed_roles": toRemove,
			"role_ids":      in.RoleIDs,
			"reason":        in.Reason,
		},
		IPAddress: actx.IPAddress,
		UserAgent: actx.UserAgent,
		RequestID: actx.RequestID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &RoleUpdateResult{UserID: in.UserID, Roles: roles, Added: toAdd, Removed: toRemove, Changed: true}, nil
}

// PasswordReset is the result of ResetPassword; the plaintext is returned
// exactly once and never stored or logged.
type PasswordReset struct {
	TempPassword string
	ExpiresAt    time.Time
}

// ResetPassword replaces the target's password with a generated temporary
// one that must be changed within 24 hours.
func (s *Service) ResetPassword(ctx context.Context, adminID, targetID int64, actx audit.Context) (result *PasswordReset, err error) {
	defer func() {
		s.recordFailure(ctx, adminID, "password_reset_failed", &targetID, nil, actx, err)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var isActive bool
	err = tx.QueryRowContext(ctx,
		`select is_active from users where id = $1 for update`, targetID,
	).Scan(&isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %d", auth.ErrNotFound, targetID)
	}
	if err != nil {
		return nil, err
	}
	if !isActive {
		return nil, auth.NewValidationError("user_id", "user is inactive")
	}

	tempPassword, err := auth.GenerateTempPassword()
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(tempPassword)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expiresAt := now.Add(tempPasswordTTL)
	if _, err := tx.ExecContext(ctx, `
		update users
		set password_hash = $1, must_change_password = true, password_expires_at = $2, updated_at = $3
		where id = $4
	`, hash, expiresAt, now, targetID); err != nil {
		return nil, err
	}

	if err := s.audit.Append(ctx, tx, &audit.Entry{
		UserID:       &adminID,
		Action:       "password_reset",
		ResourceType: "user",
		ResourceID:   &targetID,
		Changes: map[string]any{
			"temp_password_generated": true,
			"password_expires_at":     expiresAt.Format(time.RFC3339),
		},
		IPAddress: actx.IPAddress,
		UserAgent: actx.UserAgent,
		RequestID: actx.RequestID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &PasswordReset{TempPassword: tempPassword, ExpiresAt: expiresAt}, nil
}

// StatusChange reports the outcome of a deactivation or reactivation.
// Changed is false when the user was already in the requested state; Note
// then says which state ("already inactive" / "already active").
type StatusChange struct {
	User    *auth.User
	Changed bool
	Note    string
}

// DeactivateUser flips the target inactive and clears last_login_at so the
// perimeter stops honoring derived sessions. Users holding a system role
// cannot be deactivated. Calling it on an already-inactive user is a no-op
// that reports the current state.
func (s *Service) DeactivateUser(ctx context.Context, adminID, targetID int64, reason string, actx audit.Context) (result *StatusChange, err error) {
	defer func() {
		s.recordFailure(ctx, adminID, "user_deactivation_failed", &targetID, map[string]any{
			"reason": reason,
		}, actx, err)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	user, err := userForUpdate(ctx, tx, targetID)
	if err != nil {
		return nil, err
	}

	held, err := heldRoles(ctx, tx, targetID)
	if err != nil {
		return nil, err
	}
	for _, role := range held {
		if role.IsSystem {
			return nil, auth.NewValidationError("user_id",
				fmt.Sprintf("user holds system role %q and cannot be deactivated", role.Name))
		}
	}

	if !user.IsActive {
		// Already inactive: observe, do not mutate or audit again.
		return &StatusChange{User: user, Note: "already inactive"}, nil
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update users set is_active = false, last_login_at = null, updated_at = $1 where id = $2
	`, now, targetID); err != nil {
		return nil, err
	}
	user.IsActive = false
	user.LastLoginAt = nil
	user.UpdatedAt = now

	roleNames := make([]string, 0, len(held))
	for _, role := range held {
		roleNames = append(roleNames, role.Name)
	}
	if err := s.audit.Append(ctx, tx, &audit.Entry{
		UserID:       &adminID,
		Action:       "user_deactivated",
		ResourceType: "user",
		ResourceID:   &targetID,
		Changes: map[string]any{
			"reason":              reason,
			"roles_at_time":       roleNames,
			"session_invalidated": true,
			"last_login_cleared":  true,
		},
		IPAddress: actx.IPAddress,
		UserAgent: actx.UserAgent,
		RequestID: actx.RequestID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &StatusChange{User: user, Changed: true}, nil
}

// ReactivateUser mirrors DeactivateUser: flips the target active again,
// idempotently.
func (s *Service) ReactivateUser(ctx context.Context, adminID, targetID int64, reason string, actx audit.Context) (result *StatusChange, err error) {
	defer func() {
		s.recordFailure(ctx, adminID, "user_reactivation_failed", &targetID, map[string]any{
			"reason": reason,
		}, actx, err)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	user, err := userForUpdate(ctx, tx, targetID)
	if err != nil {
		return nil, err
	}
	if user.IsActive {
		return &StatusChange{User: user, Note: "already active"}, nil
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update users set is_active = true, updated_at = $1 where id = $2
	`, now, targetID); err != nil {
		return nil, err
	}
	user.IsActive = true
	user.UpdatedAt = now

	if err := s.audit.Append(ctx, tx, &audit.Entry{
		UserID:       &adminID,
		Action:       "user_reactivated",
		ResourceType: "user",
		ResourceID:   &targetID,
		Changes:      map[string]any{"reason": reason},
		IPAddress:    actx.IPAddress,
		UserAgent:    actx.UserAgent,
		RequestID:    actx.RequestID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &StatusChange{User: user, Changed: true}, nil
}

// ChangePassword lets an authenticated user replace their own password,
// clearing the must-change flag set by CreateUser and ResetPassword.
func (s *Service) ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword string, actx audit.Context) (err error) {
	defer func() {
		s.recordFailure(ctx, userID, "password_change_failed", &userID, nil, actx, err)
	}()

	if len(newPassword) < minPasswordLength {
		return auth.NewValidationError("new_password",
			fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	user, err := userForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	if !user.IsActive {
		return auth.NewValidationError("user_id", "user is inactive")
	}
	if err := auth.VerifyPassword(user.PasswordHash, currentPassword); err != nil {
		return auth.NewValidationError("current_password", "current password is incorrect")
	}

	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update users
		set password_hash = $1, must_change_password = false, password_expires_at = null, updated_at = $2
		where id = $3
	`, hash, now, userID); err != nil {
		return err
	}

	if err := s.audit.Append(ctx, tx, &audit.Entry{
		UserID:       &userID,
		Action:       "password_changed",
		ResourceType: "user",
		ResourceID:   &userID,
		IPAddress:    actx.IPAddress,
		UserAgent:    actx.UserAgent,
		RequestID:    actx.RequestID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- helpers ---

// requireAssignableRoles loads every requested role and rejects the call if
// any is missing or flagged as a system role.
func (s *Service) requireAssignableRoles(ctx context.Context, tx *sql.Tx, roleIDs []int64) ([]auth.Role, error) {
	var (
		roles   []auth.Role
		missing []int64
		system  []int64
	)
	seen := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		var role auth.Role
		var desc sql.NullString
		err := tx.QueryRowContext(ctx, `
			select id, name, description, is_system, created_at, updated_at
			from roles where id = $1
		`, id).Scan(&role.ID, &role.Name, &desc, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		role.Description = desc.String
		if role.IsSystem {
			system = append(system, id)
			continue
		}
		roles = append(roles, role)
	}
	if len(missing) > 0 {
		return nil, auth.NewValidationError("role_ids",
			fmt.Sprintf("roles do not exist: %s", joinIDs(missing)))
	}
	if len(system) > 0 {
		return nil, auth.NewValidationError("role_ids",
			fmt.Sprintf("system roles cannot be assigned: %s", joinIDs(system)))
	}
	return roles, nil
}

func checkUnique(ctx context.Context, tx *sql.Tx, column, value string) error {
	var exists bool
	query := fmt.Sprintf(`select exists(select 1 from users where %s = $1)`, column)
	if err := tx.QueryRowContext(ctx, query, value).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s already exists", auth.ErrConflict, column)
	}
	return nil
}

func heldRoles(ctx context.Context, tx *sql.Tx, userID int64) ([]auth.Role, error) {
	rows, err := tx.QueryContext(ctx, `
		select r.id, r.name, r.is_system
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		var role auth.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.IsSystem); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func userForUpdate(ctx context.Context, tx *sql.Tx, userID int64) (*auth.User, error) {
	var (
		user     auth.User
		fullName sql.NullString
		pwExp    sql.NullTime
		lastLog  sql.NullTime
	)
	err := tx.QueryRowContext(ctx, `
		select id, email, username, full_name, password_hash, is_active, must_change_password, password_expires_at, last_login_at, created_at, updated_at
		from users where id = $1 for update
	`, userID).Scan(&user.ID, &user.Email, &user.Username, &fullName, &user.PasswordHash,
		&user.IsActive, &user.MustChangePassword, &pwExp, &lastLog, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %d", auth.ErrNotFound, userID)
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

// recordFailure writes the failure audit entry outside the rolled-back
// transaction, so the trail is never silent about attempted privileged
// operations. The original error always propagates unchanged.
func (s *Service) recordFailure(ctx context.Context, actorID int64, action string, resourceID *int64, changes map[string]any, actx audit.Context, err error) {
	if err == nil {
		return
	}
	if changes == nil {
		changes = map[string]any{}
	}
	changes["error"] = err.Error()
	entry := &audit.Entry{
		UserID:       &actorID,
		Action:       action,
		ResourceType: "user",
		ResourceID:   resourceID,
		Changes:      changes,
		IPAddress:    actx.IPAddress,
		UserAgent:    actx.UserAgent,
		RequestID:    actx.RequestID,
	}
	if aerr := s.audit.AppendOutsideTx(ctx, entry); aerr != nil {
		obs.LogRequest(map[string]any{
			"level":  "error",
			"msg":    "failure audit write failed",
			"action": action,
			"error":  aerr.Error(),
		})
	}
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func mapConstraintError(err error) error {
	if err == nil {
		return nil
	}
	if code, constraint, ok := pgErrorCode(err); ok {
		switch code {
		case pgUniqueViolation:
			switch {
			case strings.Contains(constraint, "email"):
				return fmt.Errorf("%w: email already exists", auth.ErrConflict)
			case strings.Contains(constraint, "username"):
				return fmt.Errorf("%w: username already exists", auth.ErrConflict)
			}
			return auth.ErrConflict
		case pgForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"strikeboard.org/internal/audit"
	"strikeboard.org/internal/auth"
	"strikeboard.org/internal/lifecycle"
)

// pathID parses the {id} path segment, writing a 400 on garbage.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

type createUserRequest struct {
	Email    string  `json:"email" validate:"required,email,max=255"`
	Username string  `json:"username" validate:"required,min=3,max=64"`
	FullName string  `json:"full_name" validate:"max=255"`
	RoleIDs  []int64 `json:"role_ids" validate:"dive,gt=0"`
}

type createUserResponse struct {
	User         auth.User   `json:"user"`
	Roles        []auth.Role `json:"roles"`
	TempPassword string      `json:"temp_password"`
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	adminID, ok := a.ensurePermission(w, r, auth.PermUserCreate)
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeFieldErrors(w, validationFields(err))
		return
	}
	created, err := a.users.CreateUser(r.Context(), adminID, lifecycle.CreateUserInput{
		Email:    req.Email,
		Username: req.Username,
		FullName: req.FullName,
		RoleIDs:  req.RoleIDs,
	}, a.auditContext(r))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createUserResponse{
		User:         created.User,
		Roles:        created.Roles,
		TempPassword: created.TempPassword,
	})
}

type updateRolesRequest struct {
	RoleIDs []int64 `json:"role_ids" validate:"dive,gt=0"`
	Reason  string  `json:"reason" validate:"max=500"`
}

type updateRolesResponse struct {
	UserID  int64       `json:"user_id"`
	Roles   []auth.Role `json:"roles"`
	Added   []int64     `json:"added_role_ids"`
	Removed []int64     `json:"removed_role_ids"`
	Changed bool        `json:"changed"`
}

func (a *API) handleUpdateUserRoles(w http.ResponseWriter, r *http.Request) {
	adminID, ok := a.ensurePermission(w, r, auth.PermUserUpdate)
	if !ok {
		return
	}
	targetID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateRolesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeFieldErrors(w, validationFields(err))
		return
	}
	result, err := a.users.UpdateUserRoles(r.Context(), adminID, lifecycle.RoleUpdateInput{
		UserID:  targetID,
		RoleIDs: req.RoleIDs,
		Reason:  req.Reason,
	}, a.auditContext(r))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updateRolesResponse{
		UserID:  result.UserID,
		Roles:   result.Roles,
		Added:   result.Added,
		Removed: result.Removed,
		Changed: result.Changed,
	})
}

type passwordResetResponse struct {
	TempPassword string    `json:"temp_password"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	adminID, ok := a.ensurePermission(w, r, auth.PermUserUpdate)
	if !ok {
		return
	}
	targetID, ok := pathID(w, r)
	if !ok {
		return
	}
	reset, err := a.users.ResetPassword(r.Context(), adminID, targetID, a.auditContext(r))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, passwordResetResponse{
		TempPassword: reset.TempPassword,
		ExpiresAt:    reset.ExpiresAt,
	})
}

type statusChangeRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	a.handleStatusChange(w, r, auth.PermUserDeactivate, a.users.DeactivateUser)
}

func (a *API) handleReactivateUser(w http.ResponseWriter, r *http.Request) {
	a.handleStatusChange(w, r, auth.PermUserUpdate, a.users.ReactivateUser)
}

type statusChangeResponse struct {
	User    *auth.User `json:"user"`
	Changed bool       `json:"changed"`
	Note    string     `json:"note,omitempty"`
}

func (a *API) handleStatusChange(
	w http.ResponseWriter,
	r *http.Request,
	perm string,
	op func(ctx context.Context, adminID, targetID int64, reason string, actx audit.Context) (*lifecycle.StatusChange, error),
) {
	adminID, ok := a.ensurePermission(w, r, perm)
	if !ok {
		return
	}
	targetID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req statusChangeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.validate.Struct(req); err != nil {
			writeFieldErrors(w, validationFields(err))
			return
		}
	}
	change, err := op(r.Context(), adminID, targetID, req.Reason, a.auditContext(r))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusChangeResponse{
		User:    change.User,
		Changed: change.Changed,
		Note:    change.Note,
	})
}

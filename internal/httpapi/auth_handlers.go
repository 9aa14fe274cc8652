package httpapi

import (
	"errors"
	"net/http"
	"time"

	"strikeboard.org/internal/auth"
	"strikeboard.org/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	User               auth.User `json:"user"`
	MustChangePassword bool      `json:"must_change_password"`
	ExpiresAt          time.Time `json:"expires_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeFieldErrors(w, validationFields(err))
		return
	}

	user, err := a.users.Authenticate(r.Context(), req.Email, req.Password, a.auditContext(r))
	if err != nil {
		obs.RecordLoginAttempt("failure")
		if errors.Is(err, auth.ErrUnauthorized) {
			// One message for every failure mode so responses do not
			// reveal which emails exist.
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		a.handleServiceError(w, r, err)
		return
	}

	token, expiresAt, err := a.sessions.Issue(user.ID)
	if err != nil {
		obs.RecordLoginAttempt("failure")
		a.handleServiceError(w, r, err)
		return
	}
	a.sessions.SetCookie(w, token, expiresAt)
	obs.RecordLoginAttempt("success")

	writeJSON(w, http.StatusOK, loginResponse{
		User:               *user,
		MustChangePassword: user.MustChangePassword,
		ExpiresAt:          expiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess, err := a.sessionFromRequest(r); err == nil {
		a.users.RecordLogout(r.Context(), sess.UserID, a.auditContext(r))
	}
	// Idempotent: clearing an absent cookie is fine.
	a.sessions.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=12"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeFieldErrors(w, validationFields(err))
		return
	}
	if err := a.users.ChangePassword(r.Context(), uid, req.CurrentPassword, req.NewPassword, a.auditContext(r)); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeError(w, http.StatusForbidden, "current password is incorrect")
			return
		}
		a.handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

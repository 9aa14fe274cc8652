package httpapi

import (
	"net/http"

	"strikeboard.org/internal/auth"
)

func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	perms := a.resolver.ResolveUserPermissions(r.Context(), uid)
	if perms == nil {
		perms = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

type checkPermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required,min=1,max=100,dive,required"`
}

// handleCheckPermissions answers a batch membership query so the UI can
// decide which controls to render with a single round trip.
func (a *API) handleCheckPermissions(w http.ResponseWriter, r *http.Request) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req checkPermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeFieldErrors(w, validationFields(err))
		return
	}
	results := a.resolver.CheckMultiplePermissions(r.Context(), uid, req.Permissions)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

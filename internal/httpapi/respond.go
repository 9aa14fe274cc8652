package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"strikeboard.org/internal/auth"
	"strikeboard.org/internal/obs"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "response encode failed",
			"error": err.Error(),
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeFieldErrors reports a validation failure with a per-field message map.
func writeFieldErrors(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation failed",
		"fields": fields,
	})
}

// decodeJSON parses the request body strictly. Unknown fields are rejected so
// misspelled keys fail loudly instead of being silently ignored.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// handleServiceError maps domain errors onto HTTP statuses. Unexpected errors
// become an opaque 500 in production so internals never leak to clients.
func (a *API) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if ve, ok := auth.AsValidationError(err); ok {
		writeFieldErrors(w, ve.Fields)
		return
	}
	switch {
	case errors.Is(err, auth.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "permission denied")
	default:
		obs.LogRequest(map[string]any{
			"level":      "error",
			"msg":        "request failed",
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
		if a.production {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// validationFields flattens validator errors into a field->message map keyed
// by the struct's json tag names.
func validationFields(err error) map[string]string {
	fields := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields[fe.Field()] = validationMessage(fe)
		}
	}
	if len(fields) == 0 {
		fields["body"] = err.Error()
	}
	return fields
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	default:
		return "is invalid"
	}
}

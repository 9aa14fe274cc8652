package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"strikeboard.org/internal/audit"
	"strikeboard.org/internal/auth"
)

// handleAuditLogs serves the system-wide audit viewer: filtered, paginated
// entries plus aggregate stats over the same filter.
func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, auth.PermAuditRead); !ok {
		return
	}
	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := a.auditlog.List(r.Context(), filter)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	stats, err := a.auditlog.AggregateStats(r.Context(), filter)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":   page.Entries,
		"total":     page.Total,
		"page":      page.Page,
		"page_size": page.PageSize,
		"stats":     stats,
	})
}

// handleUserAuditLogs serves one actor's history with tighter paging.
func (a *API) handleUserAuditLogs(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, auth.PermAuditRead); !ok {
		return
	}
	targetID, ok := pathID(w, r)
	if !ok {
		return
	}
	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := a.auditlog.ListForUser(r.Context(), targetID, filter)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseAuditFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		IPAddress:    q.Get("ip_address"),
		Search:       q.Get("search"),
	}
	var err error
	if f.ResourceID, err = parseOptionalID(q.Get("resource_id"), "resource_id"); err != nil {
		return audit.Filter{}, err
	}
	if f.UserID, err = parseOptionalID(q.Get("user_id"), "user_id"); err != nil {
		return audit.Filter{}, err
	}
	if f.StartDate, err = parseOptionalTime(q.Get("start_date"), "start_date"); err != nil {
		return audit.Filter{}, err
	}
	if f.EndDate, err = parseOptionalTime(q.Get("end_date"), "end_date"); err != nil {
		return audit.Filter{}, err
	}
	if f.Page, err = parseOptionalInt(q.Get("page"), "page"); err != nil {
		return audit.Filter{}, err
	}
	if f.PageSize, err = parseOptionalInt(q.Get("page_size"), "page_size"); err != nil {
		return audit.Filter{}, err
	}
	return f, nil
}

func parseOptionalID(s, name string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return nil, badParam(name)
	}
	return &id, nil
}

func parseOptionalInt(s, name string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, badParam(name)
	}
	return n, nil
}

// parseOptionalTime accepts RFC 3339 timestamps or bare dates.
func parseOptionalTime(s, name string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, nil
	}
	return nil, badParam(name)
}

type paramError string

func (e paramError) Error() string { return "invalid " + string(e) + " parameter" }

func badParam(name string) error { return paramError(name) }

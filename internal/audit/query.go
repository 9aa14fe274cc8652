package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200

	userDefaultPageSize = 20
	userMaxPageSize     = 100

	statsTopN = 10
)

// Filter narrows the audit listing. Zero-valued fields are ignored. Search
// matches action, resource type and the serialized changes payload.
type Filter struct {
	Action       string
	ResourceType string
	ResourceID   *int64
	UserID       *int64
	IPAddress    string
	Search       string
	StartDate    *time.Time
	EndDate      *time.Time
	Page         int
	PageSize     int
}

// Page is one page of audit entries plus the unpaginated total.
type Page struct {
	Entries  []Entry `json:"entries"`
	Total    int64   `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

// CountByKey is one aggregate bucket in Stats.
type CountByKey struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Stats summarizes the filtered entries for the system-wide viewer.
type Stats struct {
	TopActions       []CountByKey `json:"top_actions"`
	TopResourceTypes []CountByKey `json:"top_resource_types"`
	TopActors        []CountByKey `json:"top_actors"`
}

// List returns a filtered, paginated page of entries, newest first.
// System-wide view: default page size 50, hard cap 200.
func (r *Recorder) List(ctx context.Context, f Filter) (Page, error) {
	return r.list(ctx, f, defaultPageSize, maxPageSize)
}

// ListForUser returns the entries for a single actor with the tighter
// per-user paging limits (default 20, cap 100).
func (r *Recorder) ListForUser(ctx context.Context, userID int64, f Filter) (Page, error) {
	f.UserID = &userID
	return r.list(ctx, f, userDefaultPageSize, userMaxPageSize)
}

func (r *Recorder) list(ctx context.Context, f Filter, defSize, maxSize int) (Page, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defSize
	}
	if f.PageSize > maxSize {
		f.PageSize = maxSize
	}

	where, args := buildWhere(f)

	var total int64
	countQuery := `select count(*) from audit_log` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return Page{}, err
	}

	offset := (f.Page - 1) * f.PageSize
	query := fmt.Sprintf(`
		select id, user_id, action, resource_type, resource_id, changes, ip_address, user_agent, request_id, created_at
		from audit_log%s
		order by created_at desc, id desc
		limit $%d offset $%d
	`, where, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, query, append(args, f.PageSize, offset)...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	entries := make([]Entry, 0, f.PageSize)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Page{}, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	return Page{Entries: entries, Total: total, Page: f.Page, PageSize: f.PageSize}, nil
}

// AggregateStats computes the top actions, resource types and actors for the
// filtered view.
func (r *Recorder) AggregateStats(ctx context.Context, f Filter) (Stats, error) {
	where, args := buildWhere(f)
	var stats Stats
	var err error
	if stats.TopActions, err = r.countBy(ctx, "action", where, args); err != nil {
		return Stats{}, err
	}
	if stats.TopResourceTypes, err = r.countBy(ctx, "resource_type", where, args); err != nil {
		return Stats{}, err
	}
	if stats.TopActors, err = r.countBy(ctx, "user_id::text", where, args); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (r *Recorder) countBy(ctx context.Context, column, where string, args []any) ([]CountByKey, error) {
	query := fmt.Sprintf(`
		select coalesce(%s, '') as key, count(*) as cnt
		from audit_log%s
		group by key
		order by cnt desc, key asc
		limit %d
	`, column, where, statsTopN)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []CountByKey
	for rows.Next() {
		var c CountByKey
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func buildWhere(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
		idx   = 1
	)
	add := func(cond string, value any) {
		conds = append(conds, fmt.Sprintf(cond, idx))
		args = append(args, value)
		idx++
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != nil {
		add("resource_id = $%d", *f.ResourceID)
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.IPAddress != "" {
		add("ip_address = $%d", f.IPAddress)
	}
	if f.StartDate != nil {
		add("created_at >= $%d", f.StartDate.UTC())
	}
	if f.EndDate != nil {
		add("created_at <= $%d", f.EndDate.UTC())
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		pattern := "%" + s + "%"
		conds = append(conds, fmt.Sprintf(
			"(action ilike $%d or resource_type ilike $%d or changes::text ilike $%d)", idx, idx, idx))
		args = append(args, pattern)
		idx++
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " where " + strings.Join(conds, " and "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e          Entry
		userID     sql.NullInt64
		resourceID sql.NullInt64
		changes    []byte
		ip, ua, rid sql.NullString
	)
	if err := row.Scan(&e.ID, &userID, &e.Action, &e.ResourceType, &resourceID,
		&changes, &ip, &ua, &rid, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	if userID.Valid {
		e.UserID = &userID.Int64
	}
	if resourceID.Valid {
		e.ResourceID = &resourceID.Int64
	}
	if len(changes) > 0 {
		_ = json.Unmarshal(changes, &e.Changes)
	}
	e.IPAddress = ip.String
	e.UserAgent = ua.String
	e.RequestID = rid.String
	return e, nil
}

// Package audit appends immutable audit-log entries and serves the read
// side used by the audit viewer. Rows are historical facts: they are never
// updated or deleted.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Entry is one append-only audit record. UserID is nil for anonymous or
// system actions; ResourceID is nil when the action has no single target.
type Entry struct {
	ID           int64          `json:"id"`
	UserID       *int64         `json:"user_id,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   *int64         `json:"resource_id,omitempty"`
	Changes      map[string]any `json:"changes,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Context carries the request metadata every mutating operation must attach
// to its audit entries. The HTTP layer fills it from the inbound request.
type Context struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// Recorder writes and reads audit entries.
type Recorder struct {
	db  *sql.DB
	now func() time.Time
}

// RecorderOption configures Recorder behavior.
type RecorderOption func(*Recorder)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a Recorder over the shared connection pool.
func NewRecorder(db *sql.DB, opts ...RecorderOption) (*Recorder, error) {
	if db == nil {
		return nil, errors.New("audit: recorder requires a database")
	}
	r := &Recorder{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Append writes one entry inside the caller's transaction. Requiring the
// transaction handle here is what guarantees a mutation and its audit record
// commit or roll back together.
func (r *Recorder) Append(ctx context.Context, tx *sql.Tx, e *Entry) error {
	if tx == nil {
		return errors.New("audit: Append requires a transaction")
	}
	return r.insert(ctx, tx, e)
}

// AppendOutsideTx writes one entry on the pool directly. Reserved for
// failure-path entries (the mutation they describe rolled back) and for
// events with no accompanying mutation, such as failed logins.
func (r *Recorder) AppendOutsideTx(ctx context.Context, e *Entry) error {
	return r.insert(ctx, r.db, e)
}

func (r *Recorder) insert(ctx context.Context, ex execer, e *Entry) error {
	if e == nil {
		return errors.New("audit: entry is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("audit: action is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return errors.New("audit: resource type is required")
	}
	changes := []byte("{}")
	if len(e.Changes) > 0 {
		raw, err := json.Marshal(e.Changes)
		if err != nil {
			return err
		}
		changes = raw
	}
	createdAt := r.now().UTC()
	row := ex.QueryRowContext(ctx, `
		insert into audit_log (user_id, action, resource_type, resource_id, changes, ip_address, user_agent, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning id
	`, e.UserID, e.Action, e.ResourceType, e.ResourceID, changes,
		nullIfEmpty(e.IPAddress), nullIfEmpty(e.UserAgent), nullIfEmpty(e.RequestID), createdAt)
	if err := row.Scan(&e.ID); err != nil {
		return err
	}
	e.CreatedAt = createdAt
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func entryRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "action", "resource_type", "resource_id",
		"changes", "ip_address", "user_agent", "request_id", "created_at",
	})
}

func TestListDefaultsAndFilter(t *testing.T) {
	r, mock := newRecorderTest(t)
	created := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)

	mock.ExpectQuery(`select count\(\*\) from audit_log where action = \$1`).
		WithArgs("login_failed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectQuery(`from audit_log where action = \$1`).
		WithArgs("login_failed", 50, 0).
		WillReturnRows(entryRows().
			AddRow(int64(2), nil, "login_failed", "session", nil,
				[]byte(`{"reason":"unknown_email"}`), "10.0.0.9", "curl/8", "rid-2", created).
			AddRow(int64(1), int64(4), "login_failed", "session", nil,
				[]byte(`{"reason":"invalid_password"}`), nil, nil, nil, created.Add(-time.Minute)))

	page, err := r.List(context.Background(), Filter{Action: "login_failed"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 2 || page.Page != 1 || page.PageSize != 50 {
		t.Fatalf("page meta = %+v", page)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(page.Entries))
	}
	first := page.Entries[0]
	if first.UserID != nil {
		t.Fatal("anonymous entry should have nil user id")
	}
	if first.Changes["reason"] != "unknown_email" {
		t.Fatalf("changes = %v", first.Changes)
	}
	second := page.Entries[1]
	if second.UserID == nil || *second.UserID != 4 {
		t.Fatalf("second entry user id = %v", second.UserID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestListCapsPageSize(t *testing.T) {
	r, mock := newRecorderTest(t)

	mock.ExpectQuery(`select count\(\*\) from audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery(`from audit_log`).
		WithArgs(200, 200).
		WillReturnRows(entryRows())

	page, err := r.List(context.Background(), Filter{Page: 2, PageSize: 9999})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.PageSize != 200 {
		t.Fatalf("PageSize = %d, want cap 200", page.PageSize)
	}
	if len(page.Entries) != 0 {
		t.Fatalf("expected empty page, got %d entries", len(page.Entries))
	}
}

func TestListForUserScopesAndCaps(t *testing.T) {
	r, mock := newRecorderTest(t)

	mock.ExpectQuery(`select count\(\*\) from audit_log where user_id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectQuery(`from audit_log where user_id = \$1`).
		WithArgs(int64(7), 100, 0).
		WillReturnRows(entryRows().
			AddRow(int64(3), int64(7), "login", "session", nil,
				[]byte(`{}`), "10.0.0.9", nil, nil, time.Now()))

	page, err := r.ListForUser(context.Background(), 7, Filter{PageSize: 5000})
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if page.PageSize != 100 {
		t.Fatalf("PageSize = %d, want per-user cap 100", page.PageSize)
	}
	if len(page.Entries) != 1 || page.Entries[0].Action != "login" {
		t.Fatalf("entries = %+v", page.Entries)
	}
}

func TestAggregateStats(t *testing.T) {
	r, mock := newRecorderTest(t)

	mock.ExpectQuery(`group by key`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "cnt"}).
			AddRow("login", int64(12)).AddRow("user_created", int64(3)))
	mock.ExpectQuery(`group by key`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "cnt"}).
			AddRow("session", int64(12)).AddRow("user", int64(3)))
	mock.ExpectQuery(`group by key`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "cnt"}).
			AddRow("1", int64(15)))

	stats, err := r.AggregateStats(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("AggregateStats: %v", err)
	}
	if len(stats.TopActions) != 2 || stats.TopActions[0].Key != "login" {
		t.Fatalf("TopActions = %+v", stats.TopActions)
	}
	if len(stats.TopResourceTypes) != 2 || stats.TopResourceTypes[0].Count != 12 {
		t.Fatalf("TopResourceTypes = %+v", stats.TopResourceTypes)
	}
	if len(stats.TopActors) != 1 || stats.TopActors[0].Key != "1" {
		t.Fatalf("TopActors = %+v", stats.TopActors)
	}
}

func TestBuildWhereCombines(t *testing.T) {
	uid := int64(9)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args := buildWhere(Filter{
		Action:    "user_created",
		UserID:    &uid,
		StartDate: &start,
		Search:    "example.com",
	})
	want := " where action = $1 and user_id = $2 and created_at >= $3 and (action ilike $4 or resource_type ilike $4 or changes::text ilike $4)"
	if where != want {
		t.Fatalf("where = %q, want %q", where, want)
	}
	if len(args) != 4 {
		t.Fatalf("args = %v", args)
	}
	if args[3] != "%example.com%" {
		t.Fatalf("search arg = %v", args[3])
	}
}

func TestBuildWhereEmpty(t *testing.T) {
	where, args := buildWhere(Filter{})
	if where != "" || args != nil {
		t.Fatalf("expected empty where, got %q %v", where, args)
	}
}

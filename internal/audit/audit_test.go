package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newRecorderTest(t *testing.T, opts ...RecorderOption) (*Recorder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	r, err := NewRecorder(db, opts...)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	return r, mock
}

func TestAppendRequiresTransaction(t *testing.T) {
	r, _ := newRecorderTest(t)
	err := r.Append(context.Background(), nil, &Entry{
		Action:       "user_created",
		ResourceType: "user",
	})
	if err == nil {
		t.Fatal("Append without a transaction must fail")
	}
}

func TestAppendInsideTransaction(t *testing.T) {
	fixed := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	r, mock := newRecorderTest(t, WithClock(func() time.Time { return fixed }))

	actor := int64(1)
	target := int64(17)

	mock.ExpectBegin()
	mock.ExpectQuery(`insert into audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))
	mock.ExpectCommit()

	tx, err := r.db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	e := &Entry{
		UserID:       &actor,
		Action:       "user_created",
		ResourceType: "user",
		ResourceID:   &target,
		Changes:      map[string]any{"email": "op@example.com"},
		IPAddress:    "10.0.0.9",
		RequestID:    "01JKT0000000000000000000EX",
	}
	if err := r.Append(context.Background(), tx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if e.ID != 101 {
		t.Fatalf("ID = %d, want 101", e.ID)
	}
	if !e.CreatedAt.Equal(fixed) {
		t.Fatalf("CreatedAt = %v, want %v", e.CreatedAt, fixed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAppendOutsideTx(t *testing.T) {
	r, mock := newRecorderTest(t)

	mock.ExpectQuery(`insert into audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	e := &Entry{Action: "login_failed", ResourceType: "session",
		Changes: map[string]any{"reason": "unknown_email"}}
	if err := r.AppendOutsideTx(context.Background(), e); err != nil {
		t.Fatalf("AppendOutsideTx: %v", err)
	}
	if e.ID != 7 {
		t.Fatalf("ID = %d, want 7", e.ID)
	}
}

func TestAppendValidation(t *testing.T) {
	r, _ := newRecorderTest(t)
	ctx := context.Background()

	if err := r.AppendOutsideTx(ctx, nil); err == nil {
		t.Fatal("nil entry must fail")
	}
	if err := r.AppendOutsideTx(ctx, &Entry{ResourceType: "user"}); err == nil {
		t.Fatal("missing action must fail")
	}
	if err := r.AppendOutsideTx(ctx, &Entry{Action: "login"}); err == nil {
		t.Fatal("missing resource type must fail")
	}
}

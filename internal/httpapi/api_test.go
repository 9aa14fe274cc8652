package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"strikeboard.org/internal/audit"
	"strikeboard.org/internal/auth"
	"strikeboard.org/internal/lifecycle"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var testNow = time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)

type testAPI struct {
	t      *testing.T
	api    *API
	mock   sqlmock.Sqlmock
	server *httptest.Server
	client *http.Client
}

func newTestAPI(t *testing.T, opts ...Option) *testAPI {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessions, err := auth.NewSessionManager(testSecret)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	resolver, err := auth.NewResolver(db)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	recorder, err := audit.NewRecorder(db, audit.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	users, err := lifecycle.NewService(db, recorder, lifecycle.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	api := New(db, sessions, resolver, users, recorder, opts...)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &testAPI{t: t, api: api, mock: mock, server: server, client: client}
}

func (ta *testAPI) request(method, path string, body any, cookie *http.Cookie) *http.Response {
	ta.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			ta.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ta.server.URL+path, &buf)
	if err != nil {
		ta.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := ta.client.Do(req)
	if err != nil {
		ta.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// sessionCookie mints a valid cookie for userID directly, skipping /login.
func (ta *testAPI) sessionCookie(userID int64) *http.Cookie {
	ta.t.Helper()
	token, _, err := ta.api.sessions.Issue(userID)
	if err != nil {
		ta.t.Fatalf("Issue: %v", err)
	}
	return &http.Cookie{Name: auth.SessionCookieName, Value: token}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// expectResolve sets up the two resolver queries for an active user.
func (ta *testAPI) expectResolve(userID int64, perms ...string) {
	ta.mock.ExpectQuery(`select is_active from users where id = \$1`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))
	rows := sqlmock.NewRows([]string{"name"})
	for _, p := range perms {
		rows.AddRow(p)
	}
	ta.mock.ExpectQuery(`select distinct p\.name`).
		WithArgs(userID).
		WillReturnRows(rows)
}

func TestHealthzIsPublic(t *testing.T) {
	ta := newTestAPI(t, WithVersion("1.2.3"))
	resp := ta.request(http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["version"] != "1.2.3" {
		t.Fatalf("body = %v", body)
	}
}

func TestGateRejectsAPIWithoutSession(t *testing.T) {
	ta := newTestAPI(t)
	resp := ta.request(http.MethodGet, "/api/me/permissions", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGateRedirectsPagesToLogin(t *testing.T) {
	ta := newTestAPI(t)
	resp := ta.request(http.MethodGet, "/dashboard", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/login" {
		t.Fatalf("Location = %q, want /login", loc)
	}
}

func TestGateRedirectsAuthenticatedOffLogin(t *testing.T) {
	ta := newTestAPI(t)
	resp := ta.request(http.MethodGet, "/login", nil, ta.sessionCookie(7))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Fatalf("Location = %q, want /", loc)
	}
}

func TestGateClearsExpiredCookie(t *testing.T) {
	ta := newTestAPI(t)
	expiredManager, _ := auth.NewSessionManager(testSecret,
		auth.WithSessionTTL(time.Minute),
		auth.WithSessionClock(func() time.Time { return time.Now().Add(-time.Hour) }),
	)
	token, _, err := expiredManager.Issue(7)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	resp := ta.request(http.MethodGet, "/api/me/permissions", nil,
		&http.Cookie{Name: auth.SessionCookieName, Value: token})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("expired session cookie should be cleared")
	}
}

func TestLoginSetsCookie(t *testing.T) {
	ta := newTestAPI(t)
	hash, err := auth.HashPassword("hunter2hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	ta.mock.ExpectQuery(`from users where email = \$1`).
		WithArgs("op@example.com").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email", "username", "full_name", "password_hash", "is_active",
			"must_change_password", "password_expires_at", "last_login_at", "created_at", "updated_at",
		}).AddRow(int64(7), "op@example.com", "operator", nil, hash, true, false, nil, nil, testNow, testNow))
	ta.mock.ExpectBegin()
	ta.mock.ExpectExec(`update users set last_login_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ta.mock.ExpectQuery(`insert into audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	ta.mock.ExpectCommit()

	resp := ta.request(http.MethodPost, "/login",
		map[string]string{"email": "op@example.com", "password": "hunter2hunter2"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookieName {
			sessionCookie = c
		}
	}
	if sessionCookie == nil || sessionCookie.Value == "" {
		t.Fatal("expected a session cookie")
	}
	if !sessionCookie.HttpOnly {
		t.Fatal("session cookie must be HttpOnly")
	}
	body := decodeBody[map[string]any](t, resp)
	if body["must_change_password"] != false {
		t.Fatalf("body = %v", body)
	}
	if err := ta.mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	ta := newTestAPI(t)

	ta.mock.ExpectQuery(`from users where email = \$1`).
		WithArgs("ghost@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	ta.mock.ExpectQuery(`insert into audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))

	resp := ta.request(http.MethodPost, "/login",
		map[string]string{"email": "ghost@example.com", "password": "nope-nope"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginValidation(t *testing.T) {
	ta := newTestAPI(t)
	resp := ta.request(http.MethodPost, "/login",
		map[string]string{"email": "not-an-email", "password": ""}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	fields, _ := body["fields"].(map[string]any)
	if _, ok := fields["email"]; !ok {
		t.Fatalf("fields = %v, want email", fields)
	}
	if _, ok := fields["password"]; !ok {
		t.Fatalf("fields = %v, want password", fields)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	ta := newTestAPI(t)
	ta.mock.ExpectQuery(`insert into audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	resp := ta.request(http.MethodPost, "/logout", nil, ta.sessionCookie(7))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("logout must clear the session cookie")
	}
}

func TestMyPermissions(t *testing.T) {
	ta := newTestAPI(t)
	ta.expectResolve(7, "target.read", "vulnerability.read")

	resp := ta.request(http.MethodGet, "/api/me/permissions", nil, ta.sessionCookie(7))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string][]string](t, resp)
	if len(body["permissions"]) != 2 || body["permissions"][0] != "target.read" {
		t.Fatalf("permissions = %v", body["permissions"])
	}
}

func TestCheckPermissionsBatch(t *testing.T) {
	ta := newTestAPI(t)
	ta.expectResolve(7, "vulnerability.*")

	resp := ta.request(http.MethodPost, "/api/me/permissions/check",
		map[string][]string{"permissions": {"vulnerability.delete", "user.create"}},
		ta.sessionCookie(7))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]map[string]bool](t, resp)
	results := body["results"]
	if !results["vulnerability.delete"] || results["user.create"] {
		t.Fatalf("results = %v", results)
	}
}

func TestCreateUserRequiresPermission(t *testing.T) {
	ta := newTestAPI(t)
	ta.expectResolve(7, "target.read")

	resp := ta.request(http.MethodPost, "/api/users",
		map[string]any{"email": "a@b.co", "username": "abc"}, ta.sessionCookie(7))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestUpdateRolesBadID(t *testing.T) {
	ta := newTestAPI(t)
	ta.expectResolve(1, "user.update")

	resp := ta.request(http.MethodPut, "/api/users/abc/roles",
		map[string]any{"role_ids": []int64{2}}, ta.sessionCookie(1))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAuditLogsEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	ta.expectResolve(1, "audit.read")

	ta.mock.ExpectQuery(`select count\(\*\) from audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	ta.mock.ExpectQuery(`from audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "action", "resource_type", "resource_id",
			"changes", "ip_address", "user_agent", "request_id", "created_at",
		}).AddRow(int64(1), int64(7), "login", "session", nil, []byte(`{}`), nil, nil, nil, testNow))
	for i := 0; i < 3; i++ {
		ta.mock.ExpectQuery(`group by key`).
			WillReturnRows(sqlmock.NewRows([]string{"key", "cnt"}).AddRow("login", int64(1)))
	}

	resp := ta.request(http.MethodGet, "/api/audit-logs", nil, ta.sessionCookie(1))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["total"] != float64(1) {
		t.Fatalf("total = %v", body["total"])
	}
	if _, ok := body["stats"]; !ok {
		t.Fatal("expected stats in response")
	}
}

func TestAuditLogsBadDateParam(t *testing.T) {
	ta := newTestAPI(t)
	ta.expectResolve(1, "audit.read")

	resp := ta.request(http.MethodGet, "/api/audit-logs?start_date=yesterday", nil, ta.sessionCookie(1))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLoginRateLimited(t *testing.T) {
	ta := newTestAPI(t)

	var last int
	for i := 0; i < loginRateBurst+1; i++ {
		resp := ta.request(http.MethodPost, "/login", map[string]string{}, nil)
		last = resp.StatusCode
		resp.Body.Close()
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("status after burst = %d, want 429", last)
	}
}

func TestSessionRefreshOnGet(t *testing.T) {
	ta := newTestAPI(t)

	// A token issued 20 hours ago is 4 hours from expiry: still valid and
	// inside the 6-hour refresh window.
	aged, _ := auth.NewSessionManager(testSecret,
		auth.WithSessionClock(func() time.Time { return time.Now().Add(-20 * time.Hour) }))
	token, _, err := aged.Issue(7)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	ta.mock.ExpectQuery(`select is_active and last_login_at is not null`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"eligible"}).AddRow(true))
	ta.expectResolve(7, "target.read")

	resp := ta.request(http.MethodGet, "/api/me/permissions", nil,
		&http.Cookie{Name: auth.SessionCookieName, Value: token})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var refreshed bool
	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookieName && c.Value != "" && c.Value != token {
			refreshed = true
		}
	}
	if !refreshed {
		t.Fatal("expected a refreshed session cookie")
	}
	if err := ta.mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionRefreshSkippedForDeactivated(t *testing.T) {
	ta := newTestAPI(t)
	aged, _ := auth.NewSessionManager(testSecret,
		auth.WithSessionClock(func() time.Time { return time.Now().Add(-20 * time.Hour) }))
	token, _, err := aged.Issue(7)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	ta.mock.ExpectQuery(`select is_active and last_login_at is not null`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"eligible"}).AddRow(false))
	// The request still proceeds; authorization is the resolver's job.
	ta.mock.ExpectQuery(`select is_active from users where id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(false))

	resp := ta.request(http.MethodGet, "/api/me/permissions", nil,
		&http.Cookie{Name: auth.SessionCookieName, Value: token})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookieName && c.Value != "" {
			t.Fatal("deactivated account must not get a refreshed cookie")
		}
	}
}

func TestRequestIDEchoed(t *testing.T) {
	ta := newTestAPI(t)
	resp := ta.request(http.MethodGet, "/healthz", nil, nil)
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id on the response")
	}
}

func TestSecurityHeaders(t *testing.T) {
	ta := newTestAPI(t)
	resp := ta.request(http.MethodGet, "/healthz", nil, nil)
	defer resp.Body.Close()
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing X-Content-Type-Options")
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Fatal("missing X-Frame-Options")
	}
}

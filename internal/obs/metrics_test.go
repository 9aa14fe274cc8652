package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/api/users/42":                   "/api/users/:id",
		"/api/users/42/roles":             "/api/users/:id/roles",
		"/api/users/42/audit-logs":        "/api/users/:id/audit-logs",
		"/api/audit-logs":                 "/api/audit-logs",
		"/api/audit-logs?page=2":          "/api/audit-logs",
		"/login":                          "/login",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSOriginMatching(t *testing.T) {
	cases := []struct {
		name      string
		allowlist []string
		origin    string
		wantAllow string
	}{
		{"listed booking site", []string{"https://trips.example.com"}, "https://trips.example.com", "https://trips.example.com"},
		{"unlisted site", []string{"https://trips.example.com"}, "https://other.example", ""},
		{"wildcard echoes origin", []string{"*"}, "https://agent.example", "https://agent.example"},
		{"blank entries ignored", []string{" ", ""}, "https://trips.example.com", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			})
			req := httptest.NewRequest(http.MethodGet, "/sessions/abc/totals", nil)
			req.Header.Set("Origin", tc.origin)
			rec := httptest.NewRecorder()

			CORS(tc.allowlist)(handler).ServeHTTP(rec, req)

			if !called {
				t.Fatalf("simple requests must reach the handler")
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
				t.Fatalf("allow origin = %q, want %q", got, tc.wantAllow)
			}
			if tc.wantAllow != "" && rec.Header().Get("Access-Control-Allow-Methods") != corsAllowedMethods {
				t.Fatalf("expected PUT/DELETE in allowed methods, got %q", rec.Header().Get("Access-Control-Allow-Methods"))
			}
		})
	}
}

func TestCORSPreflightForDraftEdit(t *testing.T) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodOptions, "/sessions/abc/participants", nil)
	req.Header.Set("Origin", "https://trips.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec := httptest.NewRecorder()

	CORS([]string{"https://trips.example.com"})(handler).ServeHTTP(rec, req)

	if called {
		t.Fatalf("preflight must not reach the handler")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if rec.Header().Get("Access-Control-Max-Age") != "600" {
		t.Fatalf("expected preflight caching header")
	}
}

func TestCORSRejectsPreflightFromUnknownOrigin(t *testing.T) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	mw := CORS([]string{"https://trips.example.com/"})
	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()

	mw(handler).ServeHTTP(rec, req)

	if called {
		t.Fatalf("expected handler to not be called on preflight")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}
}

func TestCORSTrailingSlashInAllowlist(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	mw := CORS([]string{"https://trips.example.com/"})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://trips.example.com")
	rec := httptest.NewRecorder()

	mw(handler).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != "X-Request-Id" {
		t.Fatalf("expected exposed request id header, got %q", got)
	}
}

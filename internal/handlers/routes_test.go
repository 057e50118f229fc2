package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chronosearch/backend/internal/auth"
	"github.com/chronosearch/backend/internal/models"
)

func routerForTest(t *testing.T) (*auth.Manager, http.Handler, *inMemoryVideoCatalog) {
	t.Helper()

	manager := newTestSessionManager()
	video := publicTestVideo("v1", "user-1")
	catalog := newInMemoryVideoCatalog(video)

	router := NewRouter(Dependencies{
		Users:    newInMemoryUserStore(),
		Sessions: manager,
		Videos:   catalog,
		Objects:  newMemObjects(),
		Index:    &stubScheduler{},
		Frames:   stubFrameCounter{counts: map[string]int{}},
		Search:   &stubSearcher{},
	})
	return manager, router, catalog
}

func TestRouterProtectedRoutesRequireToken(t *testing.T) {
	_, router, _ := routerForTest(t)

	protected := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/upload"},
		{http.MethodGet, "/api/my_videos"},
		{http.MethodPost, "/api/reindex/v1"},
		{http.MethodPatch, "/api/videos/v1"},
		{http.MethodDelete, "/api/videos/v1"},
	}

	for _, route := range protected {
		req := httptest.NewRequest(route.method, route.path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401 without token, got %d", route.method, route.path, rec.Code)
		}
	}
}

func TestRouterBearerTokenResolvesUser(t *testing.T) {
	manager, router, _ := routerForTest(t)

	tokens, err := manager.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue tokens: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/my_videos", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouterInvalidTokenRejected(t *testing.T) {
	_, router, _ := routerForTest(t)

	req := httptest.NewRequest(http.MethodGet, "/api/my_videos", nil)
	req.Header.Set("Authorization", "Bearer bogus-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with invalid token, got %d", rec.Code)
	}
}

func TestRouterAnonymousReadsAllowed(t *testing.T) {
	_, router, _ := routerForTest(t)

	open := []string{
		"/healthz",
		"/api/feed",
		"/api/status/v1",
	}

	for _, path := range open {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s: expected 200 anonymously, got %d: %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestRouterOptionalAuthOnStatus(t *testing.T) {
	manager, router, catalog := routerForTest(t)

	private := publicTestVideo("priv", "user-1")
	private.Visibility = models.VisibilityPrivate
	if err := catalog.Create(context.Background(), private); err != nil {
		t.Fatalf("seed private video: %v", err)
	}

	// Anonymous caller cannot see the private video.
	req := httptest.NewRequest(http.MethodGet, "/api/status/priv", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 anonymously, got %d", rec.Code)
	}

	// The owner's token unlocks it on the same route.
	tokens, err := manager.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue tokens: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status/priv", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for owner, got %d", rec.Code)
	}
}

func TestRouterQueryParamForms(t *testing.T) {
	manager, router, _ := routerForTest(t)

	// The documented client addresses videos by query parameter.
	req := httptest.NewRequest(http.MethodGet, "/api/status?video_id=v1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/status?video_id=v1: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/search?query=sunset&video_id=v1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/search: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/search_global?query=sunset", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/search_global: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	tokens, err := manager.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue tokens: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/reindex?video_id=v1", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/reindex?video_id=v1: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouterFeedReturnsArray(t *testing.T) {
	_, router, _ := routerForTest(t)

	req := httptest.NewRequest(http.MethodGet, "/api/feed", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); !strings.HasPrefix(body, "[") {
		t.Fatalf("expected a JSON array, got %s", body)
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc123", "abc123"},
		{"Bearer   abc123  ", "abc123"},
		{"Basic dXNlcjpwYXNz", ""},
		{"bearer abc123", ""},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := bearerToken(req); got != tc.want {
			t.Fatalf("header %q: expected token %q, got %q", tc.header, tc.want, got)
		}
	}
}

func TestRateLimitKeyPrefersUserID(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	req.RemoteAddr = "203.0.113.7:4242"

	if key := rateLimitKey(req, "upload"); key != "upload:203.0.113.7" {
		t.Fatalf("expected IP key for anonymous request, got %q", key)
	}

	req = authed(req, "user-1")
	if key := rateLimitKey(req, "upload"); key != "upload:user-1" {
		t.Fatalf("expected user key for authenticated request, got %q", key)
	}
}

func TestClientIPForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", " 198.51.100.9 , 10.0.0.1")

	if ip := clientIP(req); ip != "198.51.100.9" {
		t.Fatalf("expected first forwarded address, got %q", ip)
	}
}

package proxy

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testAdmin(t *testing.T, auth AdminAuthConfig) *AdminServer {
	t.Helper()
	rt := newFakeRuntime([]ContainerID{"c1"}, StateRunning)
	m := NewLifecycleManager(rt, []ContainerID{"c1"}, testConfig())
	return NewAdminServer(":0", auth, m)
}

func TestHealthzAlwaysOK(t *testing.T) {
	a := testAdmin(t, AdminAuthConfig{Method: "none"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	a.handleHealthz(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestStatusReportsSnapshot(t *testing.T) {
	a := testAdmin(t, AdminAuthConfig{Method: "none"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	a.handleStatus(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestAdminAuthBasic(t *testing.T) {
	a := testAdmin(t, AdminAuthConfig{Method: "basic", Username: "u", Password: "p"})
	handler := a.authenticated(http.HandlerFunc(a.handleHealthz))

	t.Run("missing credentials rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("correct credentials accepted", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("u:p")))
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("u:wrong")))
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestAdminAuthBearer(t *testing.T) {
	a := testAdmin(t, AdminAuthConfig{Method: "bearer", Token: "secret"})
	handler := a.authenticated(http.HandlerFunc(a.handleHealthz))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer secret")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAdminRateLimiting(t *testing.T) {
	a := testAdmin(t, AdminAuthConfig{Method: "none"})
	handler := a.rateLimited(http.HandlerFunc(a.handleHealthz))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.5:12345"

	var lastCode int
	for i := 0; i < adminRateBurst+2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		lastCode = rec.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Errorf("final status = %d, want 429 after exceeding burst", lastCode)
	}
}

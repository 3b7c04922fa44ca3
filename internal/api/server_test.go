package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/csuduan/qtrader/internal/events"
	"github.com/csuduan/qtrader/internal/manager"
	"github.com/csuduan/qtrader/pkg/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:          "0",
		JWTSecret:     "test-secret",
		AdminUser:     "admin",
		AdminPassword: "pass123",
	}
	bus := events.NewBus()
	bus.Start()
	t.Cleanup(func() { bus.Stop(time.Second) })
	mgr := manager.New(cfg, nil, bus)
	mgr.Start()
	t.Cleanup(mgr.Stop)
	return NewServer(cfg, mgr, bus)
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "pass123"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("login response %s: %v", w.Body.String(), err)
	}
	return resp.Token
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrong"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, expected 401", w.Code)
	}
}

func TestAuthMiddlewareGatesRoutes(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/traders", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d, expected 401", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/traders", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status %d, expected 401", w.Code)
	}

	token := login(t, s)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/traders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated status %d: %s", w.Code, w.Body.String())
	}
}

func TestUnknownAccountIsAnError(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/traders/ghost/start", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, expected 400: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/accounts/ghost/positions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("forward status %d, expected 502: %s", w.Code, w.Body.String())
	}
}

func TestCrossAccountQueriesWithNoTraders(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)

	for _, path := range []string{"/api/accounts", "/api/positions", "/api/orders", "/api/trades"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status %d", path, w.Code)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestServer(t)
	token, err := s.issueToken("admin")
	if err != nil {
		t.Fatal(err)
	}
	user, err := s.parseToken(token)
	if err != nil || user != "admin" {
		t.Fatalf("parse: %q %v", user, err)
	}
	if _, err := s.parseToken(token + "x"); err == nil {
		t.Fatal("tampered token accepted")
	}
}

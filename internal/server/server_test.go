package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wirechat/wirechat/internal/auth"
	"github.com/wirechat/wirechat/internal/chat"
	"github.com/wirechat/wirechat/internal/config"
	"github.com/wirechat/wirechat/internal/store"
)

func setupTestServer(t *testing.T) (*Server, *auth.Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}

	authSvc := auth.NewService(s, cfg.Auth)
	gw := chat.New(s, authSvc, nil, nil, slog.Default(), chat.Options{})
	srv := NewServer(s, authSvc, authSvc, gw, cfg, slog.Default())
	return srv, authSvc, s
}

func createTestUserAndGetToken(t *testing.T, authSvc *auth.Service, username string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := authSvc.Register(ctx, username, "testpassword123", ""); err != nil {
		t.Fatal(err)
	}
	token, err := authSvc.Login(ctx, username, "testpassword123")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	rec := doRequest(t, srv, "GET", "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status: got %v", body["status"])
	}
}

func TestReadyz(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	rec := doRequest(t, srv, "GET", "/readyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: got %d, want 200", rec.Code)
	}
}

func TestAuthConfig(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	rec := doRequest(t, srv, "GET", "/api/auth/config", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("auth config: got %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["provider"] != "builtin" {
		t.Errorf("provider: got %q, want builtin", body["provider"])
	}
}

func TestLoginFlow(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	createTestUserAndGetToken(t, authSvc, "alice")

	rec := doRequest(t, srv, "POST", "/api/auth/login", "", map[string]string{
		"username": "alice",
		"password": "testpassword123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: got %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["token"] == "" {
		t.Error("login response has no token")
	}

	rec = doRequest(t, srv, "POST", "/api/auth/login", "", map[string]string{
		"username": "alice",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password: got %d, want 401", rec.Code)
	}
}

func TestCreateUser(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	rec := doRequest(t, srv, "POST", "/api/users", "", map[string]string{
		"username":  "newuser",
		"password":  "longenoughpass",
		"full_name": "New User",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: got %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var user store.User
	if err := json.Unmarshal(rec.Body.Bytes(), &user); err != nil {
		t.Fatal(err)
	}
	if user.Username != "newuser" || user.FullName != "New User" {
		t.Errorf("user: got %+v", user)
	}
	if rec.Body.String() != "" && bytes.Contains(rec.Body.Bytes(), []byte("password_hash")) {
		t.Error("response leaks password hash")
	}

	// Duplicate username conflicts.
	rec = doRequest(t, srv, "POST", "/api/users", "", map[string]string{
		"username": "newuser",
		"password": "longenoughpass",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate: got %d, want 409", rec.Code)
	}

	// Short password rejected.
	rec = doRequest(t, srv, "POST", "/api/users", "", map[string]string{
		"username": "another",
		"password": "short",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("short password: got %d, want 400", rec.Code)
	}
}

func TestGetMeRequiresAuth(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)

	rec := doRequest(t, srv, "GET", "/api/me", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d, want 401", rec.Code)
	}

	rec = doRequest(t, srv, "GET", "/api/me", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: got %d, want 401", rec.Code)
	}

	token := createTestUserAndGetToken(t, authSvc, "bob")
	rec = doRequest(t, srv, "GET", "/api/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("with token: got %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["username"] != "bob" {
		t.Errorf("username: got %q", body["username"])
	}
}

func TestGetUser(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	token := createTestUserAndGetToken(t, authSvc, "alice")

	partner, err := s.GetUserByUsername(context.Background(), "alice")
	if err != nil || partner == nil {
		t.Fatal("seed user lookup failed")
	}

	rec := doRequest(t, srv, "GET", "/api/users?id="+partner.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get user: got %d, want 200", rec.Code)
	}
	var user store.User
	if err := json.Unmarshal(rec.Body.Bytes(), &user); err != nil {
		t.Fatal(err)
	}
	if user.Username != "alice" {
		t.Errorf("username: got %q", user.Username)
	}

	rec = doRequest(t, srv, "GET", "/api/users?id=does-not-exist", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing user: got %d, want 404", rec.Code)
	}

	rec = doRequest(t, srv, "GET", "/api/users", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no id: got %d, want 400", rec.Code)
	}
}

func TestGetConversationPage(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	token := createTestUserAndGetToken(t, authSvc, "alice")

	ctx := context.Background()
	me, err := s.GetUserByUsername(ctx, "alice")
	if err != nil || me == nil {
		t.Fatal("seed user lookup failed")
	}

	convID := chat.ConversationID(me.ID, "partner-1")
	for i := 0; i < 5; i++ {
		msg := &store.ChatMessage{
			SenderID:       "partner-1",
			ReceiverID:     me.ID,
			ConversationID: convID,
			Text:           fmt.Sprintf("msg %d", i),
			CreatedAt:      time.Now().UnixMicro() + int64(i),
		}
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	rec := doRequest(t, srv, "GET", "/api/conversations?partner_id=partner-1&limit=3", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("conversation: got %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var page []store.ChatMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 {
		t.Fatalf("page size: got %d, want 3", len(page))
	}
	// Newest first.
	if page[0].Text != "msg 4" {
		t.Errorf("first item: got %q, want msg 4", page[0].Text)
	}

	rec = doRequest(t, srv, "GET", "/api/conversations?partner_id=partner-1&limit=3&offset=3", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second page: got %d", rec.Code)
	}
	page = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Errorf("second page size: got %d, want 2", len(page))
	}

	rec = doRequest(t, srv, "GET", "/api/conversations", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no partner_id: got %d, want 400", rec.Code)
	}
}

func TestConversationIsolatedPerUser(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	tokenA := createTestUserAndGetToken(t, authSvc, "alice")
	tokenB := createTestUserAndGetToken(t, authSvc, "bob")

	ctx := context.Background()
	alice, _ := s.GetUserByUsername(ctx, "alice")
	bob, _ := s.GetUserByUsername(ctx, "bob")

	convID := chat.ConversationID(alice.ID, bob.ID)
	msg := &store.ChatMessage{
		SenderID:       alice.ID,
		ReceiverID:     bob.ID,
		ConversationID: convID,
		Text:           "between alice and bob",
		CreatedAt:      time.Now().UnixMicro(),
	}
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	// Both participants see the message through their own partner filter.
	rec := doRequest(t, srv, "GET", "/api/conversations?partner_id="+bob.ID, tokenA, nil)
	var page []store.ChatMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Fatalf("alice view: got %d messages, want 1", len(page))
	}

	rec = doRequest(t, srv, "GET", "/api/conversations?partner_id="+alice.ID, tokenB, nil)
	page = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Fatalf("bob view: got %d messages, want 1", len(page))
	}

	// A third party asking about an unrelated partner sees nothing.
	tokenC := createTestUserAndGetToken(t, authSvc, "carol")
	rec = doRequest(t, srv, "GET", "/api/conversations?partner_id="+bob.ID, tokenC, nil)
	page = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page) != 0 {
		t.Errorf("carol view: got %d messages, want 0", len(page))
	}
}

func TestLoginRateLimit(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	// The login limiter allows a burst of 10 per IP.
	var got429 bool
	for i := 0; i < 20; i++ {
		rec := doRequest(t, srv, "POST", "/api/auth/login", "", map[string]string{
			"username": "nobody",
			"password": "whatever123",
		})
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("expected a 429 after exhausting the login burst")
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	rec := doRequest(t, srv, "GET", "/healthz", "", nil)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options header")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing X-Frame-Options header")
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	req := httptest.NewRequest("OPTIONS", "/api/me", nil)
	req.Header.Set("Origin", "https://chat.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: got %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin: got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

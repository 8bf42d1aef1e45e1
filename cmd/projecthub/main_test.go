package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"

	"projecthub/config"
)

func memoryConfig() config.Config {
	cfg := config.Defaults()
	cfg.Backend = config.BackendMemory
	cfg.AuthTestMode = true
	cfg.TestJWTSecret = "cmd-secret"
	return cfg
}

func TestBuildServerMemoryBackend(t *testing.T) {
	srv, closeFn, err := buildServer(context.Background(), memoryConfig())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer closeFn()
	e := newEcho(srv)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ann",
		"email": "ann@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("cmd-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/account", strings.NewReader(`{"name":"Ann"}`))
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestBuildServerRejectsUnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Backend = "floppy"
	if _, _, err := buildServer(context.Background(), cfg); err == nil {
		t.Fatalf("expected error")
	}
}

func TestResourcesFor(t *testing.T) {
	res := resourcesFor(config.Defaults())
	if len(res.Tables) != 3 || res.Queues[0] != "cascade-failures" || res.Containers[0] != "profile-pictures" {
		t.Fatalf("unexpected resources %+v", res)
	}
}

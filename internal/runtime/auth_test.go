package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/council/config"
)

func serveAuth(t *testing.T, secret []byte, setup func(*http.Request)) (*httptest.ResponseRecorder, string) {
	t.Helper()
	e := echo.New()
	var subject string
	e.GET("/p", func(c echo.Context) error {
		subject, _ = SubjectFromContext(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	}, EchoAuthMiddleware(secret))
	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	setup(req)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec, subject
}

func TestAuthMiddlewareAcceptsBearerAndCookie(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := SignJWT("alice", secret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	rec, sub := serveAuth(t, secret, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) })
	if rec.Code != http.StatusNoContent || sub != "alice" {
		t.Fatalf("bearer: code=%d subject=%q", rec.Code, sub)
	}
	rec, sub = serveAuth(t, secret, func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "auth", Value: tok}) })
	if rec.Code != http.StatusNoContent || sub != "alice" {
		t.Fatalf("cookie: code=%d subject=%q", rec.Code, sub)
	}
}

func TestAuthMiddlewareRejects(t *testing.T) {
	secret := []byte("s3cret")
	expired, _ := SignJWT("alice", secret, -time.Minute)
	foreign, _ := SignJWT("alice", []byte("other"), time.Hour)

	cases := map[string]func(*http.Request){
		"missing": func(*http.Request) {},
		"expired": func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) },
		"foreign": func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+foreign) },
		"garbage": func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc.def.ghi") },
	}
	for name, setup := range cases {
		rec, _ := serveAuth(t, secret, setup)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}

func TestLoadJWTSecret(t *testing.T) {
	if _, err := LoadJWTSecret(&config.Config{}); err != ErrNoSecret {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
	cfg := &config.Config{Server: config.ServerConfig{JWTSecret: " k "}}
	s, err := LoadJWTSecret(cfg)
	if err != nil || string(s) != "k" {
		t.Fatalf("unexpected secret %q %v", s, err)
	}
	if _, err := SignJWT("x", nil, time.Hour); err == nil {
		t.Fatalf("expected error signing without secret")
	}
}

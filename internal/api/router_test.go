package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/maraichr/gdr/internal/auth"
)

type tokenVerifier map[string]*auth.Principal

func (v tokenVerifier) VerifyRequest(r *http.Request) (*auth.Principal, error) {
	if p, ok := v[r.Header.Get("Authorization")]; ok {
		return p, nil
	}
	return nil, errors.New("unknown token")
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, ...string) error     { return nil }
func (nopLocker) Unlock(context.Context, ...string) error   { return nil }
func (nopLocker) Locked(context.Context) ([]string, error) { return []string{}, nil }

func TestRouterScopes(t *testing.T) {
	verifier := tokenVerifier{
		"Bearer locker":  {Sub: "ops", Scopes: map[string]bool{auth.ScopeLock: true}},
		"Bearer trigger": {Sub: "ci", Scopes: map[string]bool{auth.ScopeTrigger: true}},
	}
	r := NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), RouterDeps{
		Locker: nopLocker{},
		Auth:   verifier,
	})

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"health is open", http.MethodGet, "/healthz", "", http.StatusOK},
		{"missing token", http.MethodGet, "/api/v1/locks", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/v1/locks", "Bearer nope", http.StatusUnauthorized},
		{"lock scope", http.MethodGet, "/api/v1/locks", "Bearer locker", http.StatusOK},
		{"wrong scope", http.MethodGet, "/api/v1/locks", "Bearer trigger", http.StatusForbidden},
		{"events scope required", http.MethodPost, "/api/v1/events/s3", "Bearer trigger", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString("{}"))
			if tt.token != "" {
				req.Header.Set("Authorization", tt.token)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, w.Code, tt.want)
			}
		})
	}
}

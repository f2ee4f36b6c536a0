// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers bearer tokens, query-string tokens, header identity and anonymous fallback

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// captureOperator returns a handler that records the request's Operator.
func captureOperator(got **Operator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("op-marta", time.Hour)

	var got *Operator
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(OperatorHeader, "spoofed")
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(verifier)(captureOperator(&got)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil || got.ID != "op-marta" || got.Source != SourceToken {
		t.Errorf("operator = %+v, want op-marta from token", got)
	}
}

func TestHTTPAuthMiddleware_QueryToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("op-ws", time.Hour)

	var got *Operator
	req := httptest.NewRequest(http.MethodGet, "/api/ws?access_token="+token, nil)
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(verifier)(captureOperator(&got)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil || got.ID != "op-ws" {
		t.Errorf("operator = %+v, want op-ws", got)
	}
}

func TestHTTPAuthMiddleware_Rejects(t *testing.T) {
	verifier := newTestVerifier(t)
	expired, _ := verifier.Generate("op-1", -time.Minute)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing header", "", "missing authorization header"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "invalid authorization header format"},
		{"empty bearer", "Bearer ", "empty token"},
		{"garbage", "Bearer nope", "invalid token"},
		{"expired", "Bearer " + expired, "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

			req := httptest.NewRequest(http.MethodPost, "/api/conversations/x/take", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			HTTPAuthMiddleware(verifier)(next).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if called {
				t.Error("next handler should not run")
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.wantMsg)
			}
		})
	}
}

func TestHTTPAuthMiddleware_HeaderIdentityWithoutVerifier(t *testing.T) {
	var got *Operator
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set(OperatorHeader, " op-luis ")
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(nil)(captureOperator(&got)).ServeHTTP(rec, req)

	if got == nil || got.ID != "op-luis" || got.Source != SourceHeader {
		t.Errorf("operator = %+v, want op-luis from header", got)
	}
}

func TestHTTPAuthMiddleware_AnonymousWithoutVerifier(t *testing.T) {
	var got *Operator
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(nil)(captureOperator(&got)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil || got.ID != AnonymousOperator || got.Source != SourceAnonymous {
		t.Errorf("operator = %+v, want anonymous", got)
	}
}

func TestOperatorID(t *testing.T) {
	if id := OperatorID(context.Background()); id != "" {
		t.Errorf("OperatorID() = %q on empty context", id)
	}
	ctx := WithOperator(context.Background(), &Operator{ID: "op-9", Source: SourceHeader})
	if id := OperatorID(ctx); id != "op-9" {
		t.Errorf("OperatorID() = %q, want op-9", id)
	}
}

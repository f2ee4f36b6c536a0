// ABOUTME: HTTP middleware that identifies the operator behind an API request
// ABOUTME: Bearer JWT when a verifier is configured, otherwise the X-Operator-ID header

package auth

import (
	"net/http"
	"strings"
)

// OperatorHeader carries the operator id when token auth is disabled.
const OperatorHeader = "X-Operator-ID"

// tokenQueryParam lets browser EventSource and WebSocket clients, which
// cannot set headers, pass the token in the URL.
const tokenQueryParam = "access_token"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func requestToken(r *http.Request) (string, string) {
	if q := r.URL.Query().Get(tokenQueryParam); q != "" && r.Header.Get("Authorization") == "" {
		return q, ""
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// HTTPAuthMiddleware attaches the request's Operator to its context.
//
// With a verifier, a valid bearer token is required and its subject is the
// operator id; requests without one get 401. With a nil verifier the
// X-Operator-ID header names the operator, falling back to
// AnonymousOperator.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				op := &Operator{ID: AnonymousOperator, Source: SourceAnonymous}
				if id := strings.TrimSpace(r.Header.Get(OperatorHeader)); id != "" {
					op = &Operator{ID: id, Source: SourceHeader}
				}
				next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
				return
			}

			token, errMsg := requestToken(r)
			if errMsg != "" {
				writeAuthError(w, errMsg, http.StatusUnauthorized)
				return
			}

			operatorID, err := verifier.Verify(token)
			if err != nil {
				writeAuthError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			op := &Operator{ID: operatorID, Source: SourceToken}
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

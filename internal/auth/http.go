// ABOUTME: HTTP helpers for bearer token extraction and JWT authentication
// ABOUTME: Shared by the websocket accept path and the REST API middleware

package auth

import (
	"net/http"
	"strings"
)

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

// TokenFromRequest returns the bearer token from the Authorization header or,
// for browser websocket clients that cannot set headers, the token query
// parameter. Returns an error message (empty if successful).
func TokenFromRequest(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		return extractBearerToken(h)
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	return "", "missing authorization header"
}

// HTTPAuthMiddleware creates an HTTP middleware that validates JWT tokens and
// attaches the decoded Identity to the request context.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			id, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// ABOUTME: HTTP middleware for agent bearer-token authentication
// ABOUTME: Extracts the JWT from Authorization and adds the agent identity to context

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

// RequireAgent rejects requests without a currently valid agent token.
func RequireAgent(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			agent, err := verifier.Validate(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			identity := &AgentIdentity{Name: agent, Permissions: Permissions(agent)}
			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), identity)))
		})
	}
}

// RequirePermission rejects requests whose agent lacks perm.
// Must be used after RequireAgent.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := AgentFromContext(r.Context())
			if identity == nil {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !identity.Has(perm) {
				writeAuthError(w, http.StatusForbidden, perm+" permission required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

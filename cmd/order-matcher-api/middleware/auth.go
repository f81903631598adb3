// Package middleware provides HTTP middleware for the order matcher API.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type contextKey string

// ReviewerKey is the context key for the authenticated caller.
const ReviewerKey contextKey = "reviewer"

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Enabled bool
	// Tokens maps accepted bearer tokens. An entry "name:token" binds the
	// token to a caller name; a bare token is anonymous.
	Tokens []string
}

type credential struct {
	name  string
	token []byte
}

// Auth returns a bearer-token middleware. It is a pass-through when disabled.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	creds := make([]credential, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		name, token, ok := strings.Cut(t, ":")
		if !ok {
			name, token = "", t
		}
		creds = append(creds, credential{name: name, token: []byte(token)})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing authorization header")
				return
			}
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				unauthorized(w, "invalid authorization header format")
				return
			}

			for _, c := range creds {
				if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), c.token) == 1 {
					ctx := r.Context()
					if c.name != "" {
						ctx = context.WithValue(ctx, ReviewerKey, c.name)
					}
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			unauthorized(w, "invalid token")
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="order-matcher"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// ReviewerFromContext returns the authenticated caller name, if any.
func ReviewerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ReviewerKey).(string); ok {
		return v
	}
	return ""
}

// CORS returns CORS middleware for browser clients.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

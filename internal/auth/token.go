// Package auth guards gateway endpoints with the shared access token the
// hosting page carries in its query string. Token issuance and anything
// beyond a constant-time equality check are external concerns.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// TokenQueryParam is the query-string key clients use to present the token.
const TokenQueryParam = "token"

// tokenFromRequest extracts the presented token. The query string carries
// it in the reference flow; a bearer header is accepted for non-browser
// clients.
func tokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get(TokenQueryParam); tok != "" {
		return tok
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// Middleware returns middleware rejecting requests whose token does not
// match the configured access token. An empty configured token disables the
// check (development mode).
func Middleware(accessToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if accessToken == "" {
				next.ServeHTTP(w, r)
				return
			}

			presented := tokenFromRequest(r)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(accessToken)) != 1 {
				slog.Warn("Rejected request with bad access token", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid access token"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

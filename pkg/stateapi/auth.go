package stateapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken rejects any request whose Authorization header doesn't
// carry token either as a bearer token or as the password half of Basic
// auth — the two forms Terraform's HTTP backend config supports via
// `token`/`password`. /healthz, /readyz, and /metrics are exempt so
// orchestrators and scrapers don't need the token. An empty token
// disables the check entirely, for local development.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				next.ServeHTTP(w, r)
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(bearerOrBasicToken(r))) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

func bearerOrBasicToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	if _, password, ok := r.BasicAuth(); ok {
		return password
	}
	return ""
}

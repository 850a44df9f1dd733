package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// statsAuth requires a Bearer token on operator endpoints.
// When StatsToken is empty, the middleware is a no-op.
func (s *Server) statsAuth(next http.Handler) http.Handler {
	if s.config.StatsToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.StatsToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, errorResponse{Kind: "unauthorized", Message: "missing or invalid bearer token"})
}

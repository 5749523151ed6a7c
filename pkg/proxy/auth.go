package proxy

import (
	"net/http"
	"strings"
)

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) authAPIMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.authTokens[bearerToken(r.Header)]; !ok {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing bearer token", "authentication_error")
			return
		}
		next.ServeHTTP(w, r)
	})
}

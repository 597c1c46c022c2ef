package httpserver

import (
	"net/http"
	"strings"
)

func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return s.withOriginPolicy(next.ServeHTTP)
	}
}

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalizedOrigin, ok := s.policy.Check(originHeader, r.Host)
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// Only send CORS headers when the browser sends an Origin header.
		w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		// Preflight never reaches the route handler.
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

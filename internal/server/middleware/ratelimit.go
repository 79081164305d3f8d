// Package middleware contains HTTP middleware for the orchestrator server.
package middleware

import (
	"net/http"

	"golang.org/x/time/rate"
)

// Submission bursts beyond this get 429s; steady-state sustains SubmitRate.
const (
	SubmitRate  = 50
	SubmitBurst = 100
)

// RateLimit applies a global token-bucket limit to all requests. The server
// has no tenant concept; per-caller fairness belongs to the outer API
// boundary.
func RateLimit(next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(SubmitRate), SubmitBurst)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

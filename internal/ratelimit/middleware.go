package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
)

// ClientIP returns the host part of r.RemoteAddr. Run chi's RealIP
// middleware first when the gateway sits behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware refuses requests over the per-client limit with 429 and a
// Retry-After header. onReject, when set, is called for every refusal.
func Middleware(limiter *Limiter, onReject func(r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !limiter.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			ok, wait := limiter.Allow(ip)
			if !ok {
				if onReject != nil {
					onReject(r)
				}
				retry := int(math.Ceil(wait.Seconds()))
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"success":           false,
					"retryAfterSeconds": retry,
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Too many requests from this address. Try again later.",
					},
				})
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(ip)))
			next.ServeHTTP(w, r)
		})
	}
}

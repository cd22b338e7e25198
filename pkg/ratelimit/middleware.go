package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"tradegate/pkg/httpx"
)

// KeyFunc picks the counter a request is charged to. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests over limit with 429 and a Retry-After header.
// onLimited, when set, runs for every rejected request.
func Middleware(l Limiter, limit int, key KeyFunc, onLimited func(r *http.Request, d Decision)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" || l == nil {
				next.ServeHTTP(w, r)
				return
			}
			d := l.Allow(r.Context(), k, limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			retry := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			if onLimited != nil {
				onLimited(r, d)
			}
			httpx.ErrorWith(w, http.StatusTooManyRequests, "rate_limited", map[string]any{"retry_after": retry})
		})
	}
}

// ByClientIP charges requests to the caller address resolved through trust.
func ByClientIP(prefix string, trust httpx.ProxyTrust) KeyFunc {
	return func(r *http.Request) string {
		ip := trust.ClientIP(r)
		if ip == "" {
			return ""
		}
		return prefix + ip
	}
}

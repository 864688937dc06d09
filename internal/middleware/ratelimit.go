package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
	"mediajobs/internal/ratelimit"
)

// Allower admits or rejects a request for a key.
type Allower interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// RateLimit applies a fixed window per client IP using the shared limiter
// store, so every API replica counts against the same window.
func RateLimit(limiter Allower) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIPForRateLimit(r)
			_, err := limiter.Allow(r.Context(), "ip:"+ip)
			var rl *domain.RateLimitError
			switch {
			case errors.As(err, &rl):
				seconds := int(math.Ceil(rl.RetryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
					"code":       "rate_limited",
					"message":    "too many requests",
					"retryAfter": seconds,
				}})
				return
			case err != nil:
				zerolog.Ctx(r.Context()).Warn().Err(err).Str("ip", ip).Msg("ip rate limit check failed")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIPForRateLimit(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			ip := strings.TrimSpace(part)
			if ip == "" {
				continue
			}
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if net.ParseIP(host) != nil {
			return host
		}
	} else if net.ParseIP(r.RemoteAddr) != nil {
		return r.RemoteAddr
	}

	return r.RemoteAddr
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/recallbricks/recalld/internal/apierr"
	"go.uber.org/zap"
)

type contextKey string

const ownerKey contextKey = "owner"

// ownerFromContext returns the authenticated owner id.
func ownerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

// authenticate resolves the bearer token to an owner id. With no
// configured keys the token itself is the owner, for dev setups.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		token = strings.TrimSpace(token)

		owner := token
		if len(h.apiKeys) > 0 {
			owner, ok = h.apiKeys[token]
			if !ok {
				writeUnauthorized(w, "unknown api key")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, owner)))
	})
}

// rateLimit enforces a fixed per-minute window per owner, backed by
// Redis. Without Redis, or when Redis errors, requests pass through.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.redis == nil || h.requestsPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		owner := ownerFromContext(r.Context())
		window := time.Now().Unix() / 60
		key := fmt.Sprintf("ratelimit:%s:%d", owner, window)
		reset := (window + 1) * 60

		count, err := h.redis.Incr(r.Context(), key).Result()
		if err != nil {
			h.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			h.redis.Expire(r.Context(), key, 2*time.Minute)
		}

		remaining := int64(h.requestsPerMinute) - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.requestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if count > int64(h.requestsPerMinute) {
			retryAfter := int(reset - time.Now().Unix())
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, apierr.RateLimited(retryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

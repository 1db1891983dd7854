package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/lead-pipeline/internal/repository/postgres"
)

type ctxKey int

const apiKeyCtxKey ctxKey = iota

// requireAPIKey authenticates the X-API-Key header against the key
// store. Access is logged per key, best-effort.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		plaintext := r.Header.Get("X-API-Key")
		if plaintext == "" {
			respondError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		key, err := s.apiKeys.Authenticate(r.Context(), plaintext)
		if errors.Is(err, postgres.ErrNotFound) {
			respondError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), apiKeyCtxKey, key)))

		if err := s.apiKeys.LogAccess(r.Context(), key.ID, r.URL.Path, r.Method, rec.status, r.RemoteAddr); err != nil {
			log.Printf("[API] log access for key %d: %v", key.ID, err)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Counter increments atomically with its expiry so the window cannot
// leak a key that never expires.
var rateLimitScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return n`)

// rateLimit enforces a fixed per-minute request budget per caller,
// keyed by API key when present, source IP otherwise. Without Redis the
// limiter allows everything.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.redis == nil {
			next.ServeHTTP(w, r)
			return
		}

		caller := r.RemoteAddr
		if key, ok := r.Context().Value(apiKeyCtxKey).(*postgres.APIKey); ok {
			caller = fmt.Sprintf("key:%d", key.ID)
		} else if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			caller = "key:" + postgres.HashKey(apiKey)[:16]
		}

		now := time.Now()
		bucket := fmt.Sprintf("ratelimit:%s:%d", caller, now.Unix()/60)
		n, err := rateLimitScript.Run(r.Context(), s.redis, []string{bucket}, 60).Int64()
		if err != nil {
			// Fail open: a Redis outage must not take intake down.
			log.Printf("[API] rate limit check: %v", err)
			next.ServeHTTP(w, r)
			return
		}

		if n > int64(s.cfg.RateLimit.RequestsPerMinute) {
			retryAfter := 60 - now.Unix()%60
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

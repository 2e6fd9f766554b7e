package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var limitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "http_rate_limited_total",
	Help: "Requests rejected by the token bucket, by scope.",
}, []string{"scope"})

// RateConfig is a token bucket: Rate tokens per second up to Burst.
// A zero Rate or Burst disables limiting for the scope.
type RateConfig struct {
	Rate  float64 `koanf:"rate"`
	Burst float64 `koanf:"burst"`
}

func (c RateConfig) enabled() bool {
	return c.Rate > 0 && c.Burst > 0
}

// RateLimiter is a token bucket per client kept in redis so every replica
// shares the same budget. Reads and writes draw from separate buckets.
type RateLimiter struct {
	client redis.Scripter
	scopes map[string]RateConfig
	prefix string
	script *redis.Script
	logger *zap.Logger
	now    func() time.Time
}

func NewRateLimiter(client redis.Scripter, read RateConfig, write RateConfig, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client: client,
		scopes: map[string]RateConfig{"read": read, "write": write},
		prefix: "festivo:rl",
		script: redis.NewScript(takeTokenLua),
		logger: logger,
		now:    time.Now,
	}
}

// Middleware is safe to call on a nil limiter; it then passes through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || (!l.scopes["read"].enabled() && !l.scopes["write"].enabled()) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := scopeOf(r.Method)
		cfg := l.scopes[scope]
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		wait, err := l.take(r.Context(), scope, clientIdentifier(r), cfg)
		switch {
		case err != nil:
			// presence traffic keeps flowing when redis is unreachable
			l.logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
		case wait > 0:
			limitedTotal.WithLabelValues(scope).Inc()
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take draws one token. A positive wait means the bucket was empty and the
// request must be rejected.
func (l *RateLimiter) take(ctx context.Context, scope, client string, cfg RateConfig) (time.Duration, error) {
	key := l.prefix + ":" + scope + ":" + client
	reply, err := l.script.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), cfg.Rate, cfg.Burst).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("take token: %w", err)
	}
	if len(reply) != 2 {
		return 0, fmt.Errorf("take token: unexpected reply %v", reply)
	}
	if reply[0] == 1 {
		return 0, nil
	}
	return time.Duration(max(reply[1], 1)) * time.Millisecond, nil
}

func scopeOf(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "read"
	}
	return "write"
}

// clientIdentifier prefers the subject header, then the first forwarded
// address, then the peer address.
func clientIdentifier(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Subject-ID")); id != "" {
		return "subject:" + id
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "anonymous"
}

func retryAfterSeconds(wait time.Duration) string {
	seconds := int64((wait + time.Second - 1) / time.Second)
	return strconv.FormatInt(max(seconds, 1), 10)
}

// takeTokenLua refills the bucket for the elapsed time, then tries to take
// one token. Replies {1, 0} on success or {0, wait_ms} when empty.
const takeTokenLua = `
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens')) or burst
local at = tonumber(redis.call('HGET', KEYS[1], 'at')) or now
if now > at then
  tokens = math.min(burst, tokens + (now - at) * rate / 1000)
  at = now
end

local reply
if tokens >= 1 then
  tokens = tokens - 1
  reply = {1, 0}
else
  reply = {0, math.ceil((1 - tokens) * 1000 / rate)}
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'at', tostring(at))
redis.call('PEXPIRE', KEYS[1], math.ceil(burst * 1000 / rate))
return reply
`

package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/carecircle/medadmin/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long a client's limiter survives without requests.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleTTL:           10 * time.Minute,
	}
}

// limiterStore keeps one token bucket per client. Idle buckets expire out of
// the cache so the map does not grow with every caller ever seen.
type limiterStore struct {
	cfg      RateLimitConfig
	limiters *gocache.Cache
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &limiterStore{
		cfg:      cfg,
		limiters: gocache.New(cfg.IdleTTL, 2*cfg.IdleTTL),
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	if v, ok := s.limiters.Get(key); ok {
		l := v.(*rate.Limiter)
		s.limiters.SetDefault(key, l)
		return l
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)
	// Add fails when a concurrent request created the limiter first.
	if err := s.limiters.Add(key, l, gocache.DefaultExpiration); err != nil {
		if v, ok := s.limiters.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return l
}

// clientKey identifies the caller: the authenticated caregiver when known,
// otherwise the remote address.
func clientKey(c echo.Context) string {
	if id := auth.UserIDFromContext(c.Request().Context()); id != "" {
		return "caregiver:" + id
	}
	return "ip:" + c.RealIP()
}

// RateLimit returns a per-client rate limiting middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)
	retryAfter := 1
	if cfg.RequestsPerSecond > 0 {
		retryAfter = int(math.Ceil(1 / cfg.RequestsPerSecond))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			l := store.get(clientKey(c))
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			if !l.Allow() {
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			h.Set("X-RateLimit-Remaining", strconv.Itoa(int(l.Tokens())))
			return next(c)
		}
	}
}

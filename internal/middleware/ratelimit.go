// AngelaMos | 2026
// ratelimit.go

package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	redis_rate "github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/carterperez-dev/varylite/internal/config"
	"github.com/carterperez-dev/varylite/internal/core"
)

const defaultTier = "free"

type RateLimitConfig struct {
	Limit   redis_rate.Limit
	KeyFunc func(*http.Request) string
	Skip    func(*http.Request) bool
}

// Limit builds a GCRA limit allowing requests per window with the given
// burst. A zero window means one minute.
func Limit(requests, burst int, window time.Duration) redis_rate.Limit {
	if window <= 0 {
		window = time.Minute
	}
	if burst <= 0 {
		burst = requests
	}
	return redis_rate.Limit{Rate: requests, Burst: burst, Period: window}
}

// SkipPaths exempts exact request paths such as probes and webhooks.
func SkipPaths(paths ...string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.URL.Path]
		return ok
	}
}

// limiter checks Redis first and falls back to an in-process bucket per
// key when Redis cannot answer.
type limiter struct {
	redis *redis_rate.Limiter
	local *localBuckets
}

func newLimiter(rdb *redis.Client) *limiter {
	return &limiter{
		redis: redis_rate.NewLimiter(rdb),
		local: newLocalBuckets(10 * time.Minute),
	}
}

func (l *limiter) allow(
	ctx context.Context,
	key string,
	limit redis_rate.Limit,
) *redis_rate.Result {
	res, err := l.redis.Allow(ctx, key, limit)
	if err == nil {
		return res
	}
	slog.WarnContext(ctx, "rate limiter using local buckets",
		"key", key,
		"error", err,
	)
	return l.local.allow(key, limit, time.Now())
}

type RateLimiter struct {
	limiter *limiter
	config  RateLimitConfig
}

func NewRateLimiter(rdb *redis.Client, cfg RateLimitConfig) *RateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = KeyByIP
	}
	return &RateLimiter{limiter: newLimiter(rdb), config: cfg}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.config.Skip != nil && rl.config.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		res := rl.limiter.allow(r.Context(), rl.config.KeyFunc(r), rl.config.Limit)
		writeLimitHeaders(w, res, rl.config.Limit)
		if res.Allowed == 0 {
			rejectLimited(w, res)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// GenerationLimiter bounds how often a caller may start paid generations,
// using the limit configured for the caller's tier. Unknown tiers use the
// free tier's limit and admins are never limited.
func GenerationLimiter(
	rdb *redis.Client,
	tiers map[string]config.TierLimit,
) func(http.Handler) http.Handler {
	l := newLimiter(rdb)

	limits := make(map[string]redis_rate.Limit, len(tiers))
	for name, t := range tiers {
		limits[name] = Limit(t.Requests, t.Burst, time.Minute)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if IsAdmin(ctx) {
				next.ServeHTTP(w, r)
				return
			}

			tier := GetUserTier(ctx)
			limit, ok := limits[tier]
			if !ok {
				tier = defaultTier
				limit, ok = limits[defaultTier]
			}
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			key := "ratelimit:generate:" + GetUserID(ctx)
			res := l.allow(ctx, key, limit)

			w.Header().Set("X-RateLimit-Tier", tier)
			writeLimitHeaders(w, res, limit)
			if res.Allowed == 0 {
				rejectLimited(w, res)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// KeyByIP keys on the client address, preferring the last X-Forwarded-For hop.
func KeyByIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		return "ratelimit:ip:" + strings.TrimSpace(hops[len(hops)-1])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return "ratelimit:ip:" + xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ratelimit:ip:" + host
}

func writeLimitHeaders(
	w http.ResponseWriter,
	res *redis_rate.Result,
	limit redis_rate.Limit,
) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit.Rate))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(
		time.Now().Add(res.ResetAfter).Unix(), 10))
	h.Set("RateLimit-Policy",
		fmt.Sprintf("%d;w=%d", limit.Rate, int(limit.Period.Seconds())))
}

func rejectLimited(w http.ResponseWriter, res *redis_rate.Result) {
	retryAfter := max(int(res.RetryAfter.Seconds()), 1)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

	core.JSON(w, http.StatusTooManyRequests, core.ErrorResponse{
		Success: false,
		Error: core.ErrorBody{
			Code: "RATE_LIMITED",
			Message: fmt.Sprintf(
				"too many requests, retry in %d seconds", retryAfter),
		},
	})
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// localBuckets holds token buckets per key and drops idle ones during
// the next sweep after ttl has passed.
type localBuckets struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	ttl       time.Duration
	nextSweep time.Time
}

func newLocalBuckets(ttl time.Duration) *localBuckets {
	return &localBuckets{buckets: make(map[string]*bucket), ttl: ttl}
}

func (lb *localBuckets) allow(
	key string,
	limit redis_rate.Limit,
	now time.Time,
) *redis_rate.Result {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if now.After(lb.nextSweep) {
		for k, b := range lb.buckets {
			if now.Sub(b.lastSeen) > lb.ttl {
				delete(lb.buckets, k)
			}
		}
		lb.nextSweep = now.Add(lb.ttl)
	}

	interval := limit.Period / time.Duration(max(limit.Rate, 1))
	b, ok := lb.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(interval), limit.Burst)}
		lb.buckets[key] = b
	}
	b.lastSeen = now

	res := &redis_rate.Result{
		Limit:      limit,
		ResetAfter: interval,
		RetryAfter: -1,
	}
	if b.limiter.AllowN(now, 1) {
		res.Allowed = 1
	} else {
		res.RetryAfter = interval
	}
	res.Remaining = max(int(b.limiter.TokensAt(now)), 0)
	return res
}

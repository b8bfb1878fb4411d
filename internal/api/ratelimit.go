package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long a user's bucket is kept after its last request.
const idleLimiterTTL = 10 * time.Minute

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiter hands out one token bucket per user.
type userLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*userBucket
	now     func() time.Time
	swept   time.Time
}

func newUserLimiter(perMinute int) *userLimiter {
	return &userLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		buckets: make(map[string]*userBucket),
		now:     time.Now,
	}
}

// reserve takes a token for user. It returns zero when the request may
// proceed, otherwise how long until a token frees up.
func (l *userLimiter) reserve(user string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) > idleLimiterTTL {
		for id, b := range l.buckets {
			if now.Sub(b.lastSeen) > idleLimiterTTL {
				delete(l.buckets, id)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[user]
	if !ok {
		b = &userBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[user] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Minute
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}
	return 0
}

// RateLimit allows perMinute requests per user, with bursts up to the same
// amount. A non-positive perMinute disables the limit. Must run after
// RequireUser.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	l := newUserLimiter(perMinute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if wait := l.reserve(userFrom(r.Context())); wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				httpError(w, http.StatusTooManyRequests, errRateLimited, "rate limit exceeded, retry in %s", wait.Round(time.Second))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/polydoc/polydoc-api/internal/config"
	"github.com/polydoc/polydoc-api/internal/domain"
)

// RateLimiter holds one token bucket per role; every caller in a role drains
// the same bucket. Buckets are created lazily on first sight of a role.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      config.RateLimitConfig
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

func (rl *RateLimiter) limiterFor(user *domain.User) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	role := string(user.Role)
	if l, ok := rl.limiters[role]; ok {
		return l
	}
	refill, ok := rl.cfg.RefillPerSec[role]
	if !ok {
		refill = 10
	}
	burst, ok := rl.cfg.Burst[role]
	if !ok {
		burst = 20
	}
	l := rate.NewLimiter(rate.Limit(refill), burst)
	rl.limiters[role] = l
	return l
}

// Allow consumes one token for the user, or returns the wait until the next
// token when the bucket is dry.
func (rl *RateLimiter) Allow(user *domain.User) (bool, time.Duration) {
	l := rl.limiterFor(user)
	if l.Allow() {
		return true, 0
	}
	res := l.Reserve()
	wait := res.Delay()
	res.Cancel()
	return false, wait
}

package producer

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestInterval is the minimum spacing of pose requests per stream.
const DefaultRequestInterval = time.Second / 30

// Throttle admits at most one pose request per interval for one stream.
// Display delivery never goes through a Throttle.
type Throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	allowed uint64
	skipped uint64
}

// NewThrottle returns a throttle with the given interval
// (DefaultRequestInterval if interval <= 0).
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultRequestInterval
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// AllowAt reports whether a request at now may proceed.
func (t *Throttle) AllowAt(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limiter.AllowN(now, 1) {
		t.allowed++
		return true
	}
	t.skipped++
	return false
}

// Allow is AllowAt(time.Now()).
func (t *Throttle) Allow() bool {
	return t.AllowAt(time.Now())
}

// SetInterval changes the spacing; takes effect for the next request.
func (t *Throttle) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t.limiter.SetLimit(rate.Every(interval))
}

// Counts returns how many requests were admitted and skipped.
func (t *Throttle) Counts() (allowed, skipped uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowed, t.skipped
}

package app

import (
	"time"

	"github.com/MrWong99/shotsense/internal/config"
)

// retrier hands out exponentially growing delays for rebuilding a failed
// capture session.
type retrier struct {
	backoff    time.Duration
	maxBackoff time.Duration
	maxRetries int

	attempt int
	current time.Duration
}

func newRetrier(c config.CaptureConfig) *retrier {
	r := &retrier{
		backoff:    c.RetryBackoff,
		maxBackoff: c.RetryMaxBackoff,
		maxRetries: c.MaxRetries,
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = config.DefaultRetryMaxBackoff
	}
	r.reset()
	return r
}

// next returns the delay before the next attempt, or false once retries are
// disabled or exhausted.
func (r *retrier) next() (time.Duration, bool) {
	if r.backoff <= 0 || r.attempt >= r.maxRetries {
		return 0, false
	}
	r.attempt++
	d := r.current
	r.current = min(r.current*2, r.maxBackoff)
	return d, true
}

// reset starts the next failure sequence from the initial delay.
func (r *retrier) reset() {
	r.attempt = 0
	r.current = min(r.backoff, r.maxBackoff)
}

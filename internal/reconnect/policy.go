// Package reconnect decides whether and when to attempt a new transport
// after an unexpected connection loss.
package reconnect

import (
	"sync"
	"time"
)

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 15 * time.Second
)

// Config tunes the backoff curve. Zero values take the defaults; a
// MaxAttempts of 0 means unlimited attempts.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Policy tracks the reconnect attempt counter and produces backoff delays.
// The counter resets to zero on every successful connection and the delay
// grows exponentially from BaseDelay, capped at MaxDelay so a scheduled
// attempt is always a bounded wait.
type Policy struct {
	mu      sync.Mutex
	cfg     Config
	attempt int
	stopped bool
}

// New creates a policy with the given configuration.
func New(cfg Config) *Policy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Policy{cfg: cfg}
}

// Next records one more failed attempt and returns the delay before the
// next transport attempt together with the new attempt number. It returns
// ok=false when the policy has been stopped or the attempt bound is
// exhausted, in which case no attempt may be scheduled.
func (p *Policy) Next() (delay time.Duration, attempt int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return 0, p.attempt, false
	}
	if p.cfg.MaxAttempts > 0 && p.attempt >= p.cfg.MaxAttempts {
		return 0, p.attempt, false
	}

	p.attempt++

	// Exponential backoff: base, 2*base, 4*base, ... capped at MaxDelay.
	delay = p.cfg.BaseDelay
	for i := 1; i < p.attempt; i++ {
		delay *= 2
		if delay >= p.cfg.MaxDelay {
			delay = p.cfg.MaxDelay
			break
		}
	}

	return delay, p.attempt, true
}

// Attempt returns the current attempt counter.
func (p *Policy) Attempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}

// Reset clears the attempt counter. Called on every successful connected
// transition and on an explicit user reconnect.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempt = 0
	p.stopped = false
}

// Stop suppresses all further attempts. Used for user-initiated
// disconnects; terminal until Reset.
func (p *Policy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

// Stopped reports whether the policy has been stopped.
func (p *Policy) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

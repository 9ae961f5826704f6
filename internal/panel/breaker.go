package panel

import (
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig stops a remote panel that keeps failing from slowing every
// captured request down to its timeout.
type BreakerConfig struct {
	Enabled             bool
	ConsecutiveFailures int
	OpenDuration        time.Duration
	Now                 func() time.Time
}

type Breaker struct {
	mu        sync.Mutex
	config    BreakerConfig
	state     BreakerState
	failures  int
	openUntil time.Time
	probing   bool
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = 3
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{config: cfg, state: BreakerClosed}
}

// Allow reports whether a call may go out. While half open a single probe
// is let through.
func (b *Breaker) Allow() (BreakerState, bool) {
	if b == nil {
		return BreakerClosed, true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.config.Enabled {
		return BreakerClosed, true
	}
	switch b.state {
	case BreakerOpen:
		if b.config.Now().Before(b.openUntil) {
			return b.state, false
		}
		b.state = BreakerHalfOpen
		b.probing = false
		fallthrough
	case BreakerHalfOpen:
		if b.probing {
			return b.state, false
		}
		b.probing = true
		return b.state, true
	}
	return b.state, true
}

func (b *Breaker) Report(success bool) BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.config.Enabled {
		return BreakerClosed
	}
	switch b.state {
	case BreakerClosed:
		if success {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.config.ConsecutiveFailures {
			b.trip()
		}
	case BreakerHalfOpen:
		b.probing = false
		if !success {
			b.trip()
			break
		}
		b.state = BreakerClosed
		b.failures = 0
	}
	return b.state
}

func (b *Breaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.failures = 0
	b.openUntil = b.config.Now().Add(b.config.OpenDuration)
}

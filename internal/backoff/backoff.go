// Package backoff computes retry delays for transient delivery failures.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBase     = 5 * time.Second
	DefaultMaxDelay = 60 * time.Second
	DefaultAttempts = 5

	jitterSpan = time.Second
)

// Policy describes one retry schedule: exponential growth from Base with a
// small additive jitter, capped at MaxDelay, for at most MaxAttempts tries.
type Policy struct {
	Base        time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Default returns the standard delivery retry schedule.
func Default() Policy {
	return Policy{Base: DefaultBase, MaxDelay: DefaultMaxDelay, MaxAttempts: DefaultAttempts}
}

// Normalize fills zero or negative fields with defaults.
func (p Policy) Normalize() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultAttempts
	}
	return p
}

// local RNG to avoid global contention.
var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitter() time.Duration {
	rngMu.Lock()
	defer rngMu.Unlock()
	return time.Duration(rng.Int63n(int64(jitterSpan)))
}

// Delay returns how long to wait after the given failed attempt before the
// next one. attempt is 1-based: Delay(1) follows the first failure.
//
// The jitter is added before capping, so concurrent retry loops that start
// together still spread out even at the cap.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.Normalize()
	if attempt < 1 {
		attempt = 1
	}

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}

	d += jitter()
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

package queue

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Default retry policy.
const (
	DefaultBaseDelay  = 30 * time.Second
	DefaultMaxDelay   = time.Hour
	DefaultJitter     = 0.2
	DefaultMaxRetries = 5
)

// Backoff computes retry deadlines as Base*2^n plus jitter, capped at Max.
//
// Jitter is a fraction in [0, 1); the random part is drawn from
// [0, Jitter*delay) so consecutive attempts below the cap are strictly
// increasing.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a Backoff. seed makes jitter reproducible in tests.
func NewBackoff(base, max time.Duration, jitter float64, seed uint64) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max < base {
		max = base
	}
	if jitter < 0 || jitter >= 1 {
		jitter = DefaultJitter
	}
	return &Backoff{
		Base:   base,
		Max:    max,
		Jitter: jitter,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// DefaultBackoff returns the default policy with a time-derived seed.
func DefaultBackoff() *Backoff {
	return NewBackoff(DefaultBaseDelay, DefaultMaxDelay, DefaultJitter, uint64(time.Now().UnixNano()))
}

// Delay returns the wait before the attempt following retryCount failures.
func (b *Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := b.Max
	// Stop shifting once the cap is reached to avoid overflow.
	if retryCount < 62 {
		if d := b.Base << uint(retryCount); d > 0 && d < b.Max {
			delay = d
		}
	}

	if b.Jitter > 0 {
		b.mu.Lock()
		f := b.rng.Float64()
		b.mu.Unlock()
		delay += time.Duration(f * b.Jitter * float64(delay))
	}
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Next returns the earliest time the action may be retried.
func (b *Backoff) Next(retryCount int, now time.Time) time.Time {
	return now.Add(b.Delay(retryCount))
}

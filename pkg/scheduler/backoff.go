package scheduler

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxDelay bounds current so that current plus jitter cannot overflow.
const maxDelay = time.Duration(math.MaxInt64 / 2)

// Backoff tracks the retry delay between consecutive failed uploads.
// The delay starts at base and doubles after every failure. A zero ceiling
// leaves growth unbounded.
type Backoff struct {
	base    time.Duration
	ceiling time.Duration
	current time.Duration
	jitter  func(time.Duration) time.Duration
}

// NewBackoff creates a backoff starting at base.
func NewBackoff(base, ceiling time.Duration) *Backoff {
	return &Backoff{
		base:    base,
		ceiling: ceiling,
		current: base,
		jitter:  uniformJitter,
	}
}

// Current returns the delay the next failure will sleep for, before jitter.
func (b *Backoff) Current() time.Duration {
	return b.current
}

// Next returns current plus jitter in [0, current) and doubles current.
func (b *Backoff) Next() time.Duration {
	delay := b.current + b.jitter(b.current)

	if b.current > maxDelay/2 {
		b.current = maxDelay
	} else {
		b.current *= 2
	}

	if b.ceiling > 0 && b.current > b.ceiling {
		b.current = b.ceiling
	}

	return delay
}

// Reset returns the delay to base.
func (b *Backoff) Reset() {
	b.current = b.base
}

func uniformJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	return rand.N(d)
}

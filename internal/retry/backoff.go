package retry

import (
	"math/rand/v2"
	"time"
)

// exponentialJitter yields base·2^(n−1) plus a jitter strictly below base for
// the n-th retry. Because the exponential step between retries is at least
// base, successive delays never decrease.
type exponentialJitter struct {
	base    time.Duration
	attempt int
	jitter  func(base time.Duration) time.Duration
}

func newExponentialJitter(base time.Duration, jitter func(time.Duration) time.Duration) *exponentialJitter {
	if jitter == nil {
		jitter = uniformJitter
	}
	return &exponentialJitter{base: base, jitter: jitter}
}

func (b *exponentialJitter) NextBackOff() time.Duration {
	b.attempt++
	delay := b.base << (b.attempt - 1)
	j := b.jitter(b.base)
	if j < 0 {
		j = 0
	}
	if b.base > 0 && j >= b.base {
		j = b.base - 1
	}
	return delay + j
}

func (b *exponentialJitter) Reset() {
	b.attempt = 0
}

func uniformJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(base)))
}

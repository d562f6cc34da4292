package node

import (
	"sync"
	"time"
)

// Backoff spaces broker connection attempts. The first attempt is
// immediate, the next ones wait Delay, and once Threshold consecutive
// attempts have failed they wait LongDelay. Reset starts over.
type Backoff struct {
	Delay     time.Duration
	LongDelay time.Duration
	Threshold int

	mu       sync.Mutex
	failures int
}

// Next returns how long to wait before the next attempt and counts that
// attempt as failed until Reset is called.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.failures
	b.failures++

	switch {
	case n == 0:
		return 0
	case n < b.Threshold:
		return b.Delay
	default:
		return b.LongDelay
	}
}

// Reset is called once a session is established.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Failures returns the number of attempts since the last Reset.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

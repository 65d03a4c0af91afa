package conn

import (
	"sync"
	"time"
)

// backoff computes reconnect delays. Delay N (zero-based) is
// min(base*2^N, max); a successful connection resets the sequence.
type backoff struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	attempt int
	widened bool
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &backoff{base: base, max: max}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.base << b.attempt
	if b.widened {
		d *= 2
	}
	if d > b.max || d <= 0 {
		d = b.max
	}
	b.attempt++
	return d
}

// Reset rewinds the sequence after a successful connection.
func (b *backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.widened = false
	b.mu.Unlock()
}

// Widen doubles subsequent delays, up to the cap. Used while probes keep
// failing so a flapping network is not hammered.
func (b *backoff) Widen(on bool) {
	b.mu.Lock()
	b.widened = on
	b.mu.Unlock()
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

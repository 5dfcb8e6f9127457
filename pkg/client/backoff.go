package client

import "time"

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// Backoff computes reconnect delays: doubling from Base up to Max. A
// dialer owns one and resets it after a connection survives long enough
// to be considered healthy. Not safe for concurrent use.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// Next returns the delay before the upcoming attempt and advances the
// counter.
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBackoffBase
	}

	max := b.Max
	if max <= 0 {
		max = defaultBackoffMax
	}

	d := base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	b.attempt++

	return d
}

// Reset puts the backoff at the start of its schedule.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt reports how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

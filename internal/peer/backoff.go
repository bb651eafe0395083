package peer

import "time"

// backoff produces reconnect delays: starting at initial, doubling on
// each failure, capped at max, reset to initial after a successful
// connect.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = 2 * time.Second
	}
	if max < initial {
		max = initial
	}
	return &backoff{initial: initial, max: max, current: initial}
}

// Next returns the delay to wait before the next attempt and advances
// the sequence.
func (b *backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset restarts the sequence from the initial delay.
func (b *backoff) Reset() {
	b.current = b.initial
}

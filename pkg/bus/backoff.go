package bus

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff is a capped exponential delay schedule with proportional jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff is used for bus reconnects and re-subscriptions.
var DefaultBackoff = Backoff{
	Initial:    250 * time.Millisecond,
	Max:        15 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
}

// Delay returns the wait before retry number attempt (0-based). It never
// exceeds Max, jitter included.
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultBackoff.Initial
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = DefaultBackoff.Max
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = DefaultBackoff.Multiplier
	}
	d := float64(initial)
	for i := 0; i < attempt && d < float64(maxDelay); i++ {
		d *= mult
	}
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	if b.Jitter > 0 {
		spread := d * b.Jitter
		d = d - spread + rand.Float64()*2*spread
		if d > float64(maxDelay) {
			d = float64(maxDelay)
		}
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

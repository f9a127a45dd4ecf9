// internal/playback/pacing.go
package playback

import (
	"context"
	"time"

	"github.com/xkilldash9x/scalpel-replay/internal/config"
)

const (
	DefaultMinDelay = 100 * time.Millisecond
	DefaultMaxDelay = 5 * time.Second
)

// Bounds clamps the wait between two replayed events.
type Bounds struct {
	Min time.Duration
	Max time.Duration
}

func DefaultBounds() Bounds {
	return Bounds{Min: DefaultMinDelay, Max: DefaultMaxDelay}
}

// BoundsFromConfig keeps the default for any bound left at zero.
func BoundsFromConfig(cfg config.PlaybackConfig) Bounds {
	b := DefaultBounds()
	if cfg.MinDelay > 0 {
		b.Min = cfg.MinDelay
	}
	if cfg.MaxDelay > 0 {
		b.Max = cfg.MaxDelay
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	return b
}

// ComputeDelay scales the recorded gap between two event timestamps (Unix
// ms) by speed and clamps the result to b. A speed that is not positive
// counts as 1. The gap is scaled in float64 so huge gaps clamp to b.Max
// instead of overflowing.
func ComputeDelay(from, to int64, speed float64, b Bounds) time.Duration {
	if !(speed > 0) {
		speed = 1
	}
	d := (float64(to) - float64(from)) / speed * float64(time.Millisecond)
	if d < float64(b.Min) {
		return b.Min
	}
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
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

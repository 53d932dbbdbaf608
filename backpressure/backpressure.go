// Package backpressure holds the policies the stream engine consults when a
// connection's buffer crosses its backpressure threshold.
//
// PriorityDrop stalls for a fixed time and sheds low priority messages at
// random. Adaptive keeps per-connection state and tightens or relaxes its
// drop rate depending on how often overflows repeat.
package backpressure

import (
	"context"
	"math/rand"
	"time"
)

const (
	// yieldDelay is the short stall used when a connection is over its
	// threshold but not yet critical.
	yieldDelay = 10 * time.Millisecond
)

type sleeper func(ctx context.Context, d time.Duration) error

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// hooks are the time and randomness sources of a policy, replaced in tests.
type hooks struct {
	now   func() time.Time
	rand  func() float64
	sleep sleeper
}

func defaultHooks() hooks {
	return hooks{
		now:   time.Now,
		rand:  rand.Float64,
		sleep: sleep,
	}
}

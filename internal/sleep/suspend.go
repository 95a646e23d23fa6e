package sleep

import (
	"context"
	"time"
)

// ChannelSuspender suspends by blocking on a timer. Any value on Wake ends
// the suspension early.
type ChannelSuspender struct {
	Wake <-chan struct{}
}

// Suspend blocks until d elapses, a wake arrives or ctx is done.
func (s ChannelSuspender) Suspend(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-s.Wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package backoff provides a bounded exponential backoff policy used by
// readiness probes and reconnect loops.
package backoff

import (
	"context"
	"time"
)

// Policy describes a bounded exponential backoff. The delay for attempt n
// (starting at 0) is Base<<n, capped at Cap. A Policy with Base == Cap
// degenerates to a fixed interval.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before attempt n. Attempts below zero are treated
// as attempt zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Sleep waits for the attempt's delay or until the context is done,
// whichever comes first. Returns the context error on cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

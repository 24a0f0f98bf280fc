package worker

import (
	"context"
	"time"
)

// RunReaper closes idle sessions every interval until ctx ends.
func (w *Worker) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := w.ReapIdle(); n > 0 {
				debugLog.Infof("Reaped %d idle sessions", n)
			}
		}
	}
}

// ReapIdle closes ready sessions unused for longer than the idle timeout or
// past their keep-warm deadline, and returns how many it closed.
func (w *Worker) ReapIdle() int {
	w.mu.Lock()
	slots := make([]*slot, 0, len(w.slots))
	for _, s := range w.slots {
		slots = append(slots, s)
	}
	w.mu.Unlock()

	now := w.now()
	reaped := 0
	for _, s := range slots {
		s.mu.Lock()
		if s.state == stateReady && expired(s, now, w.opts.IdleTimeout) {
			w.teardown(s, "idle")
			reaped++
			reapedTotal.Inc()
		}
		s.mu.Unlock()
	}
	return reaped
}

func expired(s *slot, now time.Time, idle time.Duration) bool {
	if !s.warmUntil.IsZero() && now.After(s.warmUntil) {
		return true
	}
	return now.Sub(s.lastUsedAt) > idle
}

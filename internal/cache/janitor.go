package cache

import (
	"context"
	"time"
)

// StartJanitor runs periodic eviction until the context is done. Each tick
// removes expired entries and, under pressure, sheds down to budget.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Evict(false)
			case <-ctx.Done():
				return
			}
		}
	}()
}

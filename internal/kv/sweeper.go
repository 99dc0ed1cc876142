package kv

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweep reads every tracked key so that expired records are evicted even if
// nobody asks for them. It returns the number of evicted records.
func (s *Store) Sweep(ctx context.Context) int {
	removed := 0
	for _, k := range s.Keys() {
		if ctx.Err() != nil {
			break
		}
		if _, state := s.lookup(ctx, k); state == evicted {
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func StartSweeper(ctx context.Context, s *Store, interval time.Duration, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.Sweep(ctx); removed > 0 {
					log.Info("evicted expired records", zap.Int("removed", removed))
				}
			}
		}
	}()
}

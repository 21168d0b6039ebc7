package jobs

import (
	"context"
	"log"
	"time"

	"campusfeed/internal/config"
	"campusfeed/internal/repository"
)

// StartRetentionJob prunes notifications older than the configured age on an
// interval. Pruning only trims the snapshot log; pushes already delivered
// are unaffected.
func StartRetentionJob(ctx context.Context, cfg config.Config, store repository.NotificationStore) {
	if !cfg.RetentionJobEnabled {
		return
	}
	interval := cfg.RetentionInterval
	if interval <= 0 {
		interval = time.Hour
	}
	maxAge := cfg.RetentionMaxAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-maxAge)
				tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				removed, err := store.DeleteNotificationsBefore(tickCtx, cutoff)
				cancel()
				if err != nil {
					log.Printf("retention job error: %v", err)
					continue
				}
				if removed > 0 {
					log.Printf("retention job removed %d notifications", removed)
				}
			}
		}
	}()
}

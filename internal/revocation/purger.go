package revocation

import (
	"context"
	"log/slog"
	"time"
)

// Purger is implemented by stores that need periodic removal of expired entries.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// RunPurger calls PurgeExpired every interval until ctx is cancelled.
func RunPurger(ctx context.Context, p Purger, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("revocation purge failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logger.Debug("revocation purge completed", slog.Int64("removed", n))
			}
		}
	}
}

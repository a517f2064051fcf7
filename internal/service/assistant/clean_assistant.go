package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const DefaultTokenCleanupInterval = time.Hour

// StartTokenJanitor periodically purges expired access tokens until ctx is cancelled.
func (s *Service) StartTokenJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTokenCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpiredTokens(ctx, time.Now().UTC())
			if err != nil {
				slog.Error("purge expired tokens failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("purged expired tokens", "count", n)
			}
		}
	}
}

// PurgeExpiredTokens deletes token records that expired before now.
func (s *Service) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return n, nil
}

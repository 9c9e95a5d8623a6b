package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/internal/infra/storage"
)

// QueueStats returns current queue depth by status plus 7-day completion
// aggregates for the stats endpoint.
func (s *Store) QueueStats(ctx context.Context, now time.Time) (*review.QueueStats, error) {
	var stats review.QueueStats

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.queue_stats", defaultDBAttributes, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()

		weekAgo := now.AddDate(0, 0, -7)

		row := s.pool.QueryRow(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE status = 'QUEUED'),
				COUNT(*) FILTER (WHERE status = 'ASSIGNED'),
				COUNT(*) FILTER (WHERE status = 'IN_PROGRESS'),
				COUNT(*) FILTER (WHERE status = 'COMPLETED' AND completed_at >= $1),
				COUNT(*) FILTER (WHERE status = 'FAILED' AND updated_at >= $1),
				COUNT(*) FILTER (WHERE status = 'TIMEOUT' AND updated_at >= $1),
				COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - assigned_at)))
					FILTER (WHERE status = 'COMPLETED' AND completed_at >= $1), 0)
			FROM review_tasks`,
			weekAgo)

		if err := row.Scan(
			&stats.Queued, &stats.Assigned, &stats.InProgress,
			&stats.CompletedLast7d, &stats.FailedLast7d, &stats.TimedOutLast7d,
			&stats.AvgCompletionSecs,
		); err != nil {
			return fmt.Errorf("queue stats query error: %w", err)
		}

		if err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM reviewers WHERE active AND presence <> 'OFFLINE'`,
		).Scan(&stats.ActiveReviewers); err != nil {
			return fmt.Errorf("active reviewers query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

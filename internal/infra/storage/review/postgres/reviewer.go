package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/internal/infra/storage"
)

const reviewerColumns = `id, email, name, role, presence, current_task_id,
	tasks_completed, avg_completion_secs, warning_count, violation_count,
	active, last_heartbeat_at, created_at, updated_at`

func scanReviewer(row rowScanner) (*review.Reviewer, error) {
	var (
		id                pgtype.UUID
		email, name       string
		role, presence    string
		currentTaskID     pgtype.UUID
		tasksCompleted    int
		avgCompletionSecs float64
		warningCount      int
		violationCount    int
		active            bool
		lastHeartbeatAt   pgtype.Timestamptz
		createdAt         pgtype.Timestamptz
		updatedAt         pgtype.Timestamptz
	)

	if err := row.Scan(
		&id, &email, &name, &role, &presence, &currentTaskID,
		&tasksCompleted, &avgCompletionSecs, &warningCount, &violationCount,
		&active, &lastHeartbeatAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	return review.ReconstructReviewer(
		uuid.UUID(id.Bytes),
		email, name,
		review.ParseReviewerRole(role),
		review.ParsePresence(presence),
		uuidPtr(currentTaskID),
		tasksCompleted, avgCompletionSecs,
		warningCount, violationCount,
		active,
		fromTimestamptz(lastHeartbeatAt),
		fromTimestamptz(createdAt), fromTimestamptz(updatedAt),
	), nil
}

// CreateReviewer persists a new reviewer account.
func (s *Store) CreateReviewer(ctx context.Context, reviewer *review.Reviewer) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("reviewer_id", reviewer.ID().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_reviewer", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()

		_, err := s.pool.Exec(ctx, `
			INSERT INTO reviewers (
				id, email, name, role, presence, active, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			reviewer.ID(), reviewer.Email(), reviewer.Name(),
			reviewer.Role().String(), reviewer.Presence().String(),
			reviewer.Active(), reviewer.CreatedAt(), reviewer.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("create reviewer insert error: %w", err)
		}
		return nil
	})
}

// GetReviewer retrieves a reviewer account by ID.
func (s *Store) GetReviewer(ctx context.Context, id uuid.UUID) (*review.Reviewer, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("reviewer_id", id.String()))

	var reviewer *review.Reviewer
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_reviewer", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()

		row := s.pool.QueryRow(ctx,
			`SELECT `+reviewerColumns+` FROM reviewers WHERE id = $1`, id)

		var err error
		reviewer, err = scanReviewer(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return review.ErrReviewerNotFound
		}
		if err != nil {
			return fmt.Errorf("get reviewer query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reviewer, nil
}

// GetReviewerByEmail retrieves a reviewer account by login email.
func (s *Store) GetReviewerByEmail(ctx context.Context, email string) (*review.Reviewer, error) {
	var reviewer *review.Reviewer
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_reviewer_by_email", defaultDBAttributes, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()

		row := s.pool.QueryRow(ctx,
			`SELECT `+reviewerColumns+` FROM reviewers WHERE email = $1`, email)

		var err error
		reviewer, err = scanReviewer(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return review.ErrReviewerNotFound
		}
		if err != nil {
			return fmt.Errorf("get reviewer by email query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reviewer, nil
}

// UpdateReviewer persists the reviewer's current state.
func (s *Store) UpdateReviewer(ctx context.Context, reviewer *review.Reviewer) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("reviewer_id", reviewer.ID().String()),
		attribute.String("presence", reviewer.Presence().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_reviewer", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()

		return s.updateReviewerExec(ctx, s.pool, reviewer)
	})
}

func (s *Store) updateReviewerExec(ctx context.Context, q execer, reviewer *review.Reviewer) error {
	tag, err := q.Exec(ctx, `
		UPDATE reviewers SET
			presence = $2,
			current_task_id = $3,
			tasks_completed = $4,
			avg_completion_secs = $5,
			warning_count = $6,
			violation_count = $7,
			active = $8,
			last_heartbeat_at = $9,
			updated_at = $10
		WHERE id = $1`,
		reviewer.ID(),
		reviewer.Presence().String(),
		toPgUUID(reviewer.CurrentTaskID()),
		reviewer.TasksCompleted(),
		reviewer.AvgCompletionSecs(),
		reviewer.WarningCount(),
		reviewer.ViolationCount(),
		reviewer.Active(),
		toTimestamptz(reviewer.LastHeartbeatAt()),
		reviewer.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("update reviewer error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return review.ErrReviewerNotFound
	}
	return nil
}

// RecordHeartbeat stamps liveness without loading the aggregate. Heartbeats
// arrive at session frequency, so this stays a single-row update.
func (s *Store) RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("reviewer_id", id.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.record_heartbeat", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()

		tag, err := s.pool.Exec(ctx, `
			UPDATE reviewers SET last_heartbeat_at = $2, updated_at = $2
			WHERE id = $1`,
			id, at)
		if err != nil {
			return fmt.Errorf("record heartbeat error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return review.ErrReviewerNotFound
		}
		return nil
	})
}

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

const taskColumns = `id, candidate_id, job_id, ats_score, missing_keywords, suggestions,
	status, assigned_to, assigned_at, deadline_at, started_at, completed_at,
	old_resume_url, new_resume_url, notes, retry_count, created_at, updated_at`

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (*review.Task, error) {
	var (
		id, candidateID, jobID pgtype.UUID
		atsScore               float64
		missingKeywords        []string
		suggestions            []string
		status                 string
		assignedTo             pgtype.UUID
		assignedAt, deadlineAt pgtype.Timestamptz
		startedAt, completedAt pgtype.Timestamptz
		oldResumeURL           string
		newResumeURL           string
		notes                  string
		retryCount             int
		createdAt, updatedAt   pgtype.Timestamptz
	)

	if err := row.Scan(
		&id, &candidateID, &jobID, &atsScore, &missingKeywords, &suggestions,
		&status, &assignedTo, &assignedAt, &deadlineAt, &startedAt, &completedAt,
		&oldResumeURL, &newResumeURL, &notes, &retryCount, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	return review.ReconstructTask(
		uuid.UUID(id.Bytes), uuid.UUID(candidateID.Bytes), uuid.UUID(jobID.Bytes),
		atsScore, missingKeywords, suggestions,
		review.ParseTaskStatus(status),
		uuidPtr(assignedTo),
		fromTimestamptz(assignedAt), fromTimestamptz(deadlineAt),
		fromTimestamptz(startedAt), fromTimestamptz(completedAt),
		oldResumeURL, newResumeURL, notes,
		retryCount,
		fromTimestamptz(createdAt), fromTimestamptz(updatedAt),
	), nil
}

// CreateTask persists a new task's initial queued state.
func (s *Store) CreateTask(ctx context.Context, task *review.Task) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.ID().String()),
		attribute.String("candidate_id", task.CandidateID().String()),
		attribute.String("status", task.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_task", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()

		_, err := s.pool.Exec(ctx, `
			INSERT INTO review_tasks (
				id, candidate_id, job_id, ats_score, missing_keywords, suggestions,
				status, old_resume_url, notes, retry_count, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			task.ID(), task.CandidateID(), task.JobID(), task.ATSScore(),
			task.MissingKeywords(), task.Suggestions(),
			task.Status().String(), task.OldResumeURL(), task.Notes(),
			task.RetryCount(), task.CreatedAt(), task.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("create task insert error: %w", err)
		}
		return nil
	})
}

// GetTask retrieves a task's current state, reconstructing the domain object.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*review.Task, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", id.String()))

	var task *review.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_task", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()

		row := s.pool.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM review_tasks WHERE id = $1`, id)

		var err error
		task, err = scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return review.ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("get task query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask persists the task's current state.
func (s *Store) UpdateTask(ctx context.Context, task *review.Task) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.ID().String()),
		attribute.String("status", task.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_task", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()

		return s.updateTaskExec(ctx, s.pool, task)
	})
}

// updateTaskExec writes the full mutable column set; usable inside an open
// transaction.
func (s *Store) updateTaskExec(ctx context.Context, q execer, task *review.Task) error {
	tag, err := q.Exec(ctx, `
		UPDATE review_tasks SET
			status = $2,
			assigned_to = $3,
			assigned_at = $4,
			deadline_at = $5,
			started_at = $6,
			completed_at = $7,
			new_resume_url = $8,
			notes = $9,
			retry_count = $10,
			updated_at = $11
		WHERE id = $1`,
		task.ID(),
		task.Status().String(),
		toPgUUID(task.AssignedTo()),
		toTimestamptz(task.AssignedAt()),
		toTimestamptz(task.DeadlineAt()),
		toTimestamptz(task.StartedAt()),
		toTimestamptz(task.CompletedAt()),
		task.NewResumeURL(),
		task.Notes(),
		task.RetryCount(),
		task.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("update task error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return review.ErrTaskNotFound
	}
	return nil
}

// FindLiveTask returns the non-terminal task for a candidate/job pair, or
// ErrTaskNotFound when none exists.
func (s *Store) FindLiveTask(ctx context.Context, candidateID, jobID uuid.UUID) (*review.Task, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("candidate_id", candidateID.String()),
		attribute.String("job_id", jobID.String()),
	)

	var task *review.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_live_task", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()

		row := s.pool.QueryRow(ctx, `
			SELECT `+taskColumns+`
			FROM review_tasks
			WHERE candidate_id = $1 AND job_id = $2
			  AND status IN ('QUEUED', 'ASSIGNED', 'IN_PROGRESS')
			ORDER BY created_at DESC
			LIMIT 1`,
			candidateID, jobID)

		var err error
		task, err = scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return review.ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("find live task query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListOverdue returns live assignments whose deadline passed at or before now.
func (s *Store) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*review.Task, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int("limit", limit))

	var tasks []*review.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_overdue", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()

		rows, err := s.pool.Query(ctx, `
			SELECT `+taskColumns+`
			FROM review_tasks
			WHERE status IN ('ASSIGNED', 'IN_PROGRESS') AND deadline_at <= $1
			ORDER BY deadline_at ASC
			LIMIT $2`,
			now, limit)
		if err != nil {
			return fmt.Errorf("list overdue query error: %w", err)
		}
		defer rows.Close()

		tasks, err = collectTasks(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListApproachingDeadline returns live assignments whose deadline falls inside
// (now, now+horizon].
func (s *Store) ListApproachingDeadline(ctx context.Context, now time.Time, horizon time.Duration) ([]*review.Task, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("horizon", horizon.String()))

	var tasks []*review.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_approaching_deadline", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()

		rows, err := s.pool.Query(ctx, `
			SELECT `+taskColumns+`
			FROM review_tasks
			WHERE status IN ('ASSIGNED', 'IN_PROGRESS')
			  AND deadline_at > $1 AND deadline_at <= $2
			ORDER BY deadline_at ASC`,
			now, now.Add(horizon))
		if err != nil {
			return fmt.Errorf("list approaching deadline query error: %w", err)
		}
		defer rows.Close()

		tasks, err = collectTasks(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListByReviewer returns a reviewer's tasks, newest first.
func (s *Store) ListByReviewer(ctx context.Context, reviewerID uuid.UUID, limit int) ([]*review.Task, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("reviewer_id", reviewerID.String()))

	var tasks []*review.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_tasks_by_reviewer", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()

		rows, err := s.pool.Query(ctx, `
			SELECT `+taskColumns+`
			FROM review_tasks
			WHERE assigned_to = $1
			ORDER BY created_at DESC
			LIMIT $2`,
			reviewerID, limit)
		if err != nil {
			return fmt.Errorf("list tasks by reviewer query error: %w", err)
		}
		defer rows.Close()

		tasks, err = collectTasks(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func collectTasks(rows pgx.Rows) ([]*review.Task, error) {
	var tasks []*review.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row error: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows error: %w", err)
	}
	return tasks, nil
}

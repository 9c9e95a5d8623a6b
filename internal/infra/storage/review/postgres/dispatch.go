package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/internal/infra/storage"
)

// lockTask loads a task under FOR UPDATE so the row state a transition is
// validated against cannot change before commit.
func (s *Store) lockTask(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*review.Task, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM review_tasks
		WHERE id = $1
		FOR UPDATE`,
		taskID)

	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, review.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock task query error: %w", err)
	}
	return task, nil
}

// lockReviewer loads a reviewer under FOR UPDATE. Always called after the
// task lock to keep the task-first, reviewer-second ordering.
func (s *Store) lockReviewer(ctx context.Context, tx pgx.Tx, reviewerID uuid.UUID) (*review.Reviewer, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+reviewerColumns+`
		FROM reviewers
		WHERE id = $1
		FOR UPDATE`,
		reviewerID)

	reviewer, err := scanReviewer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, review.ErrReviewerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock reviewer query error: %w", err)
	}
	return reviewer, nil
}

// ClaimNext binds the oldest queued task to the most idle eligible reviewer
// inside one transaction. FOR UPDATE SKIP LOCKED on both sides lets
// concurrent dispatcher instances drain the queue without double-assigning a
// task or double-booking a reviewer. Locks are always taken task-first,
// reviewer-second; every other multi-aggregate operation follows the same
// order. A queued task whose retry budget is already spent is abandoned here
// instead of assigned, returned with a nil Reviewer. Available reviewers whose
// heartbeat went stale are flipped offline in the same transaction so they
// stop shadowing live candidates.
func (s *Store) ClaimNext(ctx context.Context, sla, heartbeatTTL time.Duration, maxRetries int) (*review.ClaimResult, error) {
	var result *review.ClaimResult

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.claim_next", defaultDBAttributes, func(ctx context.Context) error {
		ctx, cancel, tx, err := s.beginTx(ctx)
		if err != nil {
			return fmt.Errorf("claim begin tx error: %w", err)
		}
		defer cancel()
		defer func() { _ = tx.Rollback(ctx) }()

		taskRow := tx.QueryRow(ctx, `
			SELECT `+taskColumns+`
			FROM review_tasks
			WHERE status = 'QUEUED'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`)

		task, err := scanTask(taskRow)
		if errors.Is(err, pgx.ErrNoRows) {
			return review.ErrNoQueuedTask
		}
		if err != nil {
			return fmt.Errorf("claim task query error: %w", err)
		}

		if task.RetryCount() > maxRetries {
			if err := task.MarkTimedOut(); err != nil {
				return err
			}
			if err := s.updateTaskExec(ctx, tx, task); err != nil {
				return err
			}
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("claim commit error: %w", err)
			}
			result = &review.ClaimResult{Task: task}
			return nil
		}

		heartbeatCutoff := time.Now().Add(-heartbeatTTL)
		if _, err := tx.Exec(ctx, `
			UPDATE reviewers
			SET presence = 'OFFLINE', updated_at = NOW()
			WHERE active
			  AND presence = 'AVAILABLE'
			  AND current_task_id IS NULL
			  AND last_heartbeat_at < $1`,
			heartbeatCutoff); err != nil {
			return fmt.Errorf("claim stale reviewer sweep error: %w", err)
		}

		reviewerRow := tx.QueryRow(ctx, `
			SELECT `+reviewerColumns+`
			FROM reviewers
			WHERE active
			  AND presence = 'AVAILABLE'
			  AND current_task_id IS NULL
			  AND last_heartbeat_at >= $1
			ORDER BY tasks_completed ASC, last_heartbeat_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`,
			heartbeatCutoff)

		reviewer, err := scanReviewer(reviewerRow)
		if errors.Is(err, pgx.ErrNoRows) {
			return review.ErrNoCandidateReviewer
		}
		if err != nil {
			return fmt.Errorf("claim reviewer query error: %w", err)
		}

		if err := task.Assign(reviewer.ID(), sla); err != nil {
			return err
		}
		if err := reviewer.BeginAssignment(task.ID()); err != nil {
			return err
		}

		if err := s.updateTaskExec(ctx, tx, task); err != nil {
			return err
		}
		if err := s.updateReviewerExec(ctx, tx, reviewer); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("claim commit error: %w", err)
		}
		result = &review.ClaimResult{Task: task, Reviewer: reviewer}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// StartTask moves an assigned task to in-progress. The ownership check and
// the status transition run against the locked row, so a task requeued or
// reassigned since the reviewer last saw it is rejected instead of hijacked.
func (s *Store) StartTask(ctx context.Context, taskID, reviewerID uuid.UUID) (*review.Task, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", taskID.String()),
		attribute.String("reviewer_id", reviewerID.String()),
	)

	var task *review.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.start_task", dbAttrs, func(ctx context.Context) error {
		ctx, cancel, tx, err := s.beginTx(ctx)
		if err != nil {
			return fmt.Errorf("start begin tx error: %w", err)
		}
		defer cancel()
		defer func() { _ = tx.Rollback(ctx) }()

		task, err = s.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := task.Start(reviewerID); err != nil {
			return err
		}
		if err := s.updateTaskExec(ctx, tx, task); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("start commit error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CompleteTask finalizes a completion in one transaction. Both aggregates are
// re-read under lock (task-first, reviewer-second) and the domain transitions
// re-validated there, so a completion racing an expiry or reassignment loses
// with ErrNotOwner instead of overwriting the committed outcome. The
// candidate's current resume and the application row land in the same
// transaction.
func (s *Store) CompleteTask(ctx context.Context, taskID, reviewerID uuid.UUID, newResumeURL, notes string) (*review.CompletionResult, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", taskID.String()),
		attribute.String("reviewer_id", reviewerID.String()),
	)

	var result *review.CompletionResult
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.complete_task", dbAttrs, func(ctx context.Context) error {
		ctx, cancel, tx, err := s.beginTx(ctx)
		if err != nil {
			return fmt.Errorf("complete begin tx error: %w", err)
		}
		defer cancel()
		defer func() { _ = tx.Rollback(ctx) }()

		task, err := s.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		reviewer, err := s.lockReviewer(ctx, tx, reviewerID)
		if err != nil {
			return err
		}

		if err := task.Complete(reviewerID, newResumeURL, notes); err != nil {
			return err
		}
		reviewer.RecordCompletion(task.CompletionSeconds())

		app := review.NewApplication(task.CandidateID(), task.JobID(), task.ID(),
			newResumeURL, task.ATSScore())

		if err := s.updateTaskExec(ctx, tx, task); err != nil {
			return err
		}
		if err := s.updateReviewerExec(ctx, tx, reviewer); err != nil {
			return err
		}
		if err := s.upsertCandidateResumeExec(ctx, tx, task.CandidateID(), newResumeURL, task.CompletedAt()); err != nil {
			return err
		}
		if err := s.upsertApplicationExec(ctx, tx, app); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("complete commit error: %w", err)
		}
		result = &review.CompletionResult{Task: task, Reviewer: reviewer, Application: app}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExpireTask processes one overdue task: requeue (or abandon past the retry
// cap), advance the holder's strike ladder, and record the incident, all in
// one transaction. The deadline is re-checked under the row lock so a
// completion racing the sweep wins cleanly; a nil result means there was
// nothing to expire.
func (s *Store) ExpireTask(ctx context.Context, taskID uuid.UUID, maxRetries int) (*review.ExpiryResult, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", taskID.String()))

	var result *review.ExpiryResult
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.expire_task", dbAttrs, func(ctx context.Context) error {
		ctx, cancel, tx, err := s.beginTx(ctx)
		if err != nil {
			return fmt.Errorf("expire begin tx error: %w", err)
		}
		defer cancel()
		defer func() { _ = tx.Rollback(ctx) }()

		taskRow := tx.QueryRow(ctx, `
			SELECT `+taskColumns+`
			FROM review_tasks
			WHERE id = $1
			  AND status IN ('ASSIGNED', 'IN_PROGRESS')
			  AND deadline_at <= NOW()
			FOR UPDATE SKIP LOCKED`,
			taskID)

		task, err := scanTask(taskRow)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // Resolved or claimed by another sweep since listing.
		}
		if err != nil {
			return fmt.Errorf("expire task query error: %w", err)
		}

		holderID := task.AssignedTo()
		if holderID == nil {
			return fmt.Errorf("expire task %s: live task has no holder", taskID)
		}

		reviewer, err := s.lockReviewer(ctx, tx, *holderID)
		if err != nil {
			return err
		}

		deadline := task.DeadlineAt()
		if err := task.Expire("sla deadline exceeded"); err != nil {
			return err
		}
		if task.RetryCount() > maxRetries {
			if err := task.MarkTimedOut(); err != nil {
				return err
			}
		}

		strike := reviewer.RecordMissedDeadline()
		reviewer.ReleaseAssignment()

		incident := review.NewIncident(reviewer.ID(), task.ID(), strike,
			fmt.Sprintf("sla exceeded by %d minutes", overdueMinutes(time.Since(deadline))))

		if err := s.updateTaskExec(ctx, tx, task); err != nil {
			return err
		}
		if err := s.updateReviewerExec(ctx, tx, reviewer); err != nil {
			return err
		}
		if err := s.recordIncidentExec(ctx, tx, incident); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("expire commit error: %w", err)
		}
		result = &review.ExpiryResult{
			Task:     task,
			Reviewer: reviewer,
			Strike:   strike,
			Incident: incident,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FailTask handles a reviewer-declared failure in one transaction. Ownership
// is re-validated against the locked task row; within the retry budget the
// task requeues, past it the task fails terminally, and the holder is freed
// either way.
func (s *Store) FailTask(ctx context.Context, taskID, reviewerID uuid.UUID, reason string, maxRetries int) (*review.FailureResult, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", taskID.String()),
		attribute.String("reviewer_id", reviewerID.String()),
	)

	var result *review.FailureResult
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.fail_task", dbAttrs, func(ctx context.Context) error {
		ctx, cancel, tx, err := s.beginTx(ctx)
		if err != nil {
			return fmt.Errorf("fail begin tx error: %w", err)
		}
		defer cancel()
		defer func() { _ = tx.Rollback(ctx) }()

		task, err := s.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		reviewer, err := s.lockReviewer(ctx, tx, reviewerID)
		if err != nil {
			return err
		}

		if err := task.Fail(reviewerID, reason, maxRetries); err != nil {
			return err
		}
		reviewer.ReleaseAssignment()

		if err := s.updateTaskExec(ctx, tx, task); err != nil {
			return err
		}
		if err := s.updateReviewerExec(ctx, tx, reviewer); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("fail commit error: %w", err)
		}
		result = &review.FailureResult{Task: task, Reviewer: reviewer}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// overdueMinutes reports how far past the deadline an expiry landed, in whole
// minutes rounded up so a fresh lapse still reads as one minute.
func overdueMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}

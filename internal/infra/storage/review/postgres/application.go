package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/internal/infra/storage"
)

// UpsertApplication inserts the application or, for an existing
// candidate/job pair, replaces the resume URL and resets delivery status so
// the auto-apply pipeline picks up the re-reviewed resume.
func (s *Store) UpsertApplication(ctx context.Context, app *review.Application) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("candidate_id", app.CandidateID().String()),
		attribute.String("job_id", app.JobID().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_application", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()

		return s.upsertApplicationExec(ctx, s.pool, app)
	})
}

func (s *Store) upsertApplicationExec(ctx context.Context, q execer, app *review.Application) error {
	_, err := q.Exec(ctx, `
		INSERT INTO applications (
			id, candidate_id, job_id, task_id, resume_url,
			ats_score_at_submission, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (candidate_id, job_id) DO UPDATE SET
			task_id = EXCLUDED.task_id,
			resume_url = EXCLUDED.resume_url,
			ats_score_at_submission = EXCLUDED.ats_score_at_submission,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		app.ID(), app.CandidateID(), app.JobID(), app.TaskID(),
		app.ResumeURL(), app.ATSScoreAtSubmission(), app.Status().String(),
		app.CreatedAt(), app.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("upsert application error: %w", err)
	}
	return nil
}

// upsertCandidateResumeExec records the candidate's current resume pointer.
// Runs inside the completion transaction so the profile and the finished task
// can never disagree.
func (s *Store) upsertCandidateResumeExec(ctx context.Context, q execer, candidateID uuid.UUID, resumeURL string, at time.Time) error {
	_, err := q.Exec(ctx, `
		INSERT INTO candidates (id, resume_url, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			resume_url = EXCLUDED.resume_url,
			updated_at = EXCLUDED.updated_at`,
		candidateID, resumeURL, at)
	if err != nil {
		return fmt.Errorf("upsert candidate resume error: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/internal/infra/storage"
)

// RecordIncident appends a strike record to the audit trail.
func (s *Store) RecordIncident(ctx context.Context, incident *review.Incident) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("reviewer_id", incident.ReviewerID().String()),
		attribute.String("kind", incident.Kind().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.record_incident", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()

		return s.recordIncidentExec(ctx, s.pool, incident)
	})
}

func (s *Store) recordIncidentExec(ctx context.Context, q execer, incident *review.Incident) error {
	_, err := q.Exec(ctx, `
		INSERT INTO sla_incidents (id, reviewer_id, task_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		incident.ID(), incident.ReviewerID(), incident.TaskID(),
		incident.Kind().String(), incident.Detail(), incident.CreatedAt(),
	)
	if err != nil {
		return fmt.Errorf("record incident insert error: %w", err)
	}
	return nil
}

// ListIncidentsByReviewer returns a reviewer's strike history, newest first.
func (s *Store) ListIncidentsByReviewer(ctx context.Context, reviewerID uuid.UUID, limit int) ([]*review.Incident, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("reviewer_id", reviewerID.String()))

	var incidents []*review.Incident
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_incidents", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()

		rows, err := s.pool.Query(ctx, `
			SELECT id, reviewer_id, task_id, kind, detail, created_at
			FROM sla_incidents
			WHERE reviewer_id = $1
			ORDER BY created_at DESC
			LIMIT $2`,
			reviewerID, limit)
		if err != nil {
			return fmt.Errorf("list incidents query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id, revID, taskID pgtype.UUID
				kind, detail      string
				createdAt         pgtype.Timestamptz
			)
			if err := rows.Scan(&id, &revID, &taskID, &kind, &detail, &createdAt); err != nil {
				return fmt.Errorf("scan incident row error: %w", err)
			}
			incidents = append(incidents, review.ReconstructIncident(
				uuid.UUID(id.Bytes), uuid.UUID(revID.Bytes), uuid.UUID(taskID.Bytes),
				review.StrikeKind(kind), detail, fromTimestamptz(createdAt),
			))
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("incident rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return incidents, nil
}

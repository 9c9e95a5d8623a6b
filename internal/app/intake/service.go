// Package intake accepts scored resumes from the ATS pipeline, splitting them
// at the review threshold: passing scores forward straight to auto-apply,
// failing scores queue for human review.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sparkai/dispatch/internal/domain/events"
	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/pkg/common/logger"
)

// ScoreSubmission is one scored resume arriving from the ATS pipeline.
type ScoreSubmission struct {
	CandidateID     uuid.UUID
	JobID           uuid.UUID
	ATSScore        float64
	ResumeURL       string
	MissingKeywords []string
	Suggestions     []string
}

// IngestResult reports how a submission was routed.
type IngestResult struct {
	// Queued is true when a review task was created (or already existed).
	Queued bool

	// Task is the live review task for queued submissions, nil on bypass.
	Task *review.Task
}

// Service is the intake boundary used by the HTTP API.
type Service interface {
	// IngestScore routes a scored resume: at or above the threshold it is
	// forwarded for auto-apply without touching the store; below it a review
	// task is queued. Re-submitting a pair with a live task returns that task
	// instead of queueing a duplicate.
	IngestScore(ctx context.Context, sub ScoreSubmission) (*IngestResult, error)

	// EnqueueTask queues a review task directly, rejecting scores at or above
	// the threshold with ErrScoreAboveThreshold. Not idempotent.
	EnqueueTask(ctx context.Context, sub ScoreSubmission) (*review.Task, error)

	// RegisterReviewer creates a reviewer account.
	RegisterReviewer(ctx context.Context, email, name string, role review.ReviewerRole) (*review.Reviewer, error)

	// SetPresence applies an explicit presence change. Idempotent.
	SetPresence(ctx context.Context, reviewerID uuid.UUID, presence review.Presence) error

	// ReinstateReviewer lifts a suspension, resetting the strike ladder.
	// Authorization is the caller's concern.
	ReinstateReviewer(ctx context.Context, reviewerID uuid.UUID) error

	// GetTask returns a task by id.
	GetTask(ctx context.Context, taskID uuid.UUID) (*review.Task, error)

	// ListIncidents returns a reviewer's strike history, newest first.
	ListIncidents(ctx context.Context, reviewerID uuid.UUID, limit int) ([]*review.Incident, error)

	// Stats returns the queue depth and completion aggregates.
	Stats(ctx context.Context) (*review.QueueStats, error)
}

type service struct {
	tasks     review.TaskStore
	reviewers review.ReviewerStore
	stats     review.StatsStore
	incidents review.IncidentStore
	forwarder review.AutoApplyForwarder

	publisher events.DomainEventPublisher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService wires the intake boundary to its stores and the auto-apply
// forwarder.
func NewService(
	tasks review.TaskStore,
	reviewers review.ReviewerStore,
	stats review.StatsStore,
	incidents review.IncidentStore,
	forwarder review.AutoApplyForwarder,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
) Service {
	return &service{
		tasks:     tasks,
		reviewers: reviewers,
		stats:     stats,
		incidents: incidents,
		forwarder: forwarder,
		publisher: publisher,
		logger:    logger.With("component", "intake"),
		tracer:    tracer,
	}
}

func (s *service) IngestScore(ctx context.Context, sub ScoreSubmission) (*IngestResult, error) {
	ctx, span := s.tracer.Start(ctx, "intake.ingest_score",
		trace.WithAttributes(
			attribute.String("candidate_id", sub.CandidateID.String()),
			attribute.Float64("ats_score", sub.ATSScore),
		))
	defer span.End()

	if err := sub.validate(); err != nil {
		return nil, err
	}

	if sub.ATSScore >= review.ScoreThreshold {
		app := review.NewApplication(sub.CandidateID, sub.JobID, uuid.Nil, sub.ResumeURL, sub.ATSScore)
		if err := s.forwarder.Forward(ctx, app); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "auto-apply forward failed")
			return nil, fmt.Errorf("forwarding application for auto-apply: %w", err)
		}
		span.AddEvent("forwarded_for_auto_apply")
		s.logger.Info(ctx, "score passed threshold, forwarded for auto-apply",
			"candidate_id", sub.CandidateID.String(),
			"job_id", sub.JobID.String(),
			"ats_score", sub.ATSScore)
		return &IngestResult{Queued: false}, nil
	}

	existing, err := s.tasks.FindLiveTask(ctx, sub.CandidateID, sub.JobID)
	if err == nil {
		span.AddEvent("live_task_exists")
		return &IngestResult{Queued: true, Task: existing}, nil
	}
	if !errors.Is(err, review.ErrTaskNotFound) {
		return nil, fmt.Errorf("checking for live task: %w", err)
	}

	task, err := s.enqueue(ctx, sub)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return nil, err
	}
	return &IngestResult{Queued: true, Task: task}, nil
}

func (s *service) EnqueueTask(ctx context.Context, sub ScoreSubmission) (*review.Task, error) {
	ctx, span := s.tracer.Start(ctx, "intake.enqueue_task",
		trace.WithAttributes(attribute.Float64("ats_score", sub.ATSScore)))
	defer span.End()

	if err := sub.validate(); err != nil {
		return nil, err
	}
	return s.enqueue(ctx, sub)
}

func (s *service) enqueue(ctx context.Context, sub ScoreSubmission) (*review.Task, error) {
	if sub.ATSScore >= review.ScoreThreshold {
		return nil, fmt.Errorf("%w: %.2f", review.ErrScoreAboveThreshold, sub.ATSScore)
	}

	task := review.NewTask(
		sub.CandidateID, sub.JobID,
		sub.ATSScore, sub.ResumeURL,
		sub.MissingKeywords, sub.Suggestions,
	)
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating review task: %w", err)
	}

	s.logger.Info(ctx, "review task queued",
		"task_id", task.ID().String(),
		"candidate_id", sub.CandidateID.String(),
		"ats_score", sub.ATSScore)
	s.publish(ctx, review.NewTaskEnqueuedEvent(
		task.ID(), sub.CandidateID, sub.JobID, sub.ATSScore),
		task.ID().String())
	return task, nil
}

func (s *service) RegisterReviewer(ctx context.Context, email, name string, role review.ReviewerRole) (*review.Reviewer, error) {
	ctx, span := s.tracer.Start(ctx, "intake.register_reviewer")
	defer span.End()

	if email == "" || name == "" {
		return nil, fmt.Errorf("%w: email and name are required", review.ErrValidation)
	}

	reviewer := review.NewReviewer(email, name, role)
	if err := s.reviewers.CreateReviewer(ctx, reviewer); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("creating reviewer: %w", err)
	}
	s.logger.Info(ctx, "reviewer registered",
		"reviewer_id", reviewer.ID().String(), "role", reviewer.Role().String())
	return reviewer, nil
}

func (s *service) SetPresence(ctx context.Context, reviewerID uuid.UUID, presence review.Presence) error {
	ctx, span := s.tracer.Start(ctx, "intake.set_presence",
		trace.WithAttributes(
			attribute.String("reviewer_id", reviewerID.String()),
			attribute.String("presence", presence.String()),
		))
	defer span.End()

	reviewer, err := s.reviewers.GetReviewer(ctx, reviewerID)
	if err != nil {
		return err
	}
	// Every presence call doubles as a liveness signal, so the row is written
	// even when the state is unchanged.
	changed := reviewer.Presence() != presence
	if err := reviewer.SetPresence(presence); err != nil {
		return err
	}
	if err := s.reviewers.UpdateReviewer(ctx, reviewer); err != nil {
		return fmt.Errorf("persisting presence change: %w", err)
	}

	if changed {
		s.publish(ctx, review.NewReviewerPresenceChangedEvent(reviewerID, presence),
			reviewerID.String())
	}
	return nil
}

func (s *service) ReinstateReviewer(ctx context.Context, reviewerID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "intake.reinstate_reviewer",
		trace.WithAttributes(attribute.String("reviewer_id", reviewerID.String())))
	defer span.End()

	reviewer, err := s.reviewers.GetReviewer(ctx, reviewerID)
	if err != nil {
		return err
	}
	if reviewer.Active() {
		return nil
	}
	reviewer.Reinstate()
	if err := s.reviewers.UpdateReviewer(ctx, reviewer); err != nil {
		return fmt.Errorf("persisting reinstatement: %w", err)
	}

	s.logger.Info(ctx, "reviewer reinstated", "reviewer_id", reviewerID.String())
	s.publish(ctx, review.NewReviewerPresenceChangedEvent(reviewerID, reviewer.Presence()),
		reviewerID.String())
	return nil
}

func (s *service) GetTask(ctx context.Context, taskID uuid.UUID) (*review.Task, error) {
	return s.tasks.GetTask(ctx, taskID)
}

func (s *service) ListIncidents(ctx context.Context, reviewerID uuid.UUID, limit int) ([]*review.Incident, error) {
	ctx, span := s.tracer.Start(ctx, "intake.list_incidents",
		trace.WithAttributes(attribute.String("reviewer_id", reviewerID.String())))
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	if _, err := s.reviewers.GetReviewer(ctx, reviewerID); err != nil {
		return nil, err
	}
	return s.incidents.ListIncidentsByReviewer(ctx, reviewerID, limit)
}

func (s *service) Stats(ctx context.Context) (*review.QueueStats, error) {
	ctx, span := s.tracer.Start(ctx, "intake.stats")
	defer span.End()
	return s.stats.QueueStats(ctx, time.Now())
}

func (s *service) publish(ctx context.Context, evt events.DomainEvent, key string) {
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(key)); err != nil {
		s.logger.Error(ctx, "failed to publish event",
			"event_type", string(evt.EventType()), "error", err)
	}
}

func (sub ScoreSubmission) validate() error {
	if sub.CandidateID == uuid.Nil || sub.JobID == uuid.Nil {
		return fmt.Errorf("%w: candidate and job ids are required", review.ErrValidation)
	}
	if sub.ATSScore < 0 || sub.ATSScore > 1 {
		return fmt.Errorf("%w: ats score %.2f outside [0, 1]", review.ErrValidation, sub.ATSScore)
	}
	if sub.ResumeURL == "" {
		return fmt.Errorf("%w: resume url is required", review.ErrValidation)
	}
	return nil
}

// Package gateway coordinates live reviewer sessions: connect and presence
// lifecycle, the start/complete/fail actions, and pushing per-reviewer events
// out over each session's stream.
package gateway

import (
	"context"
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

// Config holds the session coordination knobs.
type Config struct {
	// MaxRetries is the requeue budget used when a reviewer fails a task.
	MaxRetries int
}

// Service is the session boundary the gateway transport drives.
type Service interface {
	// Connect registers the reviewer's live stream. A free, active reviewer
	// is marked available; a reviewer mid-task keeps their current presence.
	// Suspended accounts are rejected with ErrReviewerSuspended.
	Connect(ctx context.Context, reviewerID uuid.UUID, stream ReviewerStream) error

	// Disconnect drops the reviewer's session. A free reviewer goes offline;
	// a held task is left alone for the deadline sweep to recover.
	Disconnect(ctx context.Context, reviewerID uuid.UUID) error

	// StartTask moves the reviewer's assigned task to in-progress.
	StartTask(ctx context.Context, reviewerID, taskID uuid.UUID) error

	// CompleteTask finalizes a review and forwards the polished application
	// for submission.
	CompleteTask(ctx context.Context, reviewerID, taskID uuid.UUID, newResumeURL, notes string) error

	// FailTask returns a task the reviewer cannot finish. Within the retry
	// budget it requeues; past it the task fails terminally.
	FailTask(ctx context.Context, reviewerID, taskID uuid.UUID, reason string) error

	// SetPresence applies an explicit presence change from the client.
	SetPresence(ctx context.Context, reviewerID uuid.UUID, presence review.Presence) error

	// Heartbeat records session liveness.
	Heartbeat(ctx context.Context, reviewerID uuid.UUID) error

	// Run subscribes to the event bus and pushes events to connected
	// sessions until ctx is canceled.
	Run(ctx context.Context) error
}

type service struct {
	cfg Config

	reviewers review.ReviewerStore
	dispatch  review.DispatchStore
	forwarder review.AutoApplyForwarder

	publisher events.DomainEventPublisher
	bus       events.EventBus

	sessions *registry

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService wires the session coordinator to its stores and the event bus.
func NewService(
	cfg Config,
	reviewers review.ReviewerStore,
	dispatch review.DispatchStore,
	forwarder review.AutoApplyForwarder,
	publisher events.DomainEventPublisher,
	bus events.EventBus,
	logger *logger.Logger,
	tracer trace.Tracer,
) Service {
	return &service{
		cfg:       cfg,
		reviewers: reviewers,
		dispatch:  dispatch,
		forwarder: forwarder,
		publisher: publisher,
		bus:       bus,
		sessions:  newRegistry(),
		logger:    logger.With("component", "gateway"),
		tracer:    tracer,
	}
}

func (s *service) Connect(ctx context.Context, reviewerID uuid.UUID, stream ReviewerStream) error {
	ctx, span := s.tracer.Start(ctx, "gateway.connect",
		trace.WithAttributes(attribute.String("reviewer_id", reviewerID.String())))
	defer span.End()

	reviewer, err := s.reviewers.GetReviewer(ctx, reviewerID)
	if err != nil {
		return err
	}
	if !reviewer.Active() {
		return review.ErrReviewerSuspended
	}

	reviewer.Heartbeat()
	wentAvailable := false
	if reviewer.CurrentTaskID() == nil && reviewer.Presence() != review.PresenceAvailable {
		if err := reviewer.SetPresence(review.PresenceAvailable); err != nil {
			return err
		}
		wentAvailable = true
	}
	if err := s.reviewers.UpdateReviewer(ctx, reviewer); err != nil {
		return fmt.Errorf("persisting connect state: %w", err)
	}
	if wentAvailable {
		s.publishPresence(ctx, reviewerID, review.PresenceAvailable)
	}

	s.sessions.add(&session{reviewerID: reviewerID, stream: stream})
	s.logger.Info(ctx, "reviewer connected",
		"reviewer_id", reviewerID.String(),
		"presence", reviewer.Presence().String(),
		"sessions", s.sessions.count())
	return nil
}

func (s *service) Disconnect(ctx context.Context, reviewerID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "gateway.disconnect",
		trace.WithAttributes(attribute.String("reviewer_id", reviewerID.String())))
	defer span.End()

	if !s.sessions.remove(reviewerID, nil) {
		return nil
	}

	reviewer, err := s.reviewers.GetReviewer(ctx, reviewerID)
	if err != nil {
		return err
	}
	// A held task stays with the reviewer; the deadline sweep recovers it if
	// they never come back.
	if !reviewer.Active() || reviewer.CurrentTaskID() != nil ||
		reviewer.Presence() == review.PresenceOffline {
		s.logger.Info(ctx, "reviewer disconnected", "reviewer_id", reviewerID.String())
		return nil
	}

	if err := reviewer.SetPresence(review.PresenceOffline); err != nil {
		return err
	}
	if err := s.reviewers.UpdateReviewer(ctx, reviewer); err != nil {
		return fmt.Errorf("persisting disconnect state: %w", err)
	}
	s.publishPresence(ctx, reviewerID, review.PresenceOffline)
	s.logger.Info(ctx, "reviewer disconnected", "reviewer_id", reviewerID.String())
	return nil
}

func (s *service) StartTask(ctx context.Context, reviewerID, taskID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "gateway.start_task",
		trace.WithAttributes(
			attribute.String("reviewer_id", reviewerID.String()),
			attribute.String("task_id", taskID.String()),
		))
	defer span.End()

	if _, err := s.dispatch.StartTask(ctx, taskID, reviewerID); err != nil {
		span.RecordError(err)
		return err
	}

	s.publish(ctx, review.NewTaskStartedEvent(taskID, reviewerID), taskID.String())
	return nil
}

func (s *service) CompleteTask(ctx context.Context, reviewerID, taskID uuid.UUID, newResumeURL, notes string) error {
	ctx, span := s.tracer.Start(ctx, "gateway.complete_task",
		trace.WithAttributes(
			attribute.String("reviewer_id", reviewerID.String()),
			attribute.String("task_id", taskID.String()),
		))
	defer span.End()

	// Ownership and status are re-validated against the locked rows inside
	// the store transaction, never against a session-held snapshot.
	res, err := s.dispatch.CompleteTask(ctx, taskID, reviewerID, newResumeURL, notes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion rejected")
		return err
	}

	// Post-commit: the application row is durable even if forwarding fails;
	// the submitter retries off the PENDING status.
	if err := s.forwarder.Forward(ctx, res.Application); err != nil {
		s.logger.Error(ctx, "auto-apply forward failed",
			"task_id", taskID.String(), "error", err)
	}

	task := res.Task
	s.logger.Info(ctx, "task completed",
		"task_id", taskID.String(),
		"reviewer_id", reviewerID.String(),
		"completion_seconds", task.CompletionSeconds())
	s.publish(ctx, review.NewTaskCompletedEvent(
		taskID, reviewerID, task.CandidateID(), task.JobID(), newResumeURL),
		taskID.String())
	s.publishPresence(ctx, reviewerID, res.Reviewer.Presence())
	return nil
}

func (s *service) FailTask(ctx context.Context, reviewerID, taskID uuid.UUID, reason string) error {
	ctx, span := s.tracer.Start(ctx, "gateway.fail_task",
		trace.WithAttributes(
			attribute.String("reviewer_id", reviewerID.String()),
			attribute.String("task_id", taskID.String()),
		))
	defer span.End()

	res, err := s.dispatch.FailTask(ctx, taskID, reviewerID, reason, s.cfg.MaxRetries)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failure rejected")
		return err
	}

	task := res.Task
	s.logger.Warn(ctx, "task failed by reviewer",
		"task_id", taskID.String(),
		"reviewer_id", reviewerID.String(),
		"reason", reason,
		"status", task.Status().String())
	s.publish(ctx, review.NewTaskFailedEvent(taskID, reviewerID, reason), taskID.String())
	if task.Status() == review.TaskStatusQueued {
		s.publish(ctx, review.NewTaskRequeuedEvent(taskID, reason, task.RetryCount()),
			taskID.String())
	}
	s.publishPresence(ctx, reviewerID, res.Reviewer.Presence())
	return nil
}

func (s *service) SetPresence(ctx context.Context, reviewerID uuid.UUID, presence review.Presence) error {
	ctx, span := s.tracer.Start(ctx, "gateway.set_presence",
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
		s.publishPresence(ctx, reviewerID, presence)
	}
	return nil
}

func (s *service) Heartbeat(ctx context.Context, reviewerID uuid.UUID) error {
	return s.reviewers.RecordHeartbeat(ctx, reviewerID, time.Now())
}

// Run pushes bus events to the sessions they concern. Suspension closes the
// session after delivery.
func (s *service) Run(ctx context.Context) error {
	return s.bus.Subscribe(ctx, []events.EventType{
		review.EventTypeTaskAssigned,
		review.EventTypeDeadlineWarning,
		review.EventTypeReviewerStrike,
		review.EventTypeReviewerSuspended,
	}, func(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
		s.route(ctx, evt)
		ack(nil)
		return nil
	})
}

func (s *service) route(ctx context.Context, evt events.EventEnvelope) {
	switch payload := evt.Payload.(type) {
	case review.TaskAssignedEvent:
		s.deliver(ctx, payload.ReviewerID, OutboundMessage{Type: MessageTaskAssigned, Payload: payload})
	case review.DeadlineWarningEvent:
		s.deliver(ctx, payload.ReviewerID, OutboundMessage{Type: MessageDeadlineWarning, Payload: payload})
	case review.ReviewerStrikeEvent:
		s.deliver(ctx, payload.ReviewerID, OutboundMessage{Type: MessageStrike, Payload: payload})
	case review.ReviewerSuspendedEvent:
		s.deliver(ctx, payload.ReviewerID, OutboundMessage{Type: MessageSuspended, Payload: payload})
		if sess, ok := s.sessions.get(payload.ReviewerID); ok {
			s.sessions.remove(payload.ReviewerID, sess)
			_ = sess.stream.Close()
			s.logger.Warn(ctx, "session dropped on suspension",
				"reviewer_id", payload.ReviewerID.String())
		}
	}
}

func (s *service) deliver(ctx context.Context, reviewerID uuid.UUID, msg OutboundMessage) {
	sess, ok := s.sessions.get(reviewerID)
	if !ok {
		return
	}
	if err := sess.stream.Send(ctx, msg); err != nil {
		s.logger.Warn(ctx, "failed to push to session",
			"reviewer_id", reviewerID.String(), "type", msg.Type, "error", err)
	}
}

func (s *service) publishPresence(ctx context.Context, reviewerID uuid.UUID, presence review.Presence) {
	s.publish(ctx, review.NewReviewerPresenceChangedEvent(reviewerID, presence),
		reviewerID.String())
}

func (s *service) publish(ctx context.Context, evt events.DomainEvent, key string) {
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(key)); err != nil {
		s.logger.Error(ctx, "failed to publish event",
			"event_type", string(evt.EventType()), "error", err)
	}
}

// Package assigner runs the cooperative assignment loop that drains the
// review queue, binding each queued task to the most idle eligible reviewer.
package assigner

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sparkai/dispatch/internal/domain/events"
	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/pkg/common/logger"
)

// Config holds the assignment loop knobs.
type Config struct {
	// SLA is the review deadline armed on each assignment.
	SLA time.Duration

	// Interval is the fallback tick; bus events trigger passes between ticks.
	Interval time.Duration

	// HeartbeatTTL bounds how stale a reviewer heartbeat may be.
	HeartbeatTTL time.Duration

	// MaxRetries is the requeue budget before a task is abandoned.
	MaxRetries int
}

// Assigner drains the review queue. Multiple instances may run concurrently;
// the store's claim primitive guarantees single assignment.
type Assigner interface {
	// Run blocks, assigning tasks until ctx is canceled.
	Run(ctx context.Context) error
}

type assigner struct {
	cfg Config

	store     review.DispatchStore
	publisher events.DomainEventPublisher
	bus       events.EventBus

	logger *logger.Logger
	tracer trace.Tracer
}

// New creates an Assigner backed by the given claim store. The bus is used to
// trigger immediate passes on task.enqueued and reviewer availability events.
func New(
	cfg Config,
	store review.DispatchStore,
	publisher events.DomainEventPublisher,
	bus events.EventBus,
	logger *logger.Logger,
	tracer trace.Tracer,
) Assigner {
	return &assigner{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		bus:       bus,
		logger:    logger.With("component", "assigner"),
		tracer:    tracer,
	}
}

// Run ticks every Interval and additionally whenever a task is enqueued or a
// reviewer becomes available. Each pass keeps claiming until the queue or the
// candidate pool is empty, so a burst of enqueues drains in one pass.
func (a *assigner) Run(ctx context.Context) error {
	trigger := make(chan struct{}, 1)
	kick := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	err := a.bus.Subscribe(ctx,
		[]events.EventType{review.EventTypeTaskEnqueued, review.EventTypeReviewerPresence},
		func(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
			if p, ok := evt.Payload.(review.ReviewerPresenceChangedEvent); ok &&
				p.Presence != review.PresenceAvailable {
				ack(nil)
				return nil
			}
			kick()
			ack(nil)
			return nil
		})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Info(ctx, "assignment loop started", "interval", a.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-trigger:
		}
		if err := a.pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			// Transient by policy: the next tick retries.
			a.logger.Error(ctx, "assignment pass failed", "error", err)
		}
	}
}

// pass drains the queue, one claim per iteration.
func (a *assigner) pass(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "assigner.pass",
		trace.WithAttributes(attribute.String("component", "assigner")))
	defer span.End()

	var assigned int
	defer func() { span.SetAttributes(attribute.Int("tasks_assigned", assigned)) }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := a.claimWithRetry(ctx)
		if errors.Is(err, review.ErrNoQueuedTask) || errors.Is(err, review.ErrNoCandidateReviewer) {
			return nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "claim failed")
			return err
		}

		if res.Reviewer == nil {
			// Retry budget spent before anyone could take it.
			a.logger.Warn(ctx, "task abandoned past retry cap",
				"task_id", res.Task.ID().String(),
				"retry_count", res.Task.RetryCount())
			a.publish(ctx, review.NewTaskTimedOutEvent(res.Task.ID(), res.Task.RetryCount()),
				res.Task.ID().String())
			continue
		}

		assigned++
		a.logger.Info(ctx, "task assigned",
			"task_id", res.Task.ID().String(),
			"reviewer_id", res.Reviewer.ID().String(),
			"deadline_at", res.Task.DeadlineAt().UTC().Format(time.RFC3339))
		a.publish(ctx, review.NewTaskAssignedEvent(
			res.Task.ID(), res.Reviewer.ID(), res.Task.DeadlineAt()),
			res.Task.ID().String())
	}
}

// claimWithRetry shields a single claim from transient store errors. Sentinel
// outcomes pass through untouched so the drain loop can terminate.
func (a *assigner) claimWithRetry(ctx context.Context) (*review.ClaimResult, error) {
	var res *review.ClaimResult

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	err := backoff.Retry(func() error {
		var err error
		res, err = a.store.ClaimNext(ctx, a.cfg.SLA, a.cfg.HeartbeatTTL, a.cfg.MaxRetries)
		if errors.Is(err, review.ErrNoQueuedTask) ||
			errors.Is(err, review.ErrNoCandidateReviewer) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))

	return res, err
}

func (a *assigner) publish(ctx context.Context, evt events.DomainEvent, key string) {
	if err := a.publisher.PublishDomainEvent(ctx, evt, events.WithKey(key)); err != nil {
		a.logger.Error(ctx, "failed to publish event",
			"event_type", string(evt.EventType()), "error", err)
	}
}

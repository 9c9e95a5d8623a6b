// Package sla enforces review deadlines: it expires overdue tasks through the
// strike machine and emits pre-deadline warnings exactly once per task-minute
// mark.
package sla

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sparkai/dispatch/internal/domain/events"
	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/pkg/common/logger"
)

// Config holds the deadline sweep knobs.
type Config struct {
	// Tick is the sweep cadence.
	Tick time.Duration

	// WarningOffsets are the minutes-before-deadline marks to warn at.
	WarningOffsets []int

	// MaxRetries is the requeue budget before an expired task is abandoned.
	MaxRetries int

	// BatchSize bounds how many overdue tasks one sweep processes.
	BatchSize int
}

// Monitor sweeps for blown and approaching deadlines.
type Monitor interface {
	// Run blocks, sweeping every tick until ctx is canceled.
	Run(ctx context.Context) error
}

type monitor struct {
	cfg Config

	tasks    review.TaskStore
	dispatch review.DispatchStore
	marker   review.WarningMarker

	publisher events.DomainEventPublisher

	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a deadline Monitor. The warning marker deduplicates emissions
// across instances and restarts; the monitor itself keeps no state.
func New(
	cfg Config,
	tasks review.TaskStore,
	dispatch review.DispatchStore,
	marker review.WarningMarker,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
) Monitor {
	return &monitor{
		cfg:       cfg,
		tasks:     tasks,
		dispatch:  dispatch,
		marker:    marker,
		publisher: publisher,
		logger:    logger.With("component", "sla_monitor"),
		tracer:    tracer,
	}
}

// Run sweeps every Tick. Errors inside a sweep are logged and retried on the
// next tick; they never stop the loop.
func (m *monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	m.logger.Info(ctx, "deadline sweep started",
		"tick", m.cfg.Tick.String(), "warning_offsets", m.cfg.WarningOffsets)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := m.sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error(ctx, "deadline sweep failed", "error", err)
		}
	}
}

func (m *monitor) sweep(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "sla.sweep",
		trace.WithAttributes(attribute.String("component", "sla_monitor")))
	defer span.End()

	now := time.Now()
	if err := m.expireOverdue(ctx, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expiry failed")
		return err
	}
	if err := m.emitWarnings(ctx, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "warning emission failed")
		return err
	}
	return nil
}

// expireOverdue pushes each blown deadline through the store's expiry
// transaction and publishes the resulting events after commit.
func (m *monitor) expireOverdue(ctx context.Context, now time.Time) error {
	overdue, err := m.tasks.ListOverdue(ctx, now, m.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, task := range overdue {
		res, err := m.dispatch.ExpireTask(ctx, task.ID(), m.cfg.MaxRetries)
		if err != nil {
			m.logger.Error(ctx, "failed to expire task",
				"task_id", task.ID().String(), "error", err)
			continue
		}
		if res == nil {
			// Resolved between listing and locking.
			continue
		}

		m.logger.Warn(ctx, "task deadline expired",
			"task_id", res.Task.ID().String(),
			"reviewer_id", res.Reviewer.ID().String(),
			"strike", res.Strike.String(),
			"retry_count", res.Task.RetryCount())

		reviewerKey := res.Reviewer.ID().String()
		m.publish(ctx, review.NewReviewerStrikeEvent(
			res.Reviewer.ID(), res.Task.ID(), res.Strike,
			res.Reviewer.WarningCount(), res.Reviewer.ViolationCount()),
			reviewerKey)
		if res.Strike == review.StrikeSuspension {
			m.publish(ctx, review.NewReviewerSuspendedEvent(res.Reviewer.ID(), res.Task.ID()),
				reviewerKey)
		}

		taskKey := res.Task.ID().String()
		if res.Task.Status() == review.TaskStatusTimeout {
			m.publish(ctx, review.NewTaskTimedOutEvent(res.Task.ID(), res.Task.RetryCount()),
				taskKey)
			continue
		}
		m.publish(ctx, review.NewTaskRequeuedEvent(
			res.Task.ID(), "sla deadline exceeded", res.Task.RetryCount()),
			taskKey)
	}
	return nil
}

// emitWarnings publishes a T-minus warning for each live task whose remaining
// time crosses a configured mark this tick. A short-lived marker lock keyed by
// (task, minute) guarantees at-most-once emission across instances.
func (m *monitor) emitWarnings(ctx context.Context, now time.Time) error {
	horizon := m.horizon()
	if horizon <= 0 {
		return nil
	}

	approaching, err := m.tasks.ListApproachingDeadline(ctx, now, horizon)
	if err != nil {
		return err
	}

	lockTTL := 2 * m.cfg.Tick
	for _, task := range approaching {
		remaining := task.DeadlineAt().Sub(now)
		for _, mark := range m.cfg.WarningOffsets {
			markDur := time.Duration(mark) * time.Minute
			// Fire within one tick window of the mark so each offset maps to
			// a single sweep.
			if remaining > markDur || remaining <= markDur-m.cfg.Tick {
				continue
			}

			acquired, err := m.marker.MarkWarned(ctx, task.ID(), mark, lockTTL)
			if err != nil {
				m.logger.Error(ctx, "warning marker failed",
					"task_id", task.ID().String(), "minutes_left", mark, "error", err)
				continue
			}
			if !acquired {
				continue
			}

			holder := task.AssignedTo()
			if holder == nil {
				continue
			}
			m.publish(ctx, review.NewDeadlineWarningEvent(
				task.ID(), *holder, task.DeadlineAt(), mark),
				task.ID().String())
		}
	}
	return nil
}

func (m *monitor) horizon() time.Duration {
	var max int
	for _, mark := range m.cfg.WarningOffsets {
		if mark > max {
			max = mark
		}
	}
	return time.Duration(max) * time.Minute
}

func (m *monitor) publish(ctx context.Context, evt events.DomainEvent, key string) {
	if err := m.publisher.PublishDomainEvent(ctx, evt, events.WithKey(key)); err != nil {
		m.logger.Error(ctx, "failed to publish event",
			"event_type", string(evt.EventType()), "error", err)
	}
}

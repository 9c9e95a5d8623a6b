package sla

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sparkai/dispatch/internal/domain/events"
	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/pkg/common/logger"
)

type mockTaskStore struct{ mock.Mock }

func (m *mockTaskStore) CreateTask(ctx context.Context, task *review.Task) error {
	return m.Called(ctx, task).Error(0)
}

func (m *mockTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*review.Task, error) {
	args := m.Called(ctx, id)
	if res := args.Get(0); res != nil {
		return res.(*review.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskStore) UpdateTask(ctx context.Context, task *review.Task) error {
	return m.Called(ctx, task).Error(0)
}

func (m *mockTaskStore) FindLiveTask(ctx context.Context, candidateID, jobID uuid.UUID) (*review.Task, error) {
	args := m.Called(ctx, candidateID, jobID)
	if res := args.Get(0); res != nil {
		return res.(*review.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*review.Task, error) {
	args := m.Called(ctx, now, limit)
	if res := args.Get(0); res != nil {
		return res.([]*review.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskStore) ListApproachingDeadline(ctx context.Context, now time.Time, horizon time.Duration) ([]*review.Task, error) {
	args := m.Called(ctx, now, horizon)
	if res := args.Get(0); res != nil {
		return res.([]*review.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskStore) ListByReviewer(ctx context.Context, reviewerID uuid.UUID, limit int) ([]*review.Task, error) {
	args := m.Called(ctx, reviewerID, limit)
	if res := args.Get(0); res != nil {
		return res.([]*review.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockDispatchStore struct{ mock.Mock }

func (m *mockDispatchStore) ClaimNext(ctx context.Context, sla, heartbeatTTL time.Duration, maxRetries int) (*review.ClaimResult, error) {
	args := m.Called(ctx, sla, heartbeatTTL, maxRetries)
	if res := args.Get(0); res != nil {
		return res.(*review.ClaimResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDispatchStore) StartTask(ctx context.Context, taskID, reviewerID uuid.UUID) (*review.Task, error) {
	args := m.Called(ctx, taskID, reviewerID)
	if res := args.Get(0); res != nil {
		return res.(*review.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDispatchStore) CompleteTask(ctx context.Context, taskID, reviewerID uuid.UUID, newResumeURL, notes string) (*review.CompletionResult, error) {
	args := m.Called(ctx, taskID, reviewerID, newResumeURL, notes)
	if res := args.Get(0); res != nil {
		return res.(*review.CompletionResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDispatchStore) ExpireTask(ctx context.Context, taskID uuid.UUID, maxRetries int) (*review.ExpiryResult, error) {
	args := m.Called(ctx, taskID, maxRetries)
	if res := args.Get(0); res != nil {
		return res.(*review.ExpiryResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDispatchStore) FailTask(ctx context.Context, taskID, reviewerID uuid.UUID, reason string, maxRetries int) (*review.FailureResult, error) {
	args := m.Called(ctx, taskID, reviewerID, reason, maxRetries)
	if res := args.Get(0); res != nil {
		return res.(*review.FailureResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockWarningMarker struct{ mock.Mock }

func (m *mockWarningMarker) MarkWarned(ctx context.Context, taskID uuid.UUID, minutesLeft int, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, taskID, minutesLeft, ttl)
	return args.Bool(0), args.Error(1)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	return m.Called(ctx, event).Error(0)
}

func newTestMonitor(tasks *mockTaskStore, dispatch *mockDispatchStore, marker *mockWarningMarker, pub *mockPublisher) *monitor {
	cfg := Config{
		Tick:           time.Minute,
		WarningOffsets: []int{5, 3, 1},
		MaxRetries:     3,
		BatchSize:      100,
	}
	return New(cfg, tasks, dispatch, marker, pub,
		logger.New(io.Discard, logger.LevelDebug, "test", nil),
		noop.NewTracerProvider().Tracer("test"),
	).(*monitor)
}

// expiredFixture builds an expiry outcome: task assigned, blown, requeued (or
// timed out), and the holder struck.
func expiredFixture(t *testing.T, priorWarnings, priorViolations int, timedOut bool) *review.ExpiryResult {
	t.Helper()

	reviewer := review.NewReviewer("r@example.com", "R", review.RoleEmployee)
	reviewer.Heartbeat()
	require.NoError(t, reviewer.SetPresence(review.PresenceAvailable))
	for i := 0; i < priorViolations; i++ {
		for j := 0; j <= review.MaxWarnings; j++ {
			reviewer.RecordMissedDeadline()
		}
	}
	for i := 0; i < priorWarnings; i++ {
		reviewer.RecordMissedDeadline()
	}

	task := review.NewTask(uuid.New(), uuid.New(), 0.7, "https://r/old.pdf", nil, nil)
	require.NoError(t, task.Assign(reviewer.ID(), time.Minute))
	require.NoError(t, reviewer.BeginAssignment(task.ID()))

	require.NoError(t, task.Expire("sla deadline exceeded"))
	if timedOut {
		require.NoError(t, task.MarkTimedOut())
	}

	strike := reviewer.RecordMissedDeadline()
	reviewer.ReleaseAssignment()

	return &review.ExpiryResult{
		Task:     task,
		Reviewer: reviewer,
		Strike:   strike,
		Incident: review.NewIncident(reviewer.ID(), task.ID(), strike, "deadline missed"),
	}
}

func eventOfType[T events.DomainEvent]() interface{} {
	return mock.MatchedBy(func(evt events.DomainEvent) bool {
		_, ok := evt.(T)
		return ok
	})
}

func TestMonitor_ExpiryPublishesStrikeAndRequeue(t *testing.T) {
	t.Parallel()

	tasks := new(mockTaskStore)
	dispatch := new(mockDispatchStore)
	marker := new(mockWarningMarker)
	pub := new(mockPublisher)

	res := expiredFixture(t, 0, 0, false)
	tasks.On("ListOverdue", mock.Anything, mock.Anything, 100).
		Return([]*review.Task{res.Task}, nil).Once()
	tasks.On("ListApproachingDeadline", mock.Anything, mock.Anything, mock.Anything).
		Return([]*review.Task{}, nil).Once()
	dispatch.On("ExpireTask", mock.Anything, res.Task.ID(), 3).Return(res, nil).Once()

	pub.On("PublishDomainEvent", mock.Anything, eventOfType[review.ReviewerStrikeEvent]()).
		Return(nil).Once()
	pub.On("PublishDomainEvent", mock.Anything, eventOfType[review.TaskRequeuedEvent]()).
		Return(nil).Once()

	m := newTestMonitor(tasks, dispatch, marker, pub)
	require.NoError(t, m.sweep(context.Background()))

	dispatch.AssertExpectations(t)
	pub.AssertExpectations(t)
	pub.AssertNotCalled(t, "PublishDomainEvent", mock.Anything, eventOfType[review.ReviewerSuspendedEvent]())
}

func TestMonitor_ExpiryPublishesSuspension(t *testing.T) {
	t.Parallel()

	tasks := new(mockTaskStore)
	dispatch := new(mockDispatchStore)
	marker := new(mockWarningMarker)
	pub := new(mockPublisher)

	// Two violations and two warnings on the books: this lapse suspends.
	res := expiredFixture(t, 2, 2, false)
	require.Equal(t, review.StrikeSuspension, res.Strike)

	tasks.On("ListOverdue", mock.Anything, mock.Anything, 100).
		Return([]*review.Task{res.Task}, nil).Once()
	tasks.On("ListApproachingDeadline", mock.Anything, mock.Anything, mock.Anything).
		Return([]*review.Task{}, nil).Once()
	dispatch.On("ExpireTask", mock.Anything, res.Task.ID(), 3).Return(res, nil).Once()

	pub.On("PublishDomainEvent", mock.Anything, eventOfType[review.ReviewerStrikeEvent]()).
		Return(nil).Once()
	pub.On("PublishDomainEvent", mock.Anything, eventOfType[review.ReviewerSuspendedEvent]()).
		Return(nil).Once()
	pub.On("PublishDomainEvent", mock.Anything, eventOfType[review.TaskRequeuedEvent]()).
		Return(nil).Once()

	m := newTestMonitor(tasks, dispatch, marker, pub)
	require.NoError(t, m.sweep(context.Background()))

	pub.AssertExpectations(t)
}

func TestMonitor_ExpiryPastCapPublishesTimeout(t *testing.T) {
	t.Parallel()

	tasks := new(mockTaskStore)
	dispatch := new(mockDispatchStore)
	marker := new(mockWarningMarker)
	pub := new(mockPublisher)

	res := expiredFixture(t, 0, 0, true)
	tasks.On("ListOverdue", mock.Anything, mock.Anything, 100).
		Return([]*review.Task{res.Task}, nil).Once()
	tasks.On("ListApproachingDeadline", mock.Anything, mock.Anything, mock.Anything).
		Return([]*review.Task{}, nil).Once()
	dispatch.On("ExpireTask", mock.Anything, res.Task.ID(), 3).Return(res, nil).Once()

	pub.On("PublishDomainEvent", mock.Anything, eventOfType[review.ReviewerStrikeEvent]()).
		Return(nil).Once()
	pub.On("PublishDomainEvent", mock.Anything, eventOfType[review.TaskTimedOutEvent]()).
		Return(nil).Once()

	m := newTestMonitor(tasks, dispatch, marker, pub)
	require.NoError(t, m.sweep(context.Background()))

	pub.AssertExpectations(t)
	pub.AssertNotCalled(t, "PublishDomainEvent", mock.Anything, eventOfType[review.TaskRequeuedEvent]())
}

func TestMonitor_WarningEmittedOncePerMark(t *testing.T) {
	t.Parallel()

	tasks := new(mockTaskStore)
	dispatch := new(mockDispatchStore)
	marker := new(mockWarningMarker)
	pub := new(mockPublisher)

	reviewerID := uuid.New()
	task := review.NewTask(uuid.New(), uuid.New(), 0.7, "https://r/old.pdf", nil, nil)
	// Remaining time lands inside the 5 minute mark's tick window.
	require.NoError(t, task.Assign(reviewerID, 4*time.Minute+30*time.Second))

	tasks.On("ListOverdue", mock.Anything, mock.Anything, 100).
		Return([]*review.Task{}, nil).Once()
	tasks.On("ListApproachingDeadline", mock.Anything, mock.Anything, 5*time.Minute).
		Return([]*review.Task{task}, nil).Once()

	marker.On("MarkWarned", mock.Anything, task.ID(), 5, 2*time.Minute).
		Return(true, nil).Once()
	pub.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(evt events.DomainEvent) bool {
		warning, ok := evt.(review.DeadlineWarningEvent)
		return ok && warning.TaskID == task.ID() && warning.MinutesLeft == 5 &&
			warning.ReviewerID == reviewerID
	})).Return(nil).Once()

	m := newTestMonitor(tasks, dispatch, marker, pub)
	require.NoError(t, m.sweep(context.Background()))

	marker.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestMonitor_WarningSkippedWhenAlreadyMarked(t *testing.T) {
	t.Parallel()

	tasks := new(mockTaskStore)
	dispatch := new(mockDispatchStore)
	marker := new(mockWarningMarker)
	pub := new(mockPublisher)

	task := review.NewTask(uuid.New(), uuid.New(), 0.7, "https://r/old.pdf", nil, nil)
	require.NoError(t, task.Assign(uuid.New(), 4*time.Minute+30*time.Second))

	tasks.On("ListOverdue", mock.Anything, mock.Anything, 100).
		Return([]*review.Task{}, nil).Once()
	tasks.On("ListApproachingDeadline", mock.Anything, mock.Anything, mock.Anything).
		Return([]*review.Task{task}, nil).Once()
	marker.On("MarkWarned", mock.Anything, task.ID(), 5, mock.Anything).
		Return(false, nil).Once()

	m := newTestMonitor(tasks, dispatch, marker, pub)
	require.NoError(t, m.sweep(context.Background()))

	pub.AssertNotCalled(t, "PublishDomainEvent", mock.Anything, mock.Anything)
}

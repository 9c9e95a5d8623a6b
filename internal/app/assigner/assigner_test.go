package assigner

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sparkai/dispatch/internal/domain/events"
	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/internal/infra/eventbus/memory"
	"github.com/sparkai/dispatch/pkg/common/logger"
)

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

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	return m.Called(ctx, event).Error(0)
}

func newTestAssigner(store *mockDispatchStore, pub *mockPublisher) *assigner {
	cfg := Config{
		SLA:          20 * time.Minute,
		Interval:     time.Second,
		HeartbeatTTL: 90 * time.Second,
		MaxRetries:   3,
	}
	return New(cfg, store, pub, memory.NewBroker(),
		logger.New(io.Discard, logger.LevelDebug, "test", nil),
		noop.NewTracerProvider().Tracer("test"),
	).(*assigner)
}

func claimedPair(t *testing.T) *review.ClaimResult {
	t.Helper()

	task := review.NewTask(uuid.New(), uuid.New(), 0.7, "https://r/old.pdf", nil, nil)
	reviewer := review.NewReviewer("r@example.com", "R", review.RoleEmployee)
	reviewer.Heartbeat()
	require.NoError(t, reviewer.SetPresence(review.PresenceAvailable))

	require.NoError(t, task.Assign(reviewer.ID(), 20*time.Minute))
	require.NoError(t, reviewer.BeginAssignment(task.ID()))
	return &review.ClaimResult{Task: task, Reviewer: reviewer}
}

func TestAssigner_PassDrainsQueue(t *testing.T) {
	t.Parallel()

	store := new(mockDispatchStore)
	pub := new(mockPublisher)

	first, second := claimedPair(t), claimedPair(t)
	store.On("ClaimNext", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(first, nil).Once()
	store.On("ClaimNext", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(second, nil).Once()
	store.On("ClaimNext", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, review.ErrNoQueuedTask).Once()

	pub.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(evt events.DomainEvent) bool {
		assigned, ok := evt.(review.TaskAssignedEvent)
		return ok && (assigned.TaskID == first.Task.ID() || assigned.TaskID == second.Task.ID())
	})).Return(nil).Twice()

	a := newTestAssigner(store, pub)
	require.NoError(t, a.pass(context.Background()))

	store.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestAssigner_PassStopsWithoutCandidates(t *testing.T) {
	t.Parallel()

	store := new(mockDispatchStore)
	pub := new(mockPublisher)

	store.On("ClaimNext", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, review.ErrNoCandidateReviewer).Once()

	a := newTestAssigner(store, pub)
	require.NoError(t, a.pass(context.Background()))

	store.AssertExpectations(t)
	pub.AssertNotCalled(t, "PublishDomainEvent", mock.Anything, mock.Anything)
}

func TestAssigner_PassPublishesTimeoutForAbandonedTask(t *testing.T) {
	t.Parallel()

	store := new(mockDispatchStore)
	pub := new(mockPublisher)

	task := review.NewTask(uuid.New(), uuid.New(), 0.7, "https://r/old.pdf", nil, nil)
	store.On("ClaimNext", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&review.ClaimResult{Task: task}, nil).Once()
	store.On("ClaimNext", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, review.ErrNoQueuedTask).Once()

	pub.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(evt events.DomainEvent) bool {
		timedOut, ok := evt.(review.TaskTimedOutEvent)
		return ok && timedOut.TaskID == task.ID()
	})).Return(nil).Once()

	a := newTestAssigner(store, pub)
	require.NoError(t, a.pass(context.Background()))

	store.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestAssigner_RunTriggeredByEnqueueEvent(t *testing.T) {
	t.Parallel()

	store := new(mockDispatchStore)
	pub := new(mockPublisher)

	claimed := make(chan struct{}, 1)
	store.On("ClaimNext", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case claimed <- struct{}{}:
			default:
			}
		}).
		Return(nil, review.ErrNoQueuedTask)

	bus := memory.NewBroker()
	cfg := Config{SLA: 20 * time.Minute, Interval: time.Hour, HeartbeatTTL: 90 * time.Second, MaxRetries: 3}
	a := New(cfg, store, pub, bus,
		logger.New(io.Discard, logger.LevelDebug, "test", nil),
		noop.NewTracerProvider().Tracer("test"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	// A long tick interval means only the bus event can cause this claim.
	// Publishing repeats until the subscription is live.
	evt := review.NewTaskEnqueuedEvent(uuid.New(), uuid.New(), uuid.New(), 0.5)
	assert.Eventually(t, func() bool {
		require.NoError(t, bus.Publish(ctx, events.EventEnvelope{
			Type:      evt.EventType(),
			Timestamp: evt.OccurredAt(),
			Payload:   evt,
		}))
		select {
		case <-claimed:
			return true
		default:
			return false
		}
	}, 2*time.Second, 50*time.Millisecond)
}

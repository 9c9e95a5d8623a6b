package gateway

import (
	"context"
	"io"
	"sync"
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

type mockReviewerStore struct{ mock.Mock }

func (m *mockReviewerStore) CreateReviewer(ctx context.Context, reviewer *review.Reviewer) error {
	return m.Called(ctx, reviewer).Error(0)
}

func (m *mockReviewerStore) GetReviewer(ctx context.Context, id uuid.UUID) (*review.Reviewer, error) {
	args := m.Called(ctx, id)
	if res := args.Get(0); res != nil {
		return res.(*review.Reviewer), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockReviewerStore) GetReviewerByEmail(ctx context.Context, email string) (*review.Reviewer, error) {
	args := m.Called(ctx, email)
	if res := args.Get(0); res != nil {
		return res.(*review.Reviewer), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockReviewerStore) UpdateReviewer(ctx context.Context, reviewer *review.Reviewer) error {
	return m.Called(ctx, reviewer).Error(0)
}

func (m *mockReviewerStore) RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
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

type mockForwarder struct{ mock.Mock }

func (m *mockForwarder) Forward(ctx context.Context, app *review.Application) error {
	return m.Called(ctx, app).Error(0)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	return m.Called(ctx, event).Error(0)
}

// fakeStream collects pushed messages and records closure.
type fakeStream struct {
	mu     sync.Mutex
	sent   []OutboundMessage
	closed bool
}

func (f *fakeStream) Send(ctx context.Context, msg OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStream) messages() []OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OutboundMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

type testDeps struct {
	reviewers *mockReviewerStore
	dispatch  *mockDispatchStore
	forwarder *mockForwarder
	pub       *mockPublisher
	bus       *memory.Broker
}

func newTestService(t *testing.T) (*service, *testDeps) {
	t.Helper()
	deps := &testDeps{
		reviewers: new(mockReviewerStore),
		dispatch:  new(mockDispatchStore),
		forwarder: new(mockForwarder),
		pub:       new(mockPublisher),
		bus:       memory.NewBroker(),
	}
	svc := NewService(Config{MaxRetries: 3},
		deps.reviewers, deps.dispatch, deps.forwarder, deps.pub, deps.bus,
		logger.New(io.Discard, logger.LevelDebug, "test", nil),
		noop.NewTracerProvider().Tracer("test"))
	return svc.(*service), deps
}

func activeReviewer(t *testing.T) *review.Reviewer {
	t.Helper()
	r := review.NewReviewer("r@example.com", "R", review.RoleEmployee)
	r.Heartbeat()
	return r
}

func assignedPair(t *testing.T, r *review.Reviewer) *review.Task {
	t.Helper()
	task := review.NewTask(uuid.New(), uuid.New(), 0.7, "https://r/old.pdf", nil, nil)
	require.NoError(t, task.Assign(r.ID(), 20*time.Minute))
	require.NoError(t, r.BeginAssignment(task.ID()))
	return task
}

func TestConnect_FreeReviewerGoesAvailable(t *testing.T) {
	t.Parallel()
	svc, deps := newTestService(t)

	r := activeReviewer(t)
	deps.reviewers.On("GetReviewer", mock.Anything, r.ID()).Return(r, nil).Once()
	deps.reviewers.On("UpdateReviewer", mock.Anything, r).Return(nil).Once()
	deps.pub.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(evt events.DomainEvent) bool {
		p, ok := evt.(review.ReviewerPresenceChangedEvent)
		return ok && p.Presence == review.PresenceAvailable
	})).Return(nil).Once()

	stream := &fakeStream{}
	require.NoError(t, svc.Connect(context.Background(), r.ID(), stream))

	assert.Equal(t, review.PresenceAvailable, r.Presence())
	_, ok := svc.sessions.get(r.ID())
	assert.True(t, ok)
	deps.pub.AssertExpectations(t)
}

func TestConnect_MidTaskKeepsPresence(t *testing.T) {
	t.Parallel()
	svc, deps := newTestService(t)

	r := activeReviewer(t)
	require.NoError(t, r.SetPresence(review.PresenceAvailable))
	assignedPair(t, r)
	require.Equal(t, review.PresenceBusy, r.Presence())

	deps.reviewers.On("GetReviewer", mock.Anything, r.ID()).Return(r, nil).Once()
	deps.reviewers.On("UpdateReviewer", mock.Anything, r).Return(nil).Once()

	require.NoError(t, svc.Connect(context.Background(), r.ID(), &fakeStream{}))

	assert.Equal(t, review.PresenceBusy, r.Presence())
	deps.pub.AssertNotCalled(t, "PublishDomainEvent", mock.Anything, mock.Anything)
}

func TestConnect_SuspendedRejected(t *testing.T) {
	t.Parallel()
	svc, deps := newTestService(t)

	r := activeReviewer(t)
	for i := 0; i < (review.MaxWarnings+1)*review.ViolationsForSuspension; i++ {
		r.RecordMissedDeadline()
	}
	require.False(t, r.Active())
	deps.reviewers.On("GetReviewer", mock.Anything, r.ID()).Return(r, nil).Once()

	err := svc.Connect(context.Background(), r.ID(), &fakeStream{})
	assert.ErrorIs(t, err, review.ErrReviewerSuspended)
	_, ok := svc.sessions.get(r.ID())
	assert.False(t, ok)
}

func TestStartTask_PublishesStarted(t *testing.T) {
	t.Parallel()
	svc, deps := newTestService(t)

	r := activeReviewer(t)
	require.NoError(t, r.SetPresence(review.PresenceAvailable))
	task := assignedPair(t, r)
	require.NoError(t, task.Start(r.ID()))

	deps.dispatch.On("StartTask", mock.Anything, task.ID(), r.ID()).Return(task, nil).Once()
	deps.pub.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(evt events.DomainEvent) bool {
		s, ok := evt.(review.TaskStartedEvent)
		return ok && s.TaskID == task.ID()
	})).Return(nil).Once()

	require.NoError(t, svc.StartTask(context.Background(), r.ID(), task.ID()))
	deps.dispatch.AssertExpectations(t)
	deps.pub.AssertExpectations(t)
}

func TestCompleteTask_PersistsForwardsAndPublishes(t *testing.T) {
	t.Parallel()
	svc, deps := newTestService(t)

	r := activeReviewer(t)
	require.NoError(t, r.SetPresence(review.PresenceAvailable))
	task := assignedPair(t, r)
	require.NoError(t, task.Start(r.ID()))
	require.NoError(t, task.Complete(r.ID(), "https://r/new.pdf", "tightened summary"))
	r.RecordCompletion(task.CompletionSeconds())
	app := review.NewApplication(task.CandidateID(), task.JobID(), task.ID(), "https://r/new.pdf", task.ATSScore())

	deps.dispatch.On("CompleteTask", mock.Anything, task.ID(), r.ID(), "https://r/new.pdf", "tightened summary").
		Return(&review.CompletionResult{Task: task, Reviewer: r, Application: app}, nil).Once()
	deps.forwarder.On("Forward", mock.Anything, app).Return(nil).Once()
	deps.pub.On("PublishDomainEvent", mock.Anything, mock.Anything).Return(nil)

	err := svc.CompleteTask(context.Background(), r.ID(), task.ID(), "https://r/new.pdf", "tightened summary")
	require.NoError(t, err)

	deps.dispatch.AssertExpectations(t)
	deps.forwarder.AssertExpectations(t)
}

func TestCompleteTask_NotOwnerRejected(t *testing.T) {
	t.Parallel()
	svc, deps := newTestService(t)

	r := activeReviewer(t)
	require.NoError(t, r.SetPresence(review.PresenceAvailable))
	task := assignedPair(t, r)

	stranger := activeReviewer(t)
	deps.dispatch.On("CompleteTask", mock.Anything, task.ID(), stranger.ID(), "https://r/new.pdf", "").
		Return(nil, review.ErrNotOwner).Once()

	err := svc.CompleteTask(context.Background(), stranger.ID(), task.ID(), "https://r/new.pdf", "")
	assert.ErrorIs(t, err, review.ErrNotOwner)
	deps.forwarder.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything)
	deps.pub.AssertNotCalled(t, "PublishDomainEvent", mock.Anything, mock.Anything)
}

func TestFailTask_WithinBudgetRequeues(t *testing.T) {
	t.Parallel()
	svc, deps := newTestService(t)

	r := activeReviewer(t)
	require.NoError(t, r.SetPresence(review.PresenceAvailable))
	task := assignedPair(t, r)
	require.NoError(t, task.Fail(r.ID(), "cannot access resume", 3))
	r.ReleaseAssignment()

	deps.dispatch.On("FailTask", mock.Anything, task.ID(), r.ID(), "cannot access resume", 3).
		Return(&review.FailureResult{Task: task, Reviewer: r}, nil).Once()

	var published []events.DomainEvent
	deps.pub.On("PublishDomainEvent", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			published = append(published, args.Get(1).(events.DomainEvent))
		}).Return(nil)

	require.NoError(t, svc.FailTask(context.Background(), r.ID(), task.ID(), "cannot access resume"))

	assert.Equal(t, review.TaskStatusQueued, task.Status())
	assert.Equal(t, 1, task.RetryCount())
	assert.Nil(t, r.CurrentTaskID())

	var sawFailed, sawRequeued bool
	for _, evt := range published {
		switch evt.(type) {
		case review.TaskFailedEvent:
			sawFailed = true
		case review.TaskRequeuedEvent:
			sawRequeued = true
		}
	}
	assert.True(t, sawFailed)
	assert.True(t, sawRequeued)
}

func TestFailTask_AtCapIsTerminal(t *testing.T) {
	t.Parallel()
	svc, deps := newTestService(t)

	r := activeReviewer(t)
	require.NoError(t, r.SetPresence(review.PresenceAvailable))

	// Burn the retry budget before the final failure.
	task := review.NewTask(uuid.New(), uuid.New(), 0.7, "https://r/old.pdf", nil, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, task.Assign(r.ID(), 20*time.Minute))
		require.NoError(t, task.Expire("sla deadline exceeded"))
	}
	require.NoError(t, task.Assign(r.ID(), 20*time.Minute))
	require.NoError(t, r.BeginAssignment(task.ID()))
	require.NoError(t, task.Fail(r.ID(), "unworkable", 3))
	r.ReleaseAssignment()

	deps.dispatch.On("FailTask", mock.Anything, task.ID(), r.ID(), "unworkable", 3).
		Return(&review.FailureResult{Task: task, Reviewer: r}, nil).Once()

	var published []events.DomainEvent
	deps.pub.On("PublishDomainEvent", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			published = append(published, args.Get(1).(events.DomainEvent))
		}).Return(nil)

	require.NoError(t, svc.FailTask(context.Background(), r.ID(), task.ID(), "unworkable"))

	assert.Equal(t, review.TaskStatusFailed, task.Status())
	for _, evt := range published {
		_, requeued := evt.(review.TaskRequeuedEvent)
		assert.False(t, requeued, "terminal failure must not requeue")
	}
}

func TestRun_SuspensionDropsSession(t *testing.T) {
	t.Parallel()
	svc, deps := newTestService(t)

	reviewerID := uuid.New()
	stream := &fakeStream{}
	svc.sessions.add(&session{reviewerID: reviewerID, stream: stream})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Run(ctx))

	evt := review.NewReviewerSuspendedEvent(reviewerID, uuid.New())
	require.NoError(t, deps.bus.Publish(ctx, events.EventEnvelope{
		Type:      evt.EventType(),
		Timestamp: evt.OccurredAt(),
		Payload:   evt,
	}))

	assert.Eventually(t, func() bool {
		if _, ok := svc.sessions.get(reviewerID); ok {
			return false
		}
		return stream.isClosed()
	}, 2*time.Second, 10*time.Millisecond)

	msgs := stream.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageSuspended, msgs[0].Type)
}

func TestRun_DeliversDeadlineWarning(t *testing.T) {
	t.Parallel()
	svc, deps := newTestService(t)

	reviewerID := uuid.New()
	stream := &fakeStream{}
	svc.sessions.add(&session{reviewerID: reviewerID, stream: stream})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Run(ctx))

	evt := review.NewDeadlineWarningEvent(uuid.New(), reviewerID, time.Now().Add(5*time.Minute), 5)
	require.NoError(t, deps.bus.Publish(ctx, events.EventEnvelope{
		Type:      evt.EventType(),
		Timestamp: evt.OccurredAt(),
		Payload:   evt,
	}))

	assert.Eventually(t, func() bool {
		msgs := stream.messages()
		return len(msgs) == 1 && msgs[0].Type == MessageDeadlineWarning
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnect_FreeReviewerGoesOffline(t *testing.T) {
	t.Parallel()
	svc, deps := newTestService(t)

	r := activeReviewer(t)
	require.NoError(t, r.SetPresence(review.PresenceAvailable))
	svc.sessions.add(&session{reviewerID: r.ID(), stream: &fakeStream{}})

	deps.reviewers.On("GetReviewer", mock.Anything, r.ID()).Return(r, nil).Once()
	deps.reviewers.On("UpdateReviewer", mock.Anything, r).Return(nil).Once()
	deps.pub.On("PublishDomainEvent", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, svc.Disconnect(context.Background(), r.ID()))

	assert.Equal(t, review.PresenceOffline, r.Presence())
	_, ok := svc.sessions.get(r.ID())
	assert.False(t, ok)
}

func TestDisconnect_MidTaskLeavesTaskAlone(t *testing.T) {
	t.Parallel()
	svc, deps := newTestService(t)

	r := activeReviewer(t)
	require.NoError(t, r.SetPresence(review.PresenceAvailable))
	task := assignedPair(t, r)
	svc.sessions.add(&session{reviewerID: r.ID(), stream: &fakeStream{}})

	deps.reviewers.On("GetReviewer", mock.Anything, r.ID()).Return(r, nil).Once()

	require.NoError(t, svc.Disconnect(context.Background(), r.ID()))

	// The held task and busy presence survive; the deadline sweep owns
	// recovery.
	require.NotNil(t, r.CurrentTaskID())
	assert.Equal(t, task.ID(), *r.CurrentTaskID())
	assert.Equal(t, review.PresenceBusy, r.Presence())
	deps.reviewers.AssertNotCalled(t, "UpdateReviewer", mock.Anything, mock.Anything)
}

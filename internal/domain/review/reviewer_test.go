package review

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAvailableReviewer(opts ...ReviewerOption) *Reviewer {
	r := NewReviewer("alex@example.com", "Alex Kim", RoleEmployee, opts...)
	r.Heartbeat()
	_ = r.SetPresence(PresenceAvailable)
	return r
}

func TestNewReviewer(t *testing.T) {
	t.Parallel()

	mockTime := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := NewReviewer("alex@example.com", "Alex Kim", RoleEmployee,
		WithReviewerTimeProvider(&mockTimeProvider{currentTime: mockTime}))

	assert.Equal(t, "alex@example.com", r.Email())
	assert.Equal(t, PresenceOffline, r.Presence())
	assert.True(t, r.Active())
	assert.Nil(t, r.CurrentTaskID())
	assert.Equal(t, 0, r.TasksCompleted())
	assert.Equal(t, mockTime, r.CreatedAt())
}

func TestReviewer_IsEligible(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ttl := 90 * time.Second

	tests := []struct {
		name     string
		setup    func() *Reviewer
		eligible bool
	}{
		{
			name: "available with fresh heartbeat",
			setup: func() *Reviewer {
				clock := &mockTimeProvider{currentTime: now.Add(-30 * time.Second)}
				return newAvailableReviewer(WithReviewerTimeProvider(clock))
			},
			eligible: true,
		},
		{
			name: "stale heartbeat",
			setup: func() *Reviewer {
				clock := &mockTimeProvider{currentTime: now.Add(-5 * time.Minute)}
				return newAvailableReviewer(WithReviewerTimeProvider(clock))
			},
			eligible: false,
		},
		{
			name: "no heartbeat recorded",
			setup: func() *Reviewer {
				r := NewReviewer("b@example.com", "B", RoleEmployee)
				return r
			},
			eligible: false,
		},
		{
			name: "holding a task",
			setup: func() *Reviewer {
				clock := &mockTimeProvider{currentTime: now.Add(-30 * time.Second)}
				r := newAvailableReviewer(WithReviewerTimeProvider(clock))
				require.NoError(t, r.BeginAssignment(uuid.New()))
				return r
			},
			eligible: false,
		},
		{
			name: "suspended",
			setup: func() *Reviewer {
				clock := &mockTimeProvider{currentTime: now.Add(-30 * time.Second)}
				r := newAvailableReviewer(WithReviewerTimeProvider(clock))
				for i := 0; i < (MaxWarnings+1)*ViolationsForSuspension; i++ {
					r.RecordMissedDeadline()
				}
				return r
			},
			eligible: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.eligible, tt.setup().IsEligible(now, ttl))
		})
	}
}

func TestReviewer_BeginAssignment(t *testing.T) {
	t.Parallel()

	r := newAvailableReviewer()
	taskID := uuid.New()

	require.NoError(t, r.BeginAssignment(taskID))
	assert.Equal(t, PresenceBusy, r.Presence())
	require.NotNil(t, r.CurrentTaskID())
	assert.Equal(t, taskID, *r.CurrentTaskID())

	assert.ErrorIs(t, r.BeginAssignment(uuid.New()), ErrInvalidPresence)
}

func TestReviewer_ReleaseAssignment(t *testing.T) {
	t.Parallel()

	r := newAvailableReviewer()
	require.NoError(t, r.BeginAssignment(uuid.New()))

	r.ReleaseAssignment()

	assert.Nil(t, r.CurrentTaskID())
	assert.Equal(t, PresenceAvailable, r.Presence())
}

func TestReviewer_RecordCompletion(t *testing.T) {
	t.Parallel()

	r := newAvailableReviewer()
	require.NoError(t, r.BeginAssignment(uuid.New()))
	r.RecordCompletion(600)

	assert.Equal(t, 1, r.TasksCompleted())
	assert.Equal(t, 600.0, r.AvgCompletionSecs())
	assert.Nil(t, r.CurrentTaskID())
	assert.Equal(t, PresenceAvailable, r.Presence())

	require.NoError(t, r.BeginAssignment(uuid.New()))
	r.RecordCompletion(1200)

	assert.Equal(t, 2, r.TasksCompleted())
	assert.Equal(t, 900.0, r.AvgCompletionSecs())
}

func TestReviewer_RecordMissedDeadline_Ladder(t *testing.T) {
	t.Parallel()

	r := newAvailableReviewer()

	// The ladder repeats warning, warning, violation until the third
	// violation suspends.
	expected := []StrikeKind{
		StrikeWarning, StrikeWarning, StrikeViolation,
		StrikeWarning, StrikeWarning, StrikeViolation,
		StrikeWarning, StrikeWarning, StrikeSuspension,
	}

	for i, want := range expected {
		got := r.RecordMissedDeadline()
		assert.Equalf(t, want, got, "strike %d", i+1)
	}

	assert.False(t, r.Active())
	assert.Equal(t, PresenceOffline, r.Presence())
	assert.Nil(t, r.CurrentTaskID())
	assert.Equal(t, ViolationsForSuspension, r.ViolationCount())
	assert.Equal(t, 0, r.WarningCount())
}

func TestReviewer_RecordMissedDeadline_ReleasesHeldTask(t *testing.T) {
	t.Parallel()

	r := newAvailableReviewer()
	r.warningCount = 2
	r.violationCount = 2
	require.NoError(t, r.BeginAssignment(uuid.New()))

	got := r.RecordMissedDeadline()

	assert.Equal(t, StrikeSuspension, got)
	assert.Nil(t, r.CurrentTaskID())
	assert.False(t, r.Active())
}

func TestReviewer_SetPresence(t *testing.T) {
	t.Parallel()

	t.Run("available to offline and back", func(t *testing.T) {
		t.Parallel()
		r := newAvailableReviewer()
		require.NoError(t, r.SetPresence(PresenceOffline))
		require.NoError(t, r.SetPresence(PresenceAvailable))
	})

	t.Run("cannot go available while holding a task", func(t *testing.T) {
		t.Parallel()
		r := newAvailableReviewer()
		require.NoError(t, r.BeginAssignment(uuid.New()))
		assert.ErrorIs(t, r.SetPresence(PresenceAvailable), ErrInvalidPresence)
	})

	t.Run("busy is assignment-driven only", func(t *testing.T) {
		t.Parallel()
		r := newAvailableReviewer()
		assert.ErrorIs(t, r.SetPresence(PresenceBusy), ErrInvalidPresence)
		assert.Equal(t, PresenceAvailable, r.Presence())
	})

	t.Run("every call stamps the heartbeat", func(t *testing.T) {
		t.Parallel()
		clock := &mockTimeProvider{currentTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
		r := NewReviewer("b@example.com", "B", RoleEmployee, WithReviewerTimeProvider(clock))

		require.NoError(t, r.SetPresence(PresenceAvailable))
		assert.Equal(t, clock.currentTime, r.LastHeartbeatAt())

		clock.currentTime = clock.currentTime.Add(time.Minute)
		require.NoError(t, r.SetPresence(PresenceAvailable))
		assert.Equal(t, clock.currentTime, r.LastHeartbeatAt(),
			"an unchanged presence still counts as liveness")
	})

	t.Run("suspended cannot change presence", func(t *testing.T) {
		t.Parallel()
		r := newAvailableReviewer()
		r.warningCount = 2
		r.violationCount = 2
		r.RecordMissedDeadline()
		assert.ErrorIs(t, r.SetPresence(PresenceAvailable), ErrReviewerSuspended)
	})

	t.Run("unknown presence rejected", func(t *testing.T) {
		t.Parallel()
		r := newAvailableReviewer()
		assert.ErrorIs(t, r.SetPresence(PresenceUnspecified), ErrInvalidPresence)
	})
}

func TestReviewer_Reinstate(t *testing.T) {
	t.Parallel()

	r := newAvailableReviewer()
	r.warningCount = 2
	r.violationCount = 2
	require.Equal(t, StrikeSuspension, r.RecordMissedDeadline())

	r.Reinstate()

	assert.True(t, r.Active())
	assert.Equal(t, 0, r.WarningCount())
	assert.Equal(t, 0, r.ViolationCount())
	assert.Equal(t, PresenceOffline, r.Presence())
	assert.NoError(t, r.SetPresence(PresenceAvailable))
}

func TestReviewer_BeginAssignment_Suspended(t *testing.T) {
	t.Parallel()

	r := newAvailableReviewer()
	r.warningCount = 2
	r.violationCount = 2
	r.RecordMissedDeadline()

	assert.ErrorIs(t, r.BeginAssignment(uuid.New()), ErrReviewerSuspended)
}

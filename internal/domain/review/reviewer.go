package review

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sparkai/dispatch/pkg/common/timeutil"
)

// Strike thresholds for the accountability ladder. A lapse past the second
// warning promotes to a violation; the third violation suspends the account.
const (
	MaxWarnings             = 2
	ViolationsForSuspension = 3
)

// StrikeKind is the outcome of recording a missed deadline against a
// reviewer.
type StrikeKind string

const (
	// StrikeWarning is a first or second missed deadline within the current
	// violation window.
	StrikeWarning StrikeKind = "WARNING"

	// StrikeViolation is issued when the warning counter rolls over.
	StrikeViolation StrikeKind = "VIOLATION"

	// StrikeSuspension is issued on the third violation and deactivates the
	// account.
	StrikeSuspension StrikeKind = "SUSPENSION"
)

// String returns the string representation of the StrikeKind.
func (k StrikeKind) String() string { return string(k) }

// Reviewer is the aggregate for a human reviewer account. It owns presence,
// the single-task occupancy invariant, performance counters, and the strike
// ladder that governs SLA accountability.
type Reviewer struct {
	id    uuid.UUID
	email string
	name  string
	role  ReviewerRole

	presence      Presence
	currentTaskID *uuid.UUID

	tasksCompleted    int
	avgCompletionSecs float64

	warningCount   int
	violationCount int
	active         bool

	lastHeartbeatAt time.Time
	createdAt       time.Time
	updatedAt       time.Time

	timeProvider timeutil.Provider
}

// ReviewerOption configures optional Reviewer behavior.
type ReviewerOption func(*Reviewer)

// WithReviewerTimeProvider sets a custom time provider, primarily for testing.
func WithReviewerTimeProvider(tp timeutil.Provider) ReviewerOption {
	return func(r *Reviewer) { r.timeProvider = tp }
}

// NewReviewer creates an active, offline reviewer account.
func NewReviewer(email, name string, role ReviewerRole, opts ...ReviewerOption) *Reviewer {
	r := &Reviewer{
		id:           uuid.New(),
		email:        email,
		name:         name,
		role:         role,
		presence:     PresenceOffline,
		active:       true,
		timeProvider: timeutil.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.createdAt = r.timeProvider.Now()
	r.updatedAt = r.createdAt
	return r
}

// ReconstructReviewer creates a Reviewer instance from persisted data.
// This should only be used by repositories when reconstructing from storage.
func ReconstructReviewer(
	id uuid.UUID,
	email, name string,
	role ReviewerRole,
	presence Presence,
	currentTaskID *uuid.UUID,
	tasksCompleted int,
	avgCompletionSecs float64,
	warningCount, violationCount int,
	active bool,
	lastHeartbeatAt, createdAt, updatedAt time.Time,
) *Reviewer {
	return &Reviewer{
		id:                id,
		email:             email,
		name:              name,
		role:              role,
		presence:          presence,
		currentTaskID:     currentTaskID,
		tasksCompleted:    tasksCompleted,
		avgCompletionSecs: avgCompletionSecs,
		warningCount:      warningCount,
		violationCount:    violationCount,
		active:            active,
		lastHeartbeatAt:   lastHeartbeatAt,
		createdAt:         createdAt,
		updatedAt:         updatedAt,
		timeProvider:      timeutil.Default(),
	}
}

// ID returns the unique identifier for this reviewer.
func (r *Reviewer) ID() uuid.UUID { return r.id }

// Email returns the reviewer's login email.
func (r *Reviewer) Email() string { return r.email }

// Name returns the reviewer's display name.
func (r *Reviewer) Name() string { return r.name }

// Role returns the reviewer's access level.
func (r *Reviewer) Role() ReviewerRole { return r.role }

// Presence returns the reviewer's availability state.
func (r *Reviewer) Presence() Presence { return r.presence }

// CurrentTaskID returns the held task, or nil when the reviewer is free.
func (r *Reviewer) CurrentTaskID() *uuid.UUID { return r.currentTaskID }

// TasksCompleted returns the lifetime completion count.
func (r *Reviewer) TasksCompleted() int { return r.tasksCompleted }

// AvgCompletionSecs returns the running mean assignment-to-completion time.
func (r *Reviewer) AvgCompletionSecs() float64 { return r.avgCompletionSecs }

// WarningCount returns warnings accrued inside the current violation window.
func (r *Reviewer) WarningCount() int { return r.warningCount }

// ViolationCount returns the lifetime violation total.
func (r *Reviewer) ViolationCount() int { return r.violationCount }

// Active reports whether the account may receive work. Suspension clears it.
func (r *Reviewer) Active() bool { return r.active }

// LastHeartbeatAt returns the most recent liveness signal.
func (r *Reviewer) LastHeartbeatAt() time.Time { return r.lastHeartbeatAt }

// CreatedAt returns when the account was created.
func (r *Reviewer) CreatedAt() time.Time { return r.createdAt }

// UpdatedAt returns the time of the last mutation.
func (r *Reviewer) UpdatedAt() time.Time { return r.updatedAt }

// IsEligible reports whether the dispatcher may hand this reviewer a task:
// active, available, not holding one, and heartbeating within ttl of now.
func (r *Reviewer) IsEligible(now time.Time, heartbeatTTL time.Duration) bool {
	return r.active &&
		r.presence == PresenceAvailable &&
		r.currentTaskID == nil &&
		!r.lastHeartbeatAt.IsZero() &&
		now.Sub(r.lastHeartbeatAt) <= heartbeatTTL
}

// BeginAssignment binds a task to the reviewer and flips presence to busy.
func (r *Reviewer) BeginAssignment(taskID uuid.UUID) error {
	if !r.active {
		return ErrReviewerSuspended
	}
	if r.currentTaskID != nil {
		return fmt.Errorf("%w: reviewer %s already holds task %s",
			ErrInvalidPresence, r.id, *r.currentTaskID)
	}
	r.currentTaskID = &taskID
	r.presence = PresenceBusy
	r.updatedAt = r.timeProvider.Now()
	return nil
}

// ReleaseAssignment drops the held task without crediting completion, used
// when a task is requeued out from under the reviewer. Presence returns to
// available only for accounts that are still active.
func (r *Reviewer) ReleaseAssignment() {
	r.currentTaskID = nil
	if r.active && r.presence == PresenceBusy {
		r.presence = PresenceAvailable
	}
	r.updatedAt = r.timeProvider.Now()
}

// RecordCompletion credits a finished task, folding the elapsed duration into
// the running average, and frees the reviewer for the next assignment.
func (r *Reviewer) RecordCompletion(completionSecs float64) {
	total := r.avgCompletionSecs*float64(r.tasksCompleted) + completionSecs
	r.tasksCompleted++
	r.avgCompletionSecs = total / float64(r.tasksCompleted)
	r.currentTaskID = nil
	if r.presence == PresenceBusy {
		r.presence = PresenceAvailable
	}
	r.updatedAt = r.timeProvider.Now()
}

// RecordMissedDeadline advances the strike ladder for a blown SLA and
// returns the resulting strike kind. The first two lapses accrue warnings;
// the next lapse converts to a violation and resets the warning window. The
// third violation suspends the account: active is cleared, presence forced
// offline, and any held task released.
func (r *Reviewer) RecordMissedDeadline() StrikeKind {
	now := r.timeProvider.Now()
	if r.warningCount < MaxWarnings {
		r.warningCount++
		r.updatedAt = now
		return StrikeWarning
	}

	r.warningCount = 0
	r.violationCount++
	if r.violationCount < ViolationsForSuspension {
		r.updatedAt = now
		return StrikeViolation
	}

	r.active = false
	r.presence = PresenceOffline
	r.currentTaskID = nil
	r.updatedAt = now
	return StrikeSuspension
}

// SetPresence applies an explicit presence change from the reviewer and
// doubles as a liveness signal, stamping the heartbeat on every accepted
// call. Suspended accounts cannot change presence, a reviewer holding a task
// cannot declare themselves available, and busy is reserved for the
// assignment flow.
func (r *Reviewer) SetPresence(p Presence) error {
	if !r.active {
		return ErrReviewerSuspended
	}
	switch p {
	case PresenceAvailable:
		if r.currentTaskID != nil {
			return fmt.Errorf("%w: cannot go available while holding a task", ErrInvalidPresence)
		}
	case PresenceOffline:
	case PresenceBusy:
		return fmt.Errorf("%w: busy is set by assignment, not by request", ErrInvalidPresence)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidPresence, p)
	}
	now := r.timeProvider.Now()
	r.presence = p
	r.lastHeartbeatAt = now
	r.updatedAt = now
	return nil
}

// Heartbeat records a liveness signal from the reviewer's session.
func (r *Reviewer) Heartbeat() {
	now := r.timeProvider.Now()
	r.lastHeartbeatAt = now
	r.updatedAt = now
}

// Reinstate clears a suspension, resetting the strike ladder. Admin only;
// authorization is enforced at the API boundary.
func (r *Reviewer) Reinstate() {
	r.active = true
	r.warningCount = 0
	r.violationCount = 0
	r.presence = PresenceOffline
	r.updatedAt = r.timeProvider.Now()
}

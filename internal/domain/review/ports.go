package review

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskStore persists review tasks.
type TaskStore interface {
	// CreateTask inserts a new queued task.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task by ID, returning ErrTaskNotFound when absent.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// UpdateTask persists the task's current state.
	UpdateTask(ctx context.Context, task *Task) error

	// FindLiveTask returns the non-terminal task for a candidate/job pair if
	// one exists, preventing duplicate queue entries for the same resume.
	FindLiveTask(ctx context.Context, candidateID, jobID uuid.UUID) (*Task, error)

	// ListOverdue returns assigned or in-progress tasks whose deadline passed
	// at or before now.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Task, error)

	// ListApproachingDeadline returns assigned or in-progress tasks whose
	// deadline falls within the given horizon of now.
	ListApproachingDeadline(ctx context.Context, now time.Time, horizon time.Duration) ([]*Task, error)

	// ListByReviewer returns a reviewer's tasks, newest first.
	ListByReviewer(ctx context.Context, reviewerID uuid.UUID, limit int) ([]*Task, error)
}

// ReviewerStore persists reviewer accounts.
type ReviewerStore interface {
	// CreateReviewer inserts a new reviewer account.
	CreateReviewer(ctx context.Context, reviewer *Reviewer) error

	// GetReviewer retrieves a reviewer by ID, returning ErrReviewerNotFound
	// when absent.
	GetReviewer(ctx context.Context, id uuid.UUID) (*Reviewer, error)

	// GetReviewerByEmail retrieves a reviewer by login email.
	GetReviewerByEmail(ctx context.Context, email string) (*Reviewer, error)

	// UpdateReviewer persists the reviewer's current state.
	UpdateReviewer(ctx context.Context, reviewer *Reviewer) error

	// RecordHeartbeat stamps the reviewer's liveness without loading the
	// aggregate.
	RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error
}

// IncidentStore persists the SLA strike audit trail.
type IncidentStore interface {
	// RecordIncident appends a strike record.
	RecordIncident(ctx context.Context, incident *Incident) error

	// ListIncidentsByReviewer returns a reviewer's strike history, newest
	// first.
	ListIncidentsByReviewer(ctx context.Context, reviewerID uuid.UUID, limit int) ([]*Incident, error)
}

// ApplicationStore persists applications handed to the auto-apply pipeline.
// One row exists per candidate/job pair; re-reviews replace the resume URL.
type ApplicationStore interface {
	// UpsertApplication inserts the application or refreshes the resume URL
	// and resets status for an existing candidate/job pair.
	UpsertApplication(ctx context.Context, app *Application) error
}

// ClaimResult is the outcome of an atomic queue claim: a task bound to a
// reviewer with an armed deadline. A nil Reviewer with a TIMEOUT task means
// the claim found a task whose retry budget was already spent and abandoned
// it instead of assigning.
type ClaimResult struct {
	Task     *Task
	Reviewer *Reviewer
}

// ExpiryResult is the outcome of expiring one overdue task: the requeued (or
// timed-out) task, the strike recorded against the holder, and the holder's
// post-strike state.
type ExpiryResult struct {
	Task     *Task
	Reviewer *Reviewer
	Strike   StrikeKind
	Incident *Incident
}

// CompletionResult is the outcome of finalizing a review: the terminal task,
// the credited reviewer, and the application handed to auto-apply.
type CompletionResult struct {
	Task        *Task
	Reviewer    *Reviewer
	Application *Application
}

// FailureResult is the outcome of a reviewer-declared failure: the requeued
// (or terminally failed) task and the freed reviewer.
type FailureResult struct {
	Task     *Task
	Reviewer *Reviewer
}

// DispatchStore exposes the multi-aggregate transactions the engine depends
// on. Each method runs in a single database transaction so that a task and
// its reviewer can never disagree about who holds what.
type DispatchStore interface {
	// ClaimNext binds the oldest queued task to the most idle eligible
	// reviewer, arming the SLA deadline. Locking follows task-first,
	// reviewer-second ordering. Available reviewers with stale heartbeats
	// are flipped offline in the same transaction, and a queued task past
	// maxRetries is abandoned rather than assigned. Returns ErrNoQueuedTask
	// or ErrNoCandidateReviewer when either side is empty.
	ClaimNext(ctx context.Context, sla, heartbeatTTL time.Duration, maxRetries int) (*ClaimResult, error)

	// StartTask moves the reviewer's assigned task to in-progress. Ownership
	// and the status transition are validated against the locked row, never
	// against a caller-held snapshot.
	StartTask(ctx context.Context, taskID, reviewerID uuid.UUID) (*Task, error)

	// CompleteTask finalizes a completion under row locks: terminal task
	// state, reviewer counters and freed presence, the candidate's current
	// resume, and the application upsert, atomically. A task expired or
	// reassigned since the caller last saw it fails with ErrNotOwner or
	// ErrIllegalTransition rather than overwriting the committed state.
	CompleteTask(ctx context.Context, taskID, reviewerID uuid.UUID, newResumeURL, notes string) (*CompletionResult, error)

	// ExpireTask processes one overdue task: requeue (or abandon past the
	// retry cap), advance the holder's strike ladder, record the incident.
	ExpireTask(ctx context.Context, taskID uuid.UUID, maxRetries int) (*ExpiryResult, error)

	// FailTask handles a reviewer-declared failure under row locks: within
	// the retry budget the task requeues, past it the task fails terminally,
	// and the reviewer is freed either way.
	FailTask(ctx context.Context, taskID, reviewerID uuid.UUID, reason string, maxRetries int) (*FailureResult, error)
}

// QueueStats is the aggregate snapshot served by the stats endpoint.
type QueueStats struct {
	Queued            int
	Assigned          int
	InProgress        int
	CompletedLast7d   int
	FailedLast7d      int
	TimedOutLast7d    int
	AvgCompletionSecs float64
	ActiveReviewers   int
}

// StatsStore computes queue aggregates for reporting.
type StatsStore interface {
	// QueueStats returns current depth by status plus 7-day completion
	// aggregates.
	QueueStats(ctx context.Context, now time.Time) (*QueueStats, error)
}

// WarningMarker deduplicates pre-deadline warnings so each task emits each
// configured offset at most once, across monitor restarts.
type WarningMarker interface {
	// MarkWarned records that the given warning offset fired for a task.
	// Returns false when the offset was already marked.
	MarkWarned(ctx context.Context, taskID uuid.UUID, minutesLeft int, ttl time.Duration) (bool, error)
}

// AutoApplyForwarder hands a reviewed application to the downstream
// submission pipeline.
type AutoApplyForwarder interface {
	// Forward delivers the application for submission.
	Forward(ctx context.Context, app *Application) error
}

package review

import (
	"time"

	"github.com/google/uuid"

	"github.com/sparkai/dispatch/pkg/common/timeutil"
)

// ScoreThreshold is the ATS score at or above which a resume bypasses human
// review entirely. A score strictly below the threshold enters the queue.
const ScoreThreshold = 0.90

// Task is the aggregate for a single human review assignment. It tracks the
// resume/job pair under review, the ATS analysis that caused queuing, the
// binding to a reviewer, and the SLA deadline. All lifecycle transitions are
// enforced here; repositories persist whatever state the aggregate reaches.
type Task struct {
	id          uuid.UUID
	candidateID uuid.UUID
	jobID       uuid.UUID

	atsScore        float64
	missingKeywords []string
	suggestions     []string

	status     TaskStatus
	assignedTo *uuid.UUID
	assignedAt time.Time
	deadlineAt time.Time
	startedAt  time.Time
	completedAt time.Time

	oldResumeURL string
	newResumeURL string
	notes        string

	retryCount int
	createdAt  time.Time
	updatedAt  time.Time

	timeProvider timeutil.Provider
}

// TaskOption configures optional Task behavior.
type TaskOption func(*Task)

// WithTimeProvider sets a custom time provider, primarily for testing.
func WithTimeProvider(tp timeutil.Provider) TaskOption {
	return func(t *Task) { t.timeProvider = tp }
}

// NewTask creates a queued review task for a candidate/job pair whose ATS
// score fell below the review threshold.
func NewTask(
	candidateID, jobID uuid.UUID,
	atsScore float64,
	oldResumeURL string,
	missingKeywords, suggestions []string,
	opts ...TaskOption,
) *Task {
	t := &Task{
		id:              uuid.New(),
		candidateID:     candidateID,
		jobID:           jobID,
		atsScore:        atsScore,
		missingKeywords: missingKeywords,
		suggestions:     suggestions,
		status:          TaskStatusQueued,
		oldResumeURL:    oldResumeURL,
		timeProvider:    timeutil.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.createdAt = t.timeProvider.Now()
	t.updatedAt = t.createdAt
	return t
}

// ReconstructTask creates a Task instance from persisted data.
// This should only be used by repositories when reconstructing from storage.
func ReconstructTask(
	id, candidateID, jobID uuid.UUID,
	atsScore float64,
	missingKeywords, suggestions []string,
	status TaskStatus,
	assignedTo *uuid.UUID,
	assignedAt, deadlineAt, startedAt, completedAt time.Time,
	oldResumeURL, newResumeURL, notes string,
	retryCount int,
	createdAt, updatedAt time.Time,
) *Task {
	return &Task{
		id:              id,
		candidateID:     candidateID,
		jobID:           jobID,
		atsScore:        atsScore,
		missingKeywords: missingKeywords,
		suggestions:     suggestions,
		status:          status,
		assignedTo:      assignedTo,
		assignedAt:      assignedAt,
		deadlineAt:      deadlineAt,
		startedAt:       startedAt,
		completedAt:     completedAt,
		oldResumeURL:    oldResumeURL,
		newResumeURL:    newResumeURL,
		notes:           notes,
		retryCount:      retryCount,
		createdAt:       createdAt,
		updatedAt:       updatedAt,
		timeProvider:    timeutil.Default(),
	}
}

// ID returns the unique identifier for this task.
func (t *Task) ID() uuid.UUID { return t.id }

// CandidateID returns the candidate whose resume is under review.
func (t *Task) CandidateID() uuid.UUID { return t.candidateID }

// JobID returns the job posting the resume is matched against.
func (t *Task) JobID() uuid.UUID { return t.jobID }

// ATSScore returns the score that caused this task to be queued.
func (t *Task) ATSScore() float64 { return t.atsScore }

// MissingKeywords returns the keywords the ATS flagged as absent. Opaque to
// the engine; passed through to reviewers.
func (t *Task) MissingKeywords() []string { return t.missingKeywords }

// Suggestions returns the ATS improvement suggestions. Opaque to the engine.
func (t *Task) Suggestions() []string { return t.suggestions }

// Status returns the task's lifecycle state.
func (t *Task) Status() TaskStatus { return t.status }

// AssignedTo returns the holding reviewer, or nil when unassigned.
func (t *Task) AssignedTo() *uuid.UUID { return t.assignedTo }

// AssignedAt returns when the task was last bound to a reviewer.
func (t *Task) AssignedAt() time.Time { return t.assignedAt }

// DeadlineAt returns the SLA deadline for the current assignment.
func (t *Task) DeadlineAt() time.Time { return t.deadlineAt }

// StartedAt returns when the reviewer explicitly started work.
func (t *Task) StartedAt() time.Time { return t.startedAt }

// CompletedAt returns when the task reached COMPLETED.
func (t *Task) CompletedAt() time.Time { return t.completedAt }

// OldResumeURL returns the resume snapshot taken at queue time.
func (t *Task) OldResumeURL() string { return t.oldResumeURL }

// NewResumeURL returns the edited resume submitted on completion.
func (t *Task) NewResumeURL() string { return t.newResumeURL }

// Notes returns the accumulated reviewer notes and failure reasons.
func (t *Task) Notes() string { return t.notes }

// RetryCount returns the number of times the task has been requeued.
func (t *Task) RetryCount() int { return t.retryCount }

// CreatedAt returns when the task entered the queue.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// UpdatedAt returns the time of the last mutation.
func (t *Task) UpdatedAt() time.Time { return t.updatedAt }

// Assign binds the task to a reviewer and arms the SLA deadline.
func (t *Task) Assign(reviewerID uuid.UUID, sla time.Duration) error {
	if err := t.status.validateTransition(TaskStatusAssigned); err != nil {
		return err
	}
	now := t.timeProvider.Now()
	t.status = TaskStatusAssigned
	t.assignedTo = &reviewerID
	t.assignedAt = now
	t.deadlineAt = now.Add(sla)
	t.startedAt = time.Time{}
	t.updatedAt = now
	return nil
}

// Start records that the owning reviewer began editing.
func (t *Task) Start(reviewerID uuid.UUID) error {
	if err := t.requireOwner(reviewerID); err != nil {
		return err
	}
	if err := t.status.validateTransition(TaskStatusInProgress); err != nil {
		return err
	}
	now := t.timeProvider.Now()
	t.status = TaskStatusInProgress
	t.startedAt = now
	t.updatedAt = now
	return nil
}

// Complete records the reviewer's submitted resume and moves the task to its
// terminal COMPLETED state.
func (t *Task) Complete(reviewerID uuid.UUID, newResumeURL, notes string) error {
	if err := t.requireOwner(reviewerID); err != nil {
		return err
	}
	if err := t.status.validateTransition(TaskStatusCompleted); err != nil {
		return err
	}
	now := t.timeProvider.Now()
	t.status = TaskStatusCompleted
	t.completedAt = now
	t.newResumeURL = newResumeURL
	t.appendNote(notes)
	t.updatedAt = now
	return nil
}

// Fail handles a reviewer-declared failure. With retry budget remaining the
// task returns to the queue; otherwise it lands terminal FAILED.
func (t *Task) Fail(reviewerID uuid.UUID, reason string, maxRetries int) error {
	if err := t.requireOwner(reviewerID); err != nil {
		return err
	}
	if t.retryCount >= maxRetries {
		if err := t.status.validateTransition(TaskStatusFailed); err != nil {
			return err
		}
		now := t.timeProvider.Now()
		t.status = TaskStatusFailed
		t.appendNote(reason)
		t.clearAssignment()
		t.updatedAt = now
		return nil
	}
	return t.requeue(reason)
}

// Expire is invoked by the deadline monitor when the SLA has passed. The
// task returns to the queue and the assignment is cleared; strike accounting
// against the holder happens on the Reviewer aggregate.
func (t *Task) Expire(reason string) error {
	if t.status != TaskStatusAssigned && t.status != TaskStatusInProgress {
		return t.status.validateTransition(TaskStatusQueued)
	}
	return t.requeue(reason)
}

// MarkTimedOut abandons a queued task whose retry budget is exhausted.
func (t *Task) MarkTimedOut() error {
	if err := t.status.validateTransition(TaskStatusTimeout); err != nil {
		return err
	}
	now := t.timeProvider.Now()
	t.status = TaskStatusTimeout
	t.updatedAt = now
	return nil
}

// CompletionSeconds returns the assignment-to-completion duration in seconds.
// Zero until the task completes.
func (t *Task) CompletionSeconds() float64 {
	if t.completedAt.IsZero() || t.assignedAt.IsZero() {
		return 0
	}
	return t.completedAt.Sub(t.assignedAt).Seconds()
}

func (t *Task) requeue(reason string) error {
	if err := t.status.validateTransition(TaskStatusQueued); err != nil {
		return err
	}
	now := t.timeProvider.Now()
	t.status = TaskStatusQueued
	t.retryCount++
	t.appendNote(reason)
	t.clearAssignment()
	t.updatedAt = now
	return nil
}

func (t *Task) clearAssignment() {
	t.assignedTo = nil
	t.assignedAt = time.Time{}
	t.deadlineAt = time.Time{}
	t.startedAt = time.Time{}
}

func (t *Task) requireOwner(reviewerID uuid.UUID) error {
	if t.assignedTo == nil || *t.assignedTo != reviewerID {
		return ErrNotOwner
	}
	return nil
}

func (t *Task) appendNote(note string) {
	if note == "" {
		return
	}
	if t.notes == "" {
		t.notes = note
		return
	}
	t.notes = t.notes + "\n" + note
}

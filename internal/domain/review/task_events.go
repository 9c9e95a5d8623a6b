package review

import (
	"time"

	"github.com/google/uuid"

	"github.com/sparkai/dispatch/internal/domain/events"
)

// Event types relevant to Tasks:
const (
	EventTypeTaskEnqueued    events.EventType = "TaskEnqueued"
	EventTypeTaskAssigned    events.EventType = "TaskAssigned"
	EventTypeTaskStarted     events.EventType = "TaskStarted"
	EventTypeTaskCompleted   events.EventType = "TaskCompleted"
	EventTypeTaskFailed      events.EventType = "TaskFailed"
	EventTypeTaskRequeued    events.EventType = "TaskRequeued"
	EventTypeTaskTimedOut    events.EventType = "TaskTimedOut"
	EventTypeDeadlineWarning events.EventType = "DeadlineWarning"
)

// TaskEnqueuedEvent signals a new task entered the review queue.
type TaskEnqueuedEvent struct {
	occurredAt  time.Time
	TaskID      uuid.UUID
	CandidateID uuid.UUID
	JobID       uuid.UUID
	ATSScore    float64
}

func NewTaskEnqueuedEvent(taskID, candidateID, jobID uuid.UUID, atsScore float64) TaskEnqueuedEvent {
	return TaskEnqueuedEvent{
		occurredAt:  time.Now(),
		TaskID:      taskID,
		CandidateID: candidateID,
		JobID:       jobID,
		ATSScore:    atsScore,
	}
}

func (e TaskEnqueuedEvent) EventType() events.EventType { return EventTypeTaskEnqueued }
func (e TaskEnqueuedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TaskAssignedEvent signals a task was bound to a reviewer with an armed
// deadline.
type TaskAssignedEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	ReviewerID uuid.UUID
	DeadlineAt time.Time
}

func NewTaskAssignedEvent(taskID, reviewerID uuid.UUID, deadlineAt time.Time) TaskAssignedEvent {
	return TaskAssignedEvent{
		occurredAt: time.Now(),
		TaskID:     taskID,
		ReviewerID: reviewerID,
		DeadlineAt: deadlineAt,
	}
}

func (e TaskAssignedEvent) EventType() events.EventType { return EventTypeTaskAssigned }
func (e TaskAssignedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TaskStartedEvent signals the assigned reviewer began editing.
type TaskStartedEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	ReviewerID uuid.UUID
}

func NewTaskStartedEvent(taskID, reviewerID uuid.UUID) TaskStartedEvent {
	return TaskStartedEvent{
		occurredAt: time.Now(),
		TaskID:     taskID,
		ReviewerID: reviewerID,
	}
}

func (e TaskStartedEvent) EventType() events.EventType { return EventTypeTaskStarted }
func (e TaskStartedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TaskCompletedEvent signals a reviewer submitted the finished resume.
type TaskCompletedEvent struct {
	occurredAt   time.Time
	TaskID       uuid.UUID
	ReviewerID   uuid.UUID
	CandidateID  uuid.UUID
	JobID        uuid.UUID
	NewResumeURL string
}

func NewTaskCompletedEvent(taskID, reviewerID, candidateID, jobID uuid.UUID, newResumeURL string) TaskCompletedEvent {
	return TaskCompletedEvent{
		occurredAt:   time.Now(),
		TaskID:       taskID,
		ReviewerID:   reviewerID,
		CandidateID:  candidateID,
		JobID:        jobID,
		NewResumeURL: newResumeURL,
	}
}

func (e TaskCompletedEvent) EventType() events.EventType { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TaskFailedEvent signals a task landed terminal FAILED after its retry
// budget was spent.
type TaskFailedEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	ReviewerID uuid.UUID
	Reason     string
}

func NewTaskFailedEvent(taskID, reviewerID uuid.UUID, reason string) TaskFailedEvent {
	return TaskFailedEvent{
		occurredAt: time.Now(),
		TaskID:     taskID,
		ReviewerID: reviewerID,
		Reason:     reason,
	}
}

func (e TaskFailedEvent) EventType() events.EventType { return EventTypeTaskFailed }
func (e TaskFailedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TaskRequeuedEvent signals a task returned to the queue, either from a
// reviewer-declared failure with budget remaining or an expired deadline.
type TaskRequeuedEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	Reason     string
	RetryCount int
}

func NewTaskRequeuedEvent(taskID uuid.UUID, reason string, retryCount int) TaskRequeuedEvent {
	return TaskRequeuedEvent{
		occurredAt: time.Now(),
		TaskID:     taskID,
		Reason:     reason,
		RetryCount: retryCount,
	}
}

func (e TaskRequeuedEvent) EventType() events.EventType { return EventTypeTaskRequeued }
func (e TaskRequeuedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TaskTimedOutEvent signals a queued task was abandoned after exhausting its
// retry budget.
type TaskTimedOutEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	RetryCount int
}

func NewTaskTimedOutEvent(taskID uuid.UUID, retryCount int) TaskTimedOutEvent {
	return TaskTimedOutEvent{
		occurredAt: time.Now(),
		TaskID:     taskID,
		RetryCount: retryCount,
	}
}

func (e TaskTimedOutEvent) EventType() events.EventType { return EventTypeTaskTimedOut }
func (e TaskTimedOutEvent) OccurredAt() time.Time       { return e.occurredAt }

// DeadlineWarningEvent is the pre-deadline nudge pushed to the holding
// reviewer. MinutesLeft is one of the configured warning offsets.
type DeadlineWarningEvent struct {
	occurredAt  time.Time
	TaskID      uuid.UUID
	ReviewerID  uuid.UUID
	DeadlineAt  time.Time
	MinutesLeft int
}

func NewDeadlineWarningEvent(taskID, reviewerID uuid.UUID, deadlineAt time.Time, minutesLeft int) DeadlineWarningEvent {
	return DeadlineWarningEvent{
		occurredAt:  time.Now(),
		TaskID:      taskID,
		ReviewerID:  reviewerID,
		DeadlineAt:  deadlineAt,
		MinutesLeft: minutesLeft,
	}
}

func (e DeadlineWarningEvent) EventType() events.EventType { return EventTypeDeadlineWarning }
func (e DeadlineWarningEvent) OccurredAt() time.Time       { return e.occurredAt }

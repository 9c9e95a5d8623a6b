package review

import (
	"errors"
	"fmt"
)

// TaskStatus represents the lifecycle state of a review task. It enables
// fine-grained tracking of where a task sits between intake and a terminal
// outcome.
type TaskStatus string

// ErrTaskStatusUnknown is returned when a task status is unknown.
var ErrTaskStatusUnknown = errors.New("task status unknown")

const (
	// TaskStatusQueued indicates a task is waiting for a reviewer.
	TaskStatusQueued TaskStatus = "QUEUED"

	// TaskStatusAssigned indicates a task is bound to a reviewer but work
	// has not started.
	TaskStatusAssigned TaskStatus = "ASSIGNED"

	// TaskStatusInProgress indicates the assigned reviewer is actively
	// editing the resume.
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"

	// TaskStatusCompleted indicates the reviewer submitted a finished resume.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusFailed indicates the reviewer declared the task
	// uncompletable.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusTimeout indicates the task was abandoned after exceeding the
	// retry cap. Terminal audit label only.
	TaskStatusTimeout TaskStatus = "TIMEOUT"

	// TaskStatusUnspecified is used when a task status is unknown.
	TaskStatusUnspecified TaskStatus = "UNSPECIFIED"
)

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions are allowed from this
// status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusTimeout
}

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(s string) TaskStatus {
	switch s {
	case "QUEUED":
		return TaskStatusQueued
	case "ASSIGNED":
		return TaskStatusAssigned
	case "IN_PROGRESS":
		return TaskStatusInProgress
	case "COMPLETED":
		return TaskStatusCompleted
	case "FAILED":
		return TaskStatusFailed
	case "TIMEOUT":
		return TaskStatusTimeout
	default:
		return TaskStatusUnspecified
	}
}

// validateTransition checks if a status transition is valid and returns an
// error if not.
func (s TaskStatus) validateTransition(target TaskStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrIllegalTransition, s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target
// status. It enforces the task lifecycle rules to prevent invalid state
// changes.
func (s TaskStatus) isValidTransition(target TaskStatus) bool {
	switch s {
	case TaskStatusQueued:
		// A queued task is either bound to a reviewer or abandoned once its
		// retry budget is spent.
		return target == TaskStatusAssigned || target == TaskStatusTimeout
	case TaskStatusAssigned:
		// Reviewers may complete directly from ASSIGNED without an explicit
		// start; expiry requeues, and a declared failure with no retry
		// budget left lands terminal.
		return target == TaskStatusInProgress ||
			target == TaskStatusCompleted ||
			target == TaskStatusQueued ||
			target == TaskStatusFailed
	case TaskStatusInProgress:
		return target == TaskStatusCompleted ||
			target == TaskStatusQueued ||
			target == TaskStatusFailed
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout:
		// Terminal states - no further transitions allowed.
		return false
	case TaskStatusUnspecified:
		return false
	default:
		return false
	}
}

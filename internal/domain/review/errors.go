package review

import "errors"

// Domain errors surfaced across the intake, gateway and engine boundaries.
// Callers classify on these sentinels; wrapping preserves operation context.
var (
	// ErrValidation indicates a malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")

	// ErrTaskNotFound indicates the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrReviewerNotFound indicates the referenced reviewer does not exist.
	ErrReviewerNotFound = errors.New("reviewer not found")

	// ErrNotOwner indicates a reviewer acted on a task held by someone else.
	ErrNotOwner = errors.New("task not owned by reviewer")

	// ErrIllegalTransition indicates a state change the task lifecycle does
	// not permit. It points at a client bug, never retried.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrReviewerSuspended indicates an action by or on a reviewer whose
	// account is suspended (active=false).
	ErrReviewerSuspended = errors.New("reviewer suspended")

	// ErrNoQueuedTask indicates the claim found no queued task to bind.
	ErrNoQueuedTask = errors.New("no queued task")

	// ErrNoCandidateReviewer indicates no eligible reviewer was available
	// for assignment.
	ErrNoCandidateReviewer = errors.New("no candidate reviewer")

	// ErrScoreAboveThreshold indicates an enqueue attempt for a score that
	// must bypass human review.
	ErrScoreAboveThreshold = errors.New("ats score at or above review threshold")

	// ErrInvalidPresence indicates a presence change the engine does not
	// permit.
	ErrInvalidPresence = errors.New("invalid presence transition")
)

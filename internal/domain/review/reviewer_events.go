package review

import (
	"time"

	"github.com/google/uuid"

	"github.com/sparkai/dispatch/internal/domain/events"
)

// Event types relevant to Reviewers:
const (
	EventTypeReviewerPresence  events.EventType = "ReviewerPresenceChanged"
	EventTypeReviewerStrike    events.EventType = "ReviewerStrike"
	EventTypeReviewerSuspended events.EventType = "ReviewerSuspended"
)

// ReviewerPresenceChangedEvent signals a reviewer's availability changed,
// whether explicitly or as a side effect of assignment or suspension.
type ReviewerPresenceChangedEvent struct {
	occurredAt time.Time
	ReviewerID uuid.UUID
	Presence   Presence
}

func NewReviewerPresenceChangedEvent(reviewerID uuid.UUID, presence Presence) ReviewerPresenceChangedEvent {
	return ReviewerPresenceChangedEvent{
		occurredAt: time.Now(),
		ReviewerID: reviewerID,
		Presence:   presence,
	}
}

func (e ReviewerPresenceChangedEvent) EventType() events.EventType { return EventTypeReviewerPresence }
func (e ReviewerPresenceChangedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ReviewerStrikeEvent signals a warning or violation was recorded against a
// reviewer for a missed deadline.
type ReviewerStrikeEvent struct {
	occurredAt     time.Time
	ReviewerID     uuid.UUID
	TaskID         uuid.UUID
	Kind           StrikeKind
	WarningCount   int
	ViolationCount int
}

func NewReviewerStrikeEvent(reviewerID, taskID uuid.UUID, kind StrikeKind, warnings, violations int) ReviewerStrikeEvent {
	return ReviewerStrikeEvent{
		occurredAt:     time.Now(),
		ReviewerID:     reviewerID,
		TaskID:         taskID,
		Kind:           kind,
		WarningCount:   warnings,
		ViolationCount: violations,
	}
}

func (e ReviewerStrikeEvent) EventType() events.EventType { return EventTypeReviewerStrike }
func (e ReviewerStrikeEvent) OccurredAt() time.Time       { return e.occurredAt }

// ReviewerSuspendedEvent signals the third violation deactivated the account.
type ReviewerSuspendedEvent struct {
	occurredAt time.Time
	ReviewerID uuid.UUID
	TaskID     uuid.UUID
}

func NewReviewerSuspendedEvent(reviewerID, taskID uuid.UUID) ReviewerSuspendedEvent {
	return ReviewerSuspendedEvent{
		occurredAt: time.Now(),
		ReviewerID: reviewerID,
		TaskID:     taskID,
	}
}

func (e ReviewerSuspendedEvent) EventType() events.EventType { return EventTypeReviewerSuspended }
func (e ReviewerSuspendedEvent) OccurredAt() time.Time       { return e.occurredAt }

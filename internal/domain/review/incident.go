package review

import (
	"time"

	"github.com/google/uuid"

	"github.com/sparkai/dispatch/pkg/common/timeutil"
)

// Incident is the audit record written whenever the strike ladder fires. The
// ladder counters on Reviewer drive enforcement; incidents exist so the
// history survives counter resets and reinstatements.
type Incident struct {
	id         uuid.UUID
	reviewerID uuid.UUID
	taskID     uuid.UUID
	kind       StrikeKind
	detail     string
	createdAt  time.Time
}

// NewIncident records a strike outcome against a reviewer for a task.
func NewIncident(reviewerID, taskID uuid.UUID, kind StrikeKind, detail string) *Incident {
	return &Incident{
		id:         uuid.New(),
		reviewerID: reviewerID,
		taskID:     taskID,
		kind:       kind,
		detail:     detail,
		createdAt:  timeutil.Default().Now(),
	}
}

// ReconstructIncident creates an Incident instance from persisted data.
func ReconstructIncident(
	id, reviewerID, taskID uuid.UUID,
	kind StrikeKind,
	detail string,
	createdAt time.Time,
) *Incident {
	return &Incident{
		id:         id,
		reviewerID: reviewerID,
		taskID:     taskID,
		kind:       kind,
		detail:     detail,
		createdAt:  createdAt,
	}
}

// ID returns the unique identifier for this incident.
func (i *Incident) ID() uuid.UUID { return i.id }

// ReviewerID returns the reviewer the strike was recorded against.
func (i *Incident) ReviewerID() uuid.UUID { return i.reviewerID }

// TaskID returns the task whose deadline was missed.
func (i *Incident) TaskID() uuid.UUID { return i.taskID }

// Kind returns the strike outcome.
func (i *Incident) Kind() StrikeKind { return i.kind }

// Detail returns the human-readable context for the strike.
func (i *Incident) Detail() string { return i.detail }

// CreatedAt returns when the incident was recorded.
func (i *Incident) CreatedAt() time.Time { return i.createdAt }

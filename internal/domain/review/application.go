package review

import (
	"time"

	"github.com/google/uuid"

	"github.com/sparkai/dispatch/pkg/common/timeutil"
)

// ApplicationStatus tracks a submitted application through the downstream
// auto-apply pipeline.
type ApplicationStatus string

const (
	// ApplicationPending means the reviewed resume is queued for submission.
	ApplicationPending ApplicationStatus = "PENDING"

	// ApplicationSubmitted means the auto-apply worker delivered it.
	ApplicationSubmitted ApplicationStatus = "SUBMITTED"

	// ApplicationFailed means delivery failed after retries.
	ApplicationFailed ApplicationStatus = "FAILED"
)

// String returns the string representation of the ApplicationStatus.
func (s ApplicationStatus) String() string { return string(s) }

// ParseApplicationStatus converts a string to an ApplicationStatus.
func ParseApplicationStatus(s string) ApplicationStatus {
	switch s {
	case "PENDING":
		return ApplicationPending
	case "SUBMITTED":
		return ApplicationSubmitted
	case "FAILED":
		return ApplicationFailed
	default:
		return ApplicationPending
	}
}

// Application is the record handed to the auto-apply pipeline once a review
// completes. One application exists per candidate/job pair; a re-reviewed
// resume replaces the previous resume URL rather than creating a duplicate.
type Application struct {
	id          uuid.UUID
	candidateID uuid.UUID
	jobID       uuid.UUID
	taskID      uuid.UUID
	resumeURL   string
	atsScore    float64
	status      ApplicationStatus
	createdAt   time.Time
	updatedAt   time.Time
}

// NewApplication creates a pending application carrying the ATS score the
// resume held at submission time.
func NewApplication(candidateID, jobID, taskID uuid.UUID, resumeURL string, atsScore float64) *Application {
	now := timeutil.Default().Now()
	return &Application{
		id:          uuid.New(),
		candidateID: candidateID,
		jobID:       jobID,
		taskID:      taskID,
		resumeURL:   resumeURL,
		atsScore:    atsScore,
		status:      ApplicationPending,
		createdAt:   now,
		updatedAt:   now,
	}
}

// ReconstructApplication creates an Application instance from persisted data.
func ReconstructApplication(
	id, candidateID, jobID, taskID uuid.UUID,
	resumeURL string,
	atsScore float64,
	status ApplicationStatus,
	createdAt, updatedAt time.Time,
) *Application {
	return &Application{
		id:          id,
		candidateID: candidateID,
		jobID:       jobID,
		taskID:      taskID,
		resumeURL:   resumeURL,
		atsScore:    atsScore,
		status:      status,
		createdAt:   createdAt,
		updatedAt:   updatedAt,
	}
}

// ID returns the unique identifier for this application.
func (a *Application) ID() uuid.UUID { return a.id }

// CandidateID returns the applying candidate.
func (a *Application) CandidateID() uuid.UUID { return a.candidateID }

// JobID returns the job being applied to.
func (a *Application) JobID() uuid.UUID { return a.jobID }

// TaskID returns the review task that produced the final resume.
func (a *Application) TaskID() uuid.UUID { return a.taskID }

// ResumeURL returns the reviewed resume to submit.
func (a *Application) ResumeURL() string { return a.resumeURL }

// ATSScoreAtSubmission returns the score the resume carried when the
// application was recorded.
func (a *Application) ATSScoreAtSubmission() float64 { return a.atsScore }

// Status returns the delivery state.
func (a *Application) Status() ApplicationStatus { return a.status }

// CreatedAt returns when the application was first recorded.
func (a *Application) CreatedAt() time.Time { return a.createdAt }

// UpdatedAt returns the time of the last mutation.
func (a *Application) UpdatedAt() time.Time { return a.updatedAt }

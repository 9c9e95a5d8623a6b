// Package autoapply forwards finalized applications to the downstream
// submission service over HTTP.
package autoapply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/pkg/common/logger"
)

var _ review.AutoApplyForwarder = (*Forwarder)(nil)

// Forwarder posts applications to the submitter endpoint, retrying transient
// failures. 4xx responses are treated as permanent; the payload will not get
// better on retry.
type Forwarder struct {
	endpoint string
	client   *http.Client

	logger *logger.Logger
	tracer trace.Tracer
}

// NewForwarder creates a Forwarder targeting the submitter endpoint. A nil
// client falls back to a default with a 10 second timeout.
func NewForwarder(endpoint string, client *http.Client, log *logger.Logger, tracer trace.Tracer) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Forwarder{
		endpoint: endpoint,
		client:   client,
		logger:   log.With("component", "auto_apply_forwarder"),
		tracer:   tracer,
	}
}

type submissionPayload struct {
	ApplicationID uuid.UUID `json:"application_id"`
	CandidateID   uuid.UUID `json:"candidate_id"`
	JobID         uuid.UUID `json:"job_id"`
	TaskID        string    `json:"task_id,omitempty"`
	ResumeURL     string    `json:"resume_url"`
	ATSScore      float64   `json:"ats_score_at_submission"`
	Status        string    `json:"status"`
}

// Forward submits the application for auto-apply. It blocks until the
// submitter accepts it or the retry budget runs out.
func (f *Forwarder) Forward(ctx context.Context, app *review.Application) error {
	ctx, span := f.tracer.Start(ctx, "autoapply.forward",
		trace.WithAttributes(
			attribute.String("application_id", app.ID().String()),
			attribute.String("candidate_id", app.CandidateID().String()),
		))
	defer span.End()

	payload := submissionPayload{
		ApplicationID: app.ID(),
		CandidateID:   app.CandidateID(),
		JobID:         app.JobID(),
		ResumeURL:     app.ResumeURL(),
		ATSScore:      app.ATSScoreAtSubmission(),
		Status:        app.Status().String(),
	}
	if app.TaskID() != uuid.Nil {
		payload.TaskID = app.TaskID().String()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling submission: %w", err)
	}

	operation := func() error { return f.post(ctx, body) }

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		return fmt.Errorf("submitting application %s: %w", app.ID(), err)
	}

	f.logger.Info(ctx, "application forwarded for auto-apply",
		"application_id", app.ID().String(),
		"candidate_id", app.CandidateID().String())
	return nil
}

func (f *Forwarder) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting submission: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("submitter rejected application: %s", resp.Status))
	default:
		return fmt.Errorf("submitter unavailable: %s", resp.Status)
	}
}

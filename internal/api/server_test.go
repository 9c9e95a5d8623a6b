package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sparkai/dispatch/internal/app/intake"
	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/pkg/common"
	"github.com/sparkai/dispatch/pkg/common/logger"
)

type mockIntake struct{ mock.Mock }

func (m *mockIntake) IngestScore(ctx context.Context, sub intake.ScoreSubmission) (*intake.IngestResult, error) {
	args := m.Called(ctx, sub)
	if res := args.Get(0); res != nil {
		return res.(*intake.IngestResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockIntake) EnqueueTask(ctx context.Context, sub intake.ScoreSubmission) (*review.Task, error) {
	args := m.Called(ctx, sub)
	if res := args.Get(0); res != nil {
		return res.(*review.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockIntake) RegisterReviewer(ctx context.Context, email, name string, role review.ReviewerRole) (*review.Reviewer, error) {
	args := m.Called(ctx, email, name, role)
	if res := args.Get(0); res != nil {
		return res.(*review.Reviewer), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockIntake) SetPresence(ctx context.Context, reviewerID uuid.UUID, presence review.Presence) error {
	return m.Called(ctx, reviewerID, presence).Error(0)
}

func (m *mockIntake) ReinstateReviewer(ctx context.Context, reviewerID uuid.UUID) error {
	return m.Called(ctx, reviewerID).Error(0)
}

func (m *mockIntake) GetTask(ctx context.Context, taskID uuid.UUID) (*review.Task, error) {
	args := m.Called(ctx, taskID)
	if res := args.Get(0); res != nil {
		return res.(*review.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockIntake) ListIncidents(ctx context.Context, reviewerID uuid.UUID, limit int) ([]*review.Incident, error) {
	args := m.Called(ctx, reviewerID, limit)
	if res := args.Get(0); res != nil {
		return res.([]*review.Incident), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockIntake) Stats(ctx context.Context) (*review.QueueStats, error) {
	args := m.Called(ctx)
	if res := args.Get(0); res != nil {
		return res.(*review.QueueStats), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestServer(t *testing.T) (*Server, *mockIntake) {
	t.Helper()
	svc := new(mockIntake)
	srv := NewServer(svc, common.NewRateLimiter(1000, 1000),
		logger.New(io.Discard, logger.LevelDebug, "test", nil),
		noop.NewTracerProvider().Tracer("test"))
	return srv, svc
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHandleIngestScore_Bypass(t *testing.T) {
	t.Parallel()
	srv, svc := newTestServer(t)

	svc.On("IngestScore", mock.Anything, mock.MatchedBy(func(sub intake.ScoreSubmission) bool {
		return sub.ATSScore == 0.93
	})).Return(&intake.IngestResult{Queued: false}, nil).Once()

	rec := postJSON(t, srv, "/v1/scores", scoreRequest{
		CandidateID: uuid.New(),
		JobID:       uuid.New(),
		ATSScore:    0.93,
		ResumeURL:   "https://r/x.pdf",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		Queued bool            `json:"queued"`
		Task   json.RawMessage `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Queued)
	assert.Empty(t, resp.Task)
}

func TestHandleIngestScore_Queued(t *testing.T) {
	t.Parallel()
	srv, svc := newTestServer(t)

	task := review.NewTask(uuid.New(), uuid.New(), 0.7, "https://r/x.pdf", nil, nil)
	svc.On("IngestScore", mock.Anything, mock.Anything).
		Return(&intake.IngestResult{Queued: true, Task: task}, nil).Once()

	rec := postJSON(t, srv, "/v1/scores", scoreRequest{
		CandidateID: task.CandidateID(),
		JobID:       task.JobID(),
		ATSScore:    0.7,
		ResumeURL:   "https://r/x.pdf",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		Queued bool         `json:"queued"`
		Task   taskResponse `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Queued)
	assert.Equal(t, task.ID(), resp.Task.TaskID)
	assert.Equal(t, "QUEUED", resp.Task.Status)
}

func TestHandleEnqueueTask_ThresholdRejected(t *testing.T) {
	t.Parallel()
	srv, svc := newTestServer(t)

	svc.On("EnqueueTask", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: 0.95", review.ErrScoreAboveThreshold)).Once()

	rec := postJSON(t, srv, "/v1/tasks", scoreRequest{
		CandidateID: uuid.New(),
		JobID:       uuid.New(),
		ATSScore:    0.95,
		ResumeURL:   "https://r/x.pdf",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleGetTask_NotFound(t *testing.T) {
	t.Parallel()
	srv, svc := newTestServer(t)

	svc.On("GetTask", mock.Anything, mock.Anything).
		Return(nil, review.ErrTaskNotFound).Once()

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetTask_BadID(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSetPresence_Suspended(t *testing.T) {
	t.Parallel()
	srv, svc := newTestServer(t)

	svc.On("SetPresence", mock.Anything, mock.Anything, review.PresenceAvailable).
		Return(review.ErrReviewerSuspended).Once()

	rec := postJSON(t, srv, "/v1/reviewers/"+uuid.NewString()+"/presence",
		map[string]string{"presence": "AVAILABLE"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleStats(t *testing.T) {
	t.Parallel()
	srv, svc := newTestServer(t)

	svc.On("Stats", mock.Anything).Return(&review.QueueStats{
		Queued:          4,
		CompletedLast7d: 12,
		ActiveReviewers: 3,
	}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 4, resp["queued"])
	assert.EqualValues(t, 12, resp["completed_last_7d"])
}

func TestHandleListIncidents(t *testing.T) {
	t.Parallel()
	srv, svc := newTestServer(t)

	reviewerID := uuid.New()
	incident := review.NewIncident(reviewerID, uuid.New(), review.StrikeViolation, "missed deadline")
	svc.On("ListIncidents", mock.Anything, reviewerID, 5).
		Return([]*review.Incident{incident}, nil).Once()

	req := httptest.NewRequest(http.MethodGet,
		"/v1/reviewers/"+reviewerID.String()+"/incidents?limit=5", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Incidents []struct {
			Kind string `json:"kind"`
		} `json:"incidents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Incidents, 1)
	assert.Equal(t, "VIOLATION", resp.Incidents[0].Kind)
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// Package api exposes the intake HTTP surface: score ingestion, direct task
// enqueue, reviewer administration, queue stats and health probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/sparkai/dispatch/internal/app/intake"
	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/pkg/common"
	"github.com/sparkai/dispatch/pkg/common/logger"
	"github.com/sparkai/dispatch/pkg/common/otel"
)

// Server is the intake HTTP server.
type Server struct {
	router  *chi.Mux
	service intake.Service
	limiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewServer builds the intake router. The rate limiter guards the submission
// endpoints; reads and health probes bypass it.
func NewServer(
	service intake.Service,
	limiter *common.RateLimiter,
	log *logger.Logger,
	tracer trace.Tracer,
) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		service: service,
		limiter: limiter,
		logger:  log.With("component", "api"),
		tracer:  tracer,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(otel.Middleware(tracer))
	s.router.Use(loggerMiddleware(s.logger))
	s.router.Use(middleware.Recoverer)

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)
		r.Get("/stats", s.handleStats)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Get("/reviewers/{reviewerID}/incidents", s.handleListIncidents)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/scores", s.handleIngestScore)
			r.Post("/tasks", s.handleEnqueueTask)
			r.Post("/reviewers", s.handleRegisterReviewer)
			r.Post("/reviewers/{reviewerID}/presence", s.handleSetPresence)
			r.Post("/reviewers/{reviewerID}/reinstate", s.handleReinstate)
		})
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.limiter.Wait(r.Context()); err != nil {
			s.respondError(r.Context(), w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type scoreRequest struct {
	CandidateID     uuid.UUID `json:"candidate_id"`
	JobID           uuid.UUID `json:"job_id"`
	ATSScore        float64   `json:"ats_score"`
	ResumeURL       string    `json:"resume_url"`
	MissingKeywords []string  `json:"missing_keywords,omitempty"`
	Suggestions     []string  `json:"suggestions,omitempty"`
}

func (req scoreRequest) submission() intake.ScoreSubmission {
	return intake.ScoreSubmission{
		CandidateID:     req.CandidateID,
		JobID:           req.JobID,
		ATSScore:        req.ATSScore,
		ResumeURL:       req.ResumeURL,
		MissingKeywords: req.MissingKeywords,
		Suggestions:     req.Suggestions,
	}
}

type taskResponse struct {
	TaskID     uuid.UUID `json:"task_id"`
	Status     string    `json:"status"`
	ATSScore   float64   `json:"ats_score"`
	RetryCount int       `json:"retry_count"`
	DeadlineAt string    `json:"deadline_at,omitempty"`
	CreatedAt  string    `json:"created_at"`
}

func toTaskResponse(task *review.Task) taskResponse {
	resp := taskResponse{
		TaskID:     task.ID(),
		Status:     task.Status().String(),
		ATSScore:   task.ATSScore(),
		RetryCount: task.RetryCount(),
		CreatedAt:  task.CreatedAt().UTC().Format(time.RFC3339),
	}
	if !task.DeadlineAt().IsZero() {
		resp.DeadlineAt = task.DeadlineAt().UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleIngestScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(r.Context(), w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.service.IngestScore(r.Context(), req.submission())
	if err != nil {
		s.respondDomainError(r.Context(), w, err)
		return
	}

	resp := struct {
		Queued bool          `json:"queued"`
		Task   *taskResponse `json:"task,omitempty"`
	}{Queued: res.Queued}
	if res.Task != nil {
		taskResp := toTaskResponse(res.Task)
		resp.Task = &taskResp
	}
	s.respondJSON(r.Context(), w, http.StatusAccepted, resp)
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(r.Context(), w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := s.service.EnqueueTask(r.Context(), req.submission())
	if err != nil {
		s.respondDomainError(r.Context(), w, err)
		return
	}
	s.respondJSON(r.Context(), w, http.StatusCreated, toTaskResponse(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		s.respondError(r.Context(), w, http.StatusBadRequest, "invalid task id")
		return
	}

	task, err := s.service.GetTask(r.Context(), taskID)
	if err != nil {
		s.respondDomainError(r.Context(), w, err)
		return
	}
	s.respondJSON(r.Context(), w, http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleRegisterReviewer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Role  string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(r.Context(), w, http.StatusBadRequest, "invalid request body")
		return
	}

	reviewer, err := s.service.RegisterReviewer(r.Context(), req.Email, req.Name,
		review.ParseReviewerRole(req.Role))
	if err != nil {
		s.respondDomainError(r.Context(), w, err)
		return
	}

	s.respondJSON(r.Context(), w, http.StatusCreated, struct {
		ReviewerID uuid.UUID `json:"reviewer_id"`
		Email      string    `json:"email"`
		Role       string    `json:"role"`
	}{reviewer.ID(), reviewer.Email(), reviewer.Role().String()})
}

func (s *Server) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	reviewerID, err := uuid.Parse(chi.URLParam(r, "reviewerID"))
	if err != nil {
		s.respondError(r.Context(), w, http.StatusBadRequest, "invalid reviewer id")
		return
	}

	var req struct {
		Presence string `json:"presence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(r.Context(), w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.service.SetPresence(r.Context(), reviewerID, review.ParsePresence(req.Presence)); err != nil {
		s.respondDomainError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReinstate(w http.ResponseWriter, r *http.Request) {
	reviewerID, err := uuid.Parse(chi.URLParam(r, "reviewerID"))
	if err != nil {
		s.respondError(r.Context(), w, http.StatusBadRequest, "invalid reviewer id")
		return
	}

	if err := s.service.ReinstateReviewer(r.Context(), reviewerID); err != nil {
		s.respondDomainError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	reviewerID, err := uuid.Parse(chi.URLParam(r, "reviewerID"))
	if err != nil {
		s.respondError(r.Context(), w, http.StatusBadRequest, "invalid reviewer id")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	incidents, err := s.service.ListIncidents(r.Context(), reviewerID, limit)
	if err != nil {
		s.respondDomainError(r.Context(), w, err)
		return
	}

	type incidentResponse struct {
		IncidentID uuid.UUID `json:"incident_id"`
		TaskID     uuid.UUID `json:"task_id"`
		Kind       string    `json:"kind"`
		Detail     string    `json:"detail,omitempty"`
		CreatedAt  string    `json:"created_at"`
	}
	resp := make([]incidentResponse, 0, len(incidents))
	for _, inc := range incidents {
		resp = append(resp, incidentResponse{
			IncidentID: inc.ID(),
			TaskID:     inc.TaskID(),
			Kind:       string(inc.Kind()),
			Detail:     inc.Detail(),
			CreatedAt:  inc.CreatedAt().UTC().Format(time.RFC3339),
		})
	}
	s.respondJSON(r.Context(), w, http.StatusOK, struct {
		Incidents []incidentResponse `json:"incidents"`
	}{resp})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.respondDomainError(r.Context(), w, err)
		return
	}

	s.respondJSON(r.Context(), w, http.StatusOK, struct {
		Queued            int     `json:"queued"`
		Assigned          int     `json:"assigned"`
		InProgress        int     `json:"in_progress"`
		CompletedLast7d   int     `json:"completed_last_7d"`
		FailedLast7d      int     `json:"failed_last_7d"`
		TimedOutLast7d    int     `json:"timed_out_last_7d"`
		AvgCompletionSecs float64 `json:"avg_completion_seconds"`
		ActiveReviewers   int     `json:"active_reviewers"`
	}{
		stats.Queued, stats.Assigned, stats.InProgress,
		stats.CompletedLast7d, stats.FailedLast7d, stats.TimedOutLast7d,
		stats.AvgCompletionSecs, stats.ActiveReviewers,
	})
}

// respondDomainError maps domain sentinels to HTTP statuses.
func (s *Server) respondDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, review.ErrValidation):
		s.respondError(ctx, w, http.StatusBadRequest, err.Error())
	case errors.Is(err, review.ErrTaskNotFound), errors.Is(err, review.ErrReviewerNotFound):
		s.respondError(ctx, w, http.StatusNotFound, err.Error())
	case errors.Is(err, review.ErrScoreAboveThreshold):
		s.respondError(ctx, w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, review.ErrReviewerSuspended):
		s.respondError(ctx, w, http.StatusForbidden, err.Error())
	case errors.Is(err, review.ErrIllegalTransition),
		errors.Is(err, review.ErrInvalidPresence),
		errors.Is(err, review.ErrNotOwner):
		s.respondError(ctx, w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(ctx, "request failed", "error", err)
		s.respondError(ctx, w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) respondError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	s.respondJSON(ctx, w, status, struct {
		Error string `json:"error"`
	}{msg})
}

func (s *Server) respondJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(ctx, "failed to encode response", "error", err)
	}
}

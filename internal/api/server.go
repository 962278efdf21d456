// Package api accepts remote image jobs and reports their status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/bitmapmanipulator/internal/domain"
	"github.com/dunamismax/bitmapmanipulator/internal/queue"
	"github.com/dunamismax/bitmapmanipulator/internal/source"
	"github.com/dunamismax/bitmapmanipulator/internal/store"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type queueEnqueuer interface {
	EnqueueInvertImage(ctx context.Context, payload queue.InvertImagePayload) (*asynq.TaskInfo, error)
}

type objectChecker interface {
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type Options struct {
	// OutputDir is where workers write results for jobs created here.
	OutputDir    string
	RateLimiter  RateLimiter
	UserIDHeader string
}

type Server struct {
	logger                *logrus.Entry
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	objects               objectChecker
	outputDir             string
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
	now                   func() time.Time
}

func NewServer(logger *logrus.Entry, queueClient queueEnqueuer, jobStore store.JobStore, objects objectChecker, opts Options) *Server {
	if objects == nil {
		objects = unavailableObjectStorage{}
	}
	if opts.UserIDHeader == "" {
		opts.UserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                logger,
		queueClient:           queueClient,
		jobStore:              jobStore,
		objects:               objects,
		outputDir:             opts.OutputDir,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.UserIDHeader,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("bitmapmanipulator/api"),
		mux:                   http.NewServeMux(),
		now:                   func() time.Time { return time.Now().UTC() },
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	locator := strings.TrimSpace(req.Source)
	if err := s.verifySourceExists(r.Context(), locator); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	now := s.now()
	job := domain.Job{
		ID:         uuid.NewString(),
		Status:     domain.JobStatusCreated,
		Source:     locator,
		OutputDir:  s.outputDir,
		Note:       req.Note,
		Location:   req.Location,
		WebhookURL: req.WebhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	logger := s.logger.WithField("job_id", job.ID)

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		logger.WithError(err).Error("create job failed")
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	taskInfo, err := s.queueClient.EnqueueInvertImage(r.Context(), queue.PayloadForJob(job))
	if err != nil {
		logger.WithError(err).Error("enqueue failed")
		if _, err := s.jobStore.Complete(r.Context(), job.ID, domain.JobStatusFailed, "", "enqueue failed"); err != nil {
			logger.WithError(err).Warn("mark job failed")
		}
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		logger.WithError(err).Warn("update status failed")
	}
	logger.WithField("source", job.Source).Info("job queued")

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   job.ID,
		"status":   domain.JobStatusQueued,
		"queue":    taskInfo.Queue,
		"task_id":  taskInfo.ID,
		"state":    taskInfo.State.String(),
		"location": "/v1/jobs/" + job.ID,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Error("fetch job failed")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, newJobView(job))
}

type jobView struct {
	ID         string          `json:"job_id"`
	Status     string          `json:"status"`
	Source     string          `json:"source"`
	Note       string          `json:"note"`
	Location   domain.Location `json:"location"`
	OutputPath string          `json:"output_path,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func newJobView(job domain.Job) jobView {
	return jobView{
		ID:         job.ID,
		Status:     job.Status,
		Source:     job.Source,
		Note:       job.Note,
		Location:   job.Location,
		OutputPath: job.OutputPath,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

func (s *Server) verifySourceExists(ctx context.Context, locator string) error {
	switch source.Scheme(locator) {
	case source.SchemeFile:
		path, err := source.FilePath(locator)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source is missing: %s", locator)
			}
			return fmt.Errorf("source check failed: %w", err)
		}
		return nil
	case source.SchemeS3:
		key, err := source.ObjectKey(locator)
		if err != nil {
			return err
		}
		exists, err := s.objects.ObjectExists(ctx, key)
		if err != nil {
			return fmt.Errorf("source check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source is missing: %s", locator)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", source.ErrUnsupportedScheme, source.Scheme(locator))
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

package worker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dunamismax/bitmapmanipulator/internal/domain"
	"github.com/dunamismax/bitmapmanipulator/internal/queue"
	"github.com/dunamismax/bitmapmanipulator/internal/store"
	"github.com/dunamismax/bitmapmanipulator/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Server consumes image:invert tasks and runs them through a Service.
type Server struct {
	logger   *logrus.Entry
	server   *asynq.Server
	service  *Service
	jobStore store.JobStore
	webhooks webhookSender
}

func NewServer(logger *logrus.Entry, redisOpt asynq.RedisClientOpt, queueName string, service *Service, jobStore store.JobStore, webhooks webhookSender) *Server {
	// The Service runs one image at a time; more asynq workers would only
	// block on its queue.
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues: map[string]int{
			queueName: 1,
		},
		Logger: logger,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.WithError(err).WithField("task_type", task.Type()).Error("task failed")
		}),
	})

	return &Server{
		logger:   logger,
		server:   srv,
		service:  service,
		jobStore: jobStore,
		webhooks: webhooks,
	}
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeInvertImage, s.handleInvertImage)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.service.MetricsHandler()
}

func (s *Server) handleInvertImage(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseInvertImagePayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logger := s.logger.WithField("job_id", payload.JobID)

	if _, err := s.jobStore.UpdateStatus(ctx, payload.JobID, domain.JobStatusProcessing); err != nil {
		logger.WithError(err).Warn("mark job processing")
	}

	outcome, err := s.submit(ctx, payload.ImageRequest())
	if err != nil {
		return fmt.Errorf("submit job %s: %w", payload.JobID, err)
	}

	status, reason := domain.JobStatusSucceeded, ""
	if !outcome.Succeeded() {
		status, reason = domain.JobStatusFailed, outcome.Err.Error()
	}
	job, err := s.jobStore.Complete(ctx, payload.JobID, status, outcome.Path, reason)
	if err != nil {
		logger.WithError(err).Warn("record job outcome")
		job = domain.Job{ID: payload.JobID, Status: status, Source: payload.Source, OutputPath: outcome.Path, Error: reason}
	}

	event, body := webhook.NewJobEvent(job)
	if err := s.webhooks.Send(ctx, payload.WebhookURL, event, body); err != nil {
		logger.WithError(err).Warn("webhook delivery failed")
	}

	if !outcome.Succeeded() {
		return fmt.Errorf("job %s: %v: %w", payload.JobID, outcome.Err, asynq.SkipRetry)
	}
	return nil
}

// submit queues req on the service and waits for its outcome. The run keeps
// going if ctx ends first.
func (s *Server) submit(ctx context.Context, req domain.ImageRequest) (Outcome, error) {
	result := make(chan Outcome, 1)
	err := s.service.ProcessImage(ctx, req, CallbackFuncs{
		Success: func(path string) { result <- Outcome{Path: path} },
		Failure: func(err error) { result <- Outcome{Err: err} },
	})
	if err != nil {
		return Outcome{}, err
	}

	select {
	case outcome := <-result:
		return outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

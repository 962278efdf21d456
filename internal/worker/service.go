// Package worker runs image requests one at a time on a dedicated goroutine
// and reports each outcome through a callback before tagging the output.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dunamismax/bitmapmanipulator/internal/domain"
	"github.com/dunamismax/bitmapmanipulator/internal/pipeline"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrServiceClosed = errors.New("image service is closed")

// Callback receives exactly one of OnSuccess or OnFailure per request.
// Callbacks run on the service's Dispatcher; the worker waits for them to
// return, so a callback must not submit to a full queue synchronously.
type Callback interface {
	OnSuccess(outputPath string)
	OnFailure(err error)
}

// CallbackFuncs adapts plain functions to Callback. Nil fields are no-ops.
type CallbackFuncs struct {
	Success func(outputPath string)
	Failure func(err error)
}

func (c CallbackFuncs) OnSuccess(outputPath string) {
	if c.Success != nil {
		c.Success(outputPath)
	}
}

func (c CallbackFuncs) OnFailure(err error) {
	if c.Failure != nil {
		c.Failure(err)
	}
}

// Outcome is what a run delivered: a path on success, an error otherwise.
type Outcome struct {
	Path string
	Err  error
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

type ImageProcessor interface {
	Process(ctx context.Context, req domain.ImageRequest) (pipeline.Result, error)
}

type MetadataWriter interface {
	Apply(path, note string, loc domain.Location) error
}

type Options struct {
	QueueDepth int
	Dispatcher Dispatcher
	Logger     *logrus.Entry
}

type run struct {
	id        uint64
	ctx       context.Context
	req       domain.ImageRequest
	callback  Callback
	submitted time.Time
}

type Service struct {
	processor  ImageProcessor
	metadata   MetadataWriter
	dispatcher Dispatcher
	logger     *logrus.Entry
	metrics    *metrics
	tracer     trace.Tracer

	mu     sync.Mutex
	closed bool
	runs   chan run
	done   chan struct{}
	seq    atomic.Uint64
}

func NewService(processor ImageProcessor, metadata MetadataWriter, opts Options) (*Service, error) {
	if processor == nil {
		return nil, errors.New("image processor is required")
	}
	if metadata == nil {
		return nil, errors.New("metadata writer is required")
	}
	if opts.QueueDepth < 1 {
		return nil, fmt.Errorf("queue depth must be at least 1, got %d", opts.QueueDepth)
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = Inline{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Service{
		processor:  processor,
		metadata:   metadata,
		dispatcher: opts.Dispatcher,
		logger:     opts.Logger,
		metrics:    newMetrics(),
		tracer:     otel.Tracer("bitmapmanipulator/worker"),
		runs:       make(chan run, opts.QueueDepth),
		done:       make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

// ProcessImage queues req behind earlier submissions and returns once it is
// queued. It blocks while the queue is full. Cancelling ctx after
// submission does not cancel the run. A run fails up front only for a
// missing source or output directory; a bad location is reported by the
// metadata step after the image is delivered.
func (s *Service) ProcessImage(ctx context.Context, req domain.ImageRequest, callback Callback) error {
	if callback == nil {
		return errors.New("callback is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}

	s.runs <- run{
		id:        s.seq.Add(1),
		ctx:       context.WithoutCancel(ctx),
		req:       req,
		callback:  callback,
		submitted: time.Now(),
	}
	s.metrics.queuedRuns.Set(float64(len(s.runs)))
	return nil
}

// Close stops intake and waits for queued runs to finish.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.runs)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Service) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Service) loop() {
	defer close(s.done)
	for r := range s.runs {
		s.metrics.queuedRuns.Set(float64(len(s.runs)))
		s.execute(r)
	}
}

func (s *Service) execute(r run) {
	ctx, span := s.tracer.Start(r.ctx, "worker.process_image", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("run.id", int64(r.id)),
		attribute.String("image.source", r.req.Source),
	)

	logger := s.logger.WithFields(logrus.Fields{
		"run_id": r.id,
		"source": r.req.Source,
	})
	logger.WithField("queued_for", time.Since(r.submitted).String()).Debug("run started")

	s.metrics.activeRuns.Inc()
	defer s.metrics.activeRuns.Dec()

	started := time.Now()
	result, err := s.runPipeline(ctx, r.req)
	if err != nil {
		stage := "request"
		if st, ok := pipeline.StageOf(err); ok {
			stage = string(st)
		}
		s.metrics.runsTotal.WithLabelValues("failed", stage).Inc()
		s.metrics.runDuration.WithLabelValues("failed").Observe(time.Since(started).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		logger.WithError(err).WithField("stage", stage).Warn("run failed")

		s.deliver(r.callback, Outcome{Err: err})
		return
	}

	s.metrics.runsTotal.WithLabelValues("succeeded", "").Inc()
	s.metrics.runDuration.WithLabelValues("succeeded").Observe(time.Since(started).Seconds())
	s.metrics.pixelsWritten.Add(float64(result.Width * result.Height))
	s.metrics.outputBytesTotal.Add(float64(result.Bytes))
	s.metrics.sampleSizeApplied.Observe(float64(result.SampleSize))
	logger.WithFields(logrus.Fields{
		"output":      result.Path,
		"sample_size": result.SampleSize,
	}).Info("run succeeded")

	s.deliver(r.callback, Outcome{Path: result.Path})

	if err := s.metadata.Apply(result.Path, r.req.Note, r.req.Location); err != nil {
		s.metrics.metadataFailures.Inc()
		span.RecordError(err)
		logger.WithError(err).WithField("stage", "metadata").Error("metadata write failed")
		return
	}
	span.SetStatus(codes.Ok, "processed")
}

func (s *Service) runPipeline(ctx context.Context, req domain.ImageRequest) (result pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panicked: %v", r)
		}
	}()

	if err := req.ValidateTarget(); err != nil {
		return pipeline.Result{}, fmt.Errorf("invalid request: %w", err)
	}
	return s.processor.Process(ctx, req)
}

// deliver hands the outcome to the dispatcher and waits until the callback
// has returned.
func (s *Service) deliver(callback Callback, outcome Outcome) {
	delivered := make(chan struct{})
	s.dispatcher.Dispatch(func() {
		defer close(delivered)
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithField("panic", r).Error("callback panicked")
			}
		}()
		if outcome.Err != nil {
			callback.OnFailure(outcome.Err)
			return
		}
		callback.OnSuccess(outcome.Path)
	})
	<-delivered
}

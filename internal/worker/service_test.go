package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/bitmapmanipulator/internal/domain"
	"github.com/dunamismax/bitmapmanipulator/internal/logging"
	"github.com/dunamismax/bitmapmanipulator/internal/metadata"
	"github.com/dunamismax/bitmapmanipulator/internal/pipeline"
	"github.com/dunamismax/bitmapmanipulator/internal/source"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestServiceRunsInSubmissionOrder(t *testing.T) {
	processor := &fakeProcessor{delay: 5 * time.Millisecond}
	service := newTestService(t, processor, &fakeMetadata{}, Inline{})

	const runs = 8
	var (
		mu        sync.Mutex
		delivered []string
		wg        sync.WaitGroup
	)
	wg.Add(runs)
	for i := 0; i < runs; i++ {
		req := testRequest(string(rune('a' + i)))
		err := service.ProcessImage(context.Background(), req, CallbackFuncs{
			Success: func(path string) {
				mu.Lock()
				delivered = append(delivered, path)
				mu.Unlock()
				wg.Done()
			},
			Failure: func(err error) {
				t.Errorf("unexpected failure: %v", err)
				wg.Done()
			},
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()

	for i, got := range processor.seen() {
		want := string(rune('a' + i))
		if got != want {
			t.Fatalf("expected run %d to process %s, got %s", i, want, got)
		}
		if delivered[i] != "/out/"+want+".jpeg" {
			t.Fatalf("expected callback %d for %s, got %s", i, want, delivered[i])
		}
	}
	if processor.maxActive.Load() != 1 {
		t.Fatalf("expected runs to execute one at a time, saw %d concurrent", processor.maxActive.Load())
	}
}

func TestServiceCallbackReturnsBeforeMetadata(t *testing.T) {
	var callbackDone atomic.Bool
	meta := &fakeMetadata{}
	meta.check = func() {
		if !callbackDone.Load() {
			t.Errorf("metadata step started before the callback returned")
		}
	}

	loop := NewLoop(logging.Discard())
	defer loop.Close()
	service := newTestService(t, &fakeProcessor{}, meta, loop)

	done := make(chan struct{})
	err := service.ProcessImage(context.Background(), testRequest("a"), CallbackFuncs{
		Success: func(string) {
			time.Sleep(20 * time.Millisecond)
			callbackDone.Store(true)
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-done
	service.Close()

	if meta.calls.Load() != 1 {
		t.Fatalf("expected one metadata write, got %d", meta.calls.Load())
	}
}

func TestServiceMetadataFailureKeepsSuccess(t *testing.T) {
	meta := &fakeMetadata{err: &metadata.Error{Op: "save", Path: "/out/a.jpeg", Err: errors.New("disk full")}}
	service := newTestService(t, &fakeProcessor{}, meta, Inline{})

	rec := newRecorder()
	if err := service.ProcessImage(context.Background(), testRequest("a"), rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	service.Close()

	if rec.successes.Load() != 1 || rec.failures.Load() != 0 {
		t.Fatalf("expected one success and no failure, got %d/%d", rec.successes.Load(), rec.failures.Load())
	}
	if got := testutil.ToFloat64(service.metrics.metadataFailures); got != 1 {
		t.Fatalf("expected metadata failure counter 1, got %v", got)
	}
}

func TestServiceFailureSkipsMetadata(t *testing.T) {
	processor := &fakeProcessor{err: &pipeline.StageError{Stage: pipeline.StageDecode, Err: errors.New("bad huffman table")}}
	meta := &fakeMetadata{}
	service := newTestService(t, processor, meta, Inline{})

	rec := newRecorder()
	if err := service.ProcessImage(context.Background(), testRequest("a"), rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	service.Close()

	if rec.failures.Load() != 1 || rec.successes.Load() != 0 {
		t.Fatalf("expected one failure and no success, got %d/%d", rec.failures.Load(), rec.successes.Load())
	}
	if !errors.Is(rec.lastErr(), pipeline.ErrDecode) {
		t.Fatalf("expected decode failure reason, got %v", rec.lastErr())
	}
	if meta.calls.Load() != 0 {
		t.Fatalf("expected no metadata write after failure, got %d", meta.calls.Load())
	}
	if got := testutil.ToFloat64(service.metrics.runsTotal.WithLabelValues("failed", "decode")); got != 1 {
		t.Fatalf("expected failed decode counter 1, got %v", got)
	}
}

func TestServiceMissingSourceFailsBeforeProcessing(t *testing.T) {
	processor := &fakeProcessor{}
	meta := &fakeMetadata{}
	service := newTestService(t, processor, meta, Inline{})

	req := testRequest(" ")
	rec := newRecorder()
	if err := service.ProcessImage(context.Background(), req, rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	service.Close()

	if rec.failures.Load() != 1 {
		t.Fatalf("expected one failure, got %d", rec.failures.Load())
	}
	if len(processor.seen()) != 0 {
		t.Fatalf("expected processor not to run, saw %v", processor.seen())
	}
	if meta.calls.Load() != 0 {
		t.Fatalf("expected metadata to be skipped, got %d calls", meta.calls.Load())
	}
}

func TestServiceBadLocationStillDeliversImage(t *testing.T) {
	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "photo.png")
	if err := os.WriteFile(sourcePath, buildPNG(t, 40, 30), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	processor, err := pipeline.NewProcessor(source.NewMux(), 100, pipeline.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	service := newTestService(t, processor, metadata.NewWriter(), Inline{})

	rec := newRecorder()
	req := domain.ImageRequest{
		Source:    sourcePath,
		OutputDir: filepath.Join(dir, "out"),
		Note:      "off the map",
		Location:  domain.Location{Latitude: 91, Longitude: 0},
	}
	if err := service.ProcessImage(context.Background(), req, rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	service.Close()

	if rec.successes.Load() != 1 {
		t.Fatalf("expected success, got failure %v", rec.lastErr())
	}
	if _, err := os.Stat(rec.lastPath()); err != nil {
		t.Fatalf("expected output on disk: %v", err)
	}
	if got := testutil.ToFloat64(service.metrics.metadataFailures); got != 1 {
		t.Fatalf("expected one metadata failure, got %v", got)
	}
}

func TestServicePanicBecomesFailure(t *testing.T) {
	service := newTestService(t, &fakeProcessor{panics: true}, &fakeMetadata{}, Inline{})

	rec := newRecorder()
	if err := service.ProcessImage(context.Background(), testRequest("a"), rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	service.Close()

	if rec.failures.Load() != 1 {
		t.Fatalf("expected panic to be reported as failure, got %d failures", rec.failures.Load())
	}
}

func TestServiceCloseDrainsQueueAndRejects(t *testing.T) {
	processor := &fakeProcessor{delay: 5 * time.Millisecond}
	service, err := NewService(processor, &fakeMetadata{}, Options{QueueDepth: 4, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	rec := newRecorder()
	for i := 0; i < 4; i++ {
		if err := service.ProcessImage(context.Background(), testRequest("a"), rec); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	service.Close()

	if rec.successes.Load() != 4 {
		t.Fatalf("expected queued runs to finish before close returns, got %d", rec.successes.Load())
	}
	if err := service.ProcessImage(context.Background(), testRequest("b"), rec); !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("expected ErrServiceClosed, got %v", err)
	}
	service.Close()
}

func TestServiceCancelledContextDoesNotCancelRun(t *testing.T) {
	processor := &fakeProcessor{}
	service := newTestService(t, processor, &fakeMetadata{}, Inline{})

	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	if err := service.ProcessImage(ctx, testRequest("a"), rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	cancel()
	service.Close()

	if rec.successes.Load() != 1 {
		t.Fatalf("expected run to complete after cancel, got %d successes", rec.successes.Load())
	}
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(nil, &fakeMetadata{}, Options{QueueDepth: 1}); err == nil {
		t.Fatal("expected error for nil processor")
	}
	if _, err := NewService(&fakeProcessor{}, nil, Options{QueueDepth: 1}); err == nil {
		t.Fatal("expected error for nil metadata writer")
	}
	if _, err := NewService(&fakeProcessor{}, &fakeMetadata{}, Options{}); err == nil {
		t.Fatal("expected error for zero queue depth")
	}
}

func TestServiceEndToEndWritesNoteAndLocation(t *testing.T) {
	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "photo.png")
	if err := os.WriteFile(sourcePath, buildPNG(t, 300, 200), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	processor, err := pipeline.NewProcessor(source.NewMux(), 100, pipeline.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	loop := NewLoop(logging.Discard())
	defer loop.Close()
	service := newTestService(t, processor, metadata.NewWriter(), loop)

	rec := newRecorder()
	req := domain.ImageRequest{
		Source:    sourcePath,
		OutputDir: filepath.Join(dir, "out"),
		Note:      "north gate, dusk",
		Location:  domain.Location{Latitude: 59.9139, Longitude: -10.7522},
	}
	if err := service.ProcessImage(context.Background(), req, rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	service.Close()

	if rec.successes.Load() != 1 {
		t.Fatalf("expected success, got failure %v", rec.lastErr())
	}
	info, err := metadata.Read(rec.lastPath())
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if info.Description != req.Note {
		t.Fatalf("expected description %q, got %q", req.Note, info.Description)
	}
	if !info.HasLocation || math.Abs(info.Latitude-59.9139) > 1e-4 || math.Abs(info.Longitude+10.7522) > 1e-4 {
		t.Fatalf("unexpected location %+v", info)
	}
}

func TestLoopRunsCallbacksInOrderAndInlineAfterClose(t *testing.T) {
	loop := NewLoop(logging.Discard())

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		loop.Dispatch(func() { order = append(order, i) })
	}
	loop.Dispatch(func() { panic("boom") })
	loop.Dispatch(func() { close(done) })
	<-done
	loop.Close()

	for i, v := range order {
		if v != i {
			t.Fatalf("expected callback %d in position %d, got %v", i, i, order)
		}
	}

	ran := false
	loop.Dispatch(func() { ran = true })
	if !ran {
		t.Fatal("expected dispatch after close to run inline")
	}
}

func newTestService(t *testing.T, processor ImageProcessor, meta MetadataWriter, dispatcher Dispatcher) *Service {
	t.Helper()

	service, err := NewService(processor, meta, Options{
		QueueDepth: 2,
		Dispatcher: dispatcher,
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(service.Close)
	return service
}

func testRequest(name string) domain.ImageRequest {
	return domain.ImageRequest{
		Source:    name,
		OutputDir: "/out",
		Note:      "note " + name,
		Location:  domain.Location{Latitude: 1, Longitude: 2},
	}
}

type fakeProcessor struct {
	delay  time.Duration
	err    error
	panics bool

	mu        sync.Mutex
	sources   []string
	active    atomic.Int32
	maxActive atomic.Int32
}

func (p *fakeProcessor) Process(_ context.Context, req domain.ImageRequest) (pipeline.Result, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		cur := p.maxActive.Load()
		if n <= cur || p.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	p.mu.Lock()
	p.sources = append(p.sources, req.Source)
	p.mu.Unlock()

	if p.panics {
		panic("decoder exploded")
	}
	time.Sleep(p.delay)
	if p.err != nil {
		return pipeline.Result{}, p.err
	}
	return pipeline.Result{Path: "/out/" + req.Source + ".jpeg", Width: 4, Height: 4, SampleSize: 1, Bytes: 10}, nil
}

func (p *fakeProcessor) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sources...)
}

type fakeMetadata struct {
	err   error
	check func()
	calls atomic.Int32
}

func (m *fakeMetadata) Apply(string, string, domain.Location) error {
	m.calls.Add(1)
	if m.check != nil {
		m.check()
	}
	return m.err
}

type recorder struct {
	successes atomic.Int32
	failures  atomic.Int32

	mu   sync.Mutex
	path string
	err  error
}

func newRecorder() *recorder {
	return &recorder{}
}

func (r *recorder) OnSuccess(path string) {
	r.mu.Lock()
	r.path = path
	r.mu.Unlock()
	r.successes.Add(1)
}

func (r *recorder) OnFailure(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.failures.Add(1)
}

func (r *recorder) lastPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

func (r *recorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func buildPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

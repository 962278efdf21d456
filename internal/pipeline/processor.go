package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/bitmapmanipulator/internal/domain"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	OutputPrefix    = "bitmapmanipulator_"
	OutputExtension = ".jpeg"

	// Attempts at a free file name when two runs share a millisecond.
	maxNameAttempts = 16
)

// Resolver turns a source locator into a fresh byte stream on every call.
type Resolver interface {
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
}

type Result struct {
	Path       string
	Width      int
	Height     int
	SampleSize int
	Bytes      int64
}

type Processor struct {
	resolver     Resolver
	codec        Codec
	maxDimension int
	now          func() time.Time
	logger       *logrus.Entry
	tracer       trace.Tracer
}

type Option func(*Processor)

func WithCodec(c Codec) Option {
	return func(p *Processor) { p.codec = c }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithLogger(logger *logrus.Entry) Option {
	return func(p *Processor) { p.logger = logger }
}

func NewProcessor(resolver Resolver, maxDimension int, opts ...Option) (*Processor, error) {
	if resolver == nil {
		return nil, errors.New("source resolver is required")
	}
	if maxDimension <= 0 {
		return nil, fmt.Errorf("max dimension must be positive, got %d", maxDimension)
	}

	p := &Processor{
		resolver:     resolver,
		codec:        DefaultCodec(),
		maxDimension: maxDimension,
		now:          time.Now,
		logger:       logrus.NewEntry(logrus.StandardLogger()),
		tracer:       otel.Tracer("bitmapmanipulator/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Processor) MaxDimension() int {
	return p.maxDimension
}

// Process probes, decodes, inverts and encodes req.Source into a new JPEG
// under req.OutputDir. Failures are *StageError values.
func (p *Processor) Process(ctx context.Context, req domain.ImageRequest) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	span.SetAttributes(attribute.String("image.source", req.Source))
	defer span.End()

	result, err := p.process(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		return Result{}, err
	}

	span.SetAttributes(
		attribute.String("image.output", result.Path),
		attribute.Int("image.sample_size", result.SampleSize),
	)
	span.SetStatus(codes.Ok, "processed")
	return result, nil
}

func (p *Processor) process(ctx context.Context, req domain.ImageRequest) (Result, error) {
	logger := p.logger.WithField("source", req.Source)

	probe, err := p.probe(ctx, req.Source)
	if err != nil {
		return Result{}, stageError(StageProbe, err)
	}

	sampleSize := ComputeSampleSize(probe.Width, probe.Height, p.maxDimension)
	logger.WithFields(logrus.Fields{
		"width":       probe.Width,
		"height":      probe.Height,
		"sample_size": sampleSize,
	}).Debug("probed source")

	inverted, err := p.decodeInverted(ctx, req.Source, sampleSize)
	if err != nil {
		return Result{}, stageError(StageDecode, err)
	}

	bounds := inverted.Bounds()
	path, size, err := p.encode(ctx, req.OutputDir, inverted)
	if err != nil {
		return Result{}, stageError(StageEncode, err)
	}

	logger.WithFields(logrus.Fields{
		"output": path,
		"bytes":  size,
	}).Debug("encoded output")

	return Result{
		Path:       path,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		SampleSize: sampleSize,
		Bytes:      size,
	}, nil
}

func (p *Processor) probe(ctx context.Context, locator string) (ProbeResult, error) {
	_, span := p.tracer.Start(ctx, "pipeline.probe")
	defer span.End()

	rc, err := p.resolver.Open(ctx, locator)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("open source for probe: %w", err)
	}
	defer rc.Close()

	return p.codec.Probe(rc)
}

// decodeInverted owns the decoded buffer; it is unreachable once this
// returns, so only the inverted copy lives through the encode stage.
func (p *Processor) decodeInverted(ctx context.Context, locator string, sampleSize int) (*image.NRGBA, error) {
	_, span := p.tracer.Start(ctx, "pipeline.decode")
	defer span.End()

	rc, err := p.resolver.Open(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("open source for decode: %w", err)
	}
	defer rc.Close()

	decoded, err := p.codec.Decode(rc, sampleSize)
	if err != nil {
		return nil, err
	}
	if decoded == nil || decoded.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	return Invert(decoded), nil
}

func (p *Processor) encode(ctx context.Context, dir string, img *image.NRGBA) (string, int64, error) {
	_, span := p.tracer.Start(ctx, "pipeline.encode")
	defer span.End()

	if strings.TrimSpace(dir) == "" {
		return "", 0, errors.New("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create output dir: %w", err)
	}

	f, path, err := p.createOutput(dir)
	if err != nil {
		return "", 0, err
	}

	if err := p.writeJPEG(f, img); err != nil {
		_ = f.Close()
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			p.logger.WithError(rmErr).WithField("output", path).Warn("remove partial output failed")
		}
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("close output file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("stat output file: %w", err)
	}
	return path, info.Size(), nil
}

// writeJPEG turns a codec panic into an error so encode still removes the
// partial file.
func (p *Processor) writeJPEG(f *os.File, img *image.NRGBA) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encoder panicked: %v", r)
		}
	}()

	w := bufio.NewWriter(f)
	if err := p.codec.Encode(w, img, JPEGQuality); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output file: %w", err)
	}
	return nil
}

// createOutput opens bitmapmanipulator_<epoch-millis>.jpeg exclusively,
// stepping the millisecond value forward while names are taken.
func (p *Processor) createOutput(dir string) (*os.File, string, error) {
	millis := p.now().UnixMilli()
	for attempt := int64(0); attempt < maxNameAttempts; attempt++ {
		path := filepath.Join(dir, OutputFileName(millis+attempt))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("create output file: %w", err)
		}
	}
	return nil, "", fmt.Errorf("create output file: no free name after %d attempts", maxNameAttempts)
}

func OutputFileName(epochMillis int64) string {
	return fmt.Sprintf("%s%d%s", OutputPrefix, epochMillis, OutputExtension)
}

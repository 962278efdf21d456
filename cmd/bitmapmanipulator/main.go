// Command bitmapmanipulator turns one image into a tagged grayscale
// negative JPEG.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/dunamismax/bitmapmanipulator/internal/config"
	"github.com/dunamismax/bitmapmanipulator/internal/domain"
	"github.com/dunamismax/bitmapmanipulator/internal/logging"
	"github.com/dunamismax/bitmapmanipulator/internal/metadata"
	"github.com/dunamismax/bitmapmanipulator/internal/pipeline"
	"github.com/dunamismax/bitmapmanipulator/internal/source"
	"github.com/dunamismax/bitmapmanipulator/internal/worker"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	var (
		src      = flag.String("source", "", "image path or file:// URL")
		outDir   = flag.String("out", cfg.Pipeline.OutputDir, "output directory")
		note     = flag.String("note", "", "text stored as the EXIF image description")
		lat      = flag.Float64("lat", math.NaN(), "latitude in decimal degrees")
		lon      = flag.Float64("lon", math.NaN(), "longitude in decimal degrees")
		alt      = flag.Float64("alt", math.NaN(), "altitude in meters (optional)")
		provider = flag.String("provider", "", "location provider name (optional)")
		maxDim   = flag.Int("max", cfg.Pipeline.MaxDimension, "maximum output dimension")
		verify   = flag.Bool("verify", false, "read the metadata back after writing")
	)
	flag.Parse()

	logger := logging.Component(logging.NewWithWriter(logging.Config{Level: cfg.Log.Level, Format: "text"}, os.Stderr), "cli")

	req := domain.ImageRequest{
		Source:    *src,
		OutputDir: *outDir,
		Note:      *note,
		Location: domain.Location{
			Latitude:  *lat,
			Longitude: *lon,
			Time:      time.Now().UTC(),
			Provider:  *provider,
		},
	}
	if !math.IsNaN(*alt) {
		req.Location.Altitude = alt
	}
	if err := req.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid arguments: %v\n", err)
		flag.Usage()
		return 2
	}

	if err := pipeline.Startup(); err != nil {
		logger.WithError(err).Error("start image runtime")
		return 1
	}
	defer pipeline.Shutdown()

	processor, err := pipeline.NewProcessor(source.NewMux(), *maxDim, pipeline.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Error("create processor")
		return 2
	}

	loop := worker.NewLoop(logger)
	service, err := worker.NewService(processor, metadata.NewWriter(), worker.Options{
		QueueDepth: 1,
		Dispatcher: loop,
		Logger:     logger,
	})
	if err != nil {
		logger.WithError(err).Error("create service")
		return 1
	}

	var outcome worker.Outcome
	err = service.ProcessImage(context.Background(), req, worker.CallbackFuncs{
		Success: func(path string) { outcome.Path = path },
		Failure: func(err error) { outcome.Err = err },
	})
	if err != nil {
		logger.WithError(err).Error("submit")
		return 1
	}
	// Close waits for the metadata step as well as the callback.
	service.Close()
	loop.Close()

	if !outcome.Succeeded() {
		logger.WithError(outcome.Err).Error("image run failed")
		return 1
	}
	fmt.Println(outcome.Path)

	if *verify {
		return verifyOutput(outcome.Path, req, logger)
	}
	return 0
}

func verifyOutput(path string, req domain.ImageRequest, logger *logrus.Entry) int {
	info, err := metadata.Read(path)
	if err != nil {
		logger.WithError(err).Error("read metadata")
		return 1
	}
	ok := info.Description == req.Note &&
		info.HasLocation &&
		math.Abs(info.Latitude-req.Location.Latitude) < 1e-5 &&
		math.Abs(info.Longitude-req.Location.Longitude) < 1e-5
	logger.WithFields(logrus.Fields{
		"description": info.Description,
		"latitude":    info.Latitude,
		"longitude":   info.Longitude,
		"match":       ok,
	}).Info("metadata read back")
	if !ok {
		return 1
	}
	return 0
}

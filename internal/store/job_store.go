package store

import (
	"context"
	"errors"

	"github.com/dunamismax/bitmapmanipulator/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// Complete records a terminal status with the output path on success or
	// the failure reason otherwise.
	Complete(ctx context.Context, id, status, outputPath, reason string) (domain.Job, error)
}

// Open returns a Postgres store for a non-empty dsn and a memory store
// otherwise, along with its close func.
func Open(ctx context.Context, dsn string) (JobStore, func() error, error) {
	if dsn == "" {
		return NewMemoryJobStore(), func() error { return nil }, nil
	}
	pg, err := NewPostgresJobStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

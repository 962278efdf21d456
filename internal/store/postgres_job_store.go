package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/bitmapmanipulator/internal/domain"
	_ "github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	source TEXT NOT NULL,
	output_dir TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	location JSONB NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	output_path TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

const selectJobSQL = `SELECT id, status, source, output_dir, note, location, webhook_url, output_path, error, created_at, updated_at
	FROM jobs
	WHERE id = $1`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	locationJSON, err := json.Marshal(job.Location)
	if err != nil {
		return fmt.Errorf("marshal job location: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, status, source, output_dir, note, location, webhook_url, output_path, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID,
		job.Status,
		job.Source,
		job.OutputDir,
		job.Note,
		locationJSON,
		job.WebhookURL,
		job.OutputPath,
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	var (
		job          domain.Job
		locationJSON []byte
	)
	err := s.db.QueryRowContext(ctx, selectJobSQL, id).Scan(
		&job.ID,
		&job.Status,
		&job.Source,
		&job.OutputDir,
		&job.Note,
		&locationJSON,
		&job.WebhookURL,
		&job.OutputPath,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	if err := json.Unmarshal(locationJSON, &job.Location); err != nil {
		return domain.Job{}, false, fmt.Errorf("unmarshal job location: %w", err)
	}

	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.exec(ctx, id, "update job status",
		`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id,
	)
}

func (s *PostgresJobStore) Complete(ctx context.Context, id, status, outputPath, reason string) (domain.Job, error) {
	return s.exec(ctx, id, "complete job",
		`UPDATE jobs SET status = $1, output_path = $2, error = $3, updated_at = $4 WHERE id = $5`,
		status, outputPath, reason, time.Now().UTC(), id,
	)
}

func (s *PostgresJobStore) exec(ctx context.Context, id, op, query string, args ...any) (domain.Job, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Job{}, fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

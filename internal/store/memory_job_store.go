package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/bitmapmanipulator/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id, status string) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = status
	})
}

func (s *MemoryJobStore) Complete(_ context.Context, id, status, outputPath, reason string) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = status
		job.OutputPath = outputPath
		job.Error = reason
	})
}

func (s *MemoryJobStore) update(id string, apply func(*domain.Job)) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	apply(&job)
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return job, nil
}

package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/google/uuid"
)

// memoryEntry holds one job: writers serialize on mu, readers load snap without locking
type memoryEntry struct {
	mu   sync.Mutex
	snap atomic.Pointer[domain.Job]
}

// MemoryStore is the default in-process backend
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*memoryEntry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Create(ctx context.Context, meta domain.JobMetadata) (*domain.Job, error) {
	job := domain.NewJob(uuid.NewString(), meta)

	entry := &memoryEntry{}
	entry.snap.Store(job)

	s.mu.Lock()
	s.jobs[job.JobID] = entry
	s.mu.Unlock()

	return job.Clone(), nil
}

func (s *MemoryStore) entry(jobID string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[jobID]
	return e, ok
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	e, ok := s.entry(jobID)
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return e.snap.Load().Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, jobID string, update domain.JobUpdate) (*domain.Job, error) {
	e, ok := s.entry(jobID)
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := e.snap.Load().Apply(update)
	if err != nil {
		return nil, err
	}
	e.snap.Store(next)

	return next.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*domain.Job, error) {
	s.mu.RLock()
	jobs := make([]*domain.Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, e.snap.Load().Clone())
	}
	s.mu.RUnlock()

	sortJobs(jobs)
	return jobs, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

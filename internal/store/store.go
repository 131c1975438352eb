// Package store keeps the authoritative record of every OCR job.
//
// All backends share the same contract: job ids are assigned on Create,
// updates to one job are serialized and validated through domain.Job.Apply,
// and every returned job is a copy the caller may mutate freely.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/cuongbtq/paper-loom/internal/domain"
)

// Store is the job record repository
type Store interface {
	// Create assigns a fresh job id and stores the job in the uploaded status
	Create(ctx context.Context, meta domain.JobMetadata) (*domain.Job, error)

	// Get returns a snapshot of the job or domain.ErrJobNotFound
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// Update applies a validated partial update and returns the new snapshot
	Update(ctx context.Context, jobID string, update domain.JobUpdate) (*domain.Job, error)

	// Delete removes the job; deleting an unknown job is not an error
	Delete(ctx context.Context, jobID string) error

	// List returns all jobs ordered by upload time
	List(ctx context.Context) ([]*domain.Job, error)

	Close() error
}

// sortJobs orders jobs by upload time, then id
func sortJobs(jobs []*domain.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].UploadedAt.Equal(jobs[j].UploadedAt) {
			return jobs[i].JobID < jobs[j].JobID
		}
		return jobs[i].UploadedAt.Before(jobs[j].UploadedAt)
	})
}

// keyedMutex hands out one mutex per job id and frees it when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until the key is held and returns its unlock func
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/cuongbtq/paper-loom/shared/database"
	"github.com/cuongbtq/paper-loom/shared/logger"
	redisclient "github.com/cuongbtq/paper-loom/shared/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			client, err := database.NewClient(&database.Config{
				Driver: database.DriverSQLite,
				Path:   filepath.Join(t.TempDir(), "jobs.db"),
			}, logger.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { client.Close() })

			s, err := NewSQLStore(context.Background(), client, logger.NewNop())
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client, err := redisclient.NewClient(context.Background(), &redisclient.Config{
				Addr:      mr.Addr(),
				KeyPrefix: "test",
			}, logger.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { client.Close() })

			return NewRedisStore(client, logger.NewNop())
		},
	}
}

func meta(name string, at time.Time) domain.JobMetadata {
	return domain.JobMetadata{
		OriginalFilename: name,
		FileSizeBytes:    2048,
		UploadedAt:       at,
	}
}

func startUpdate() domain.JobUpdate {
	now := time.Now()
	return domain.JobUpdate{
		Status:      domain.Ptr(domain.JobStatusProcessing),
		Progress:    domain.Ptr(5),
		CurrentStep: domain.Ptr(domain.StepInvokingOCR),
		StartedAt:   &now,
	}
}

func TestStore_Conformance(t *testing.T) {
	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				created, err := s.Create(ctx, meta("paper.pdf", time.Now()))
				require.NoError(t, err)
				assert.NotEmpty(t, created.JobID)
				assert.Equal(t, domain.JobStatusUploaded, created.Status)

				got, err := s.Get(ctx, created.JobID)
				require.NoError(t, err)
				assert.Equal(t, created.JobID, got.JobID)
				assert.Equal(t, "paper.pdf", got.OriginalFilename)
				assert.Equal(t, int64(2048), got.FileSizeBytes)
				assert.True(t, created.UploadedAt.Sub(got.UploadedAt).Abs() < time.Millisecond)
			})

			t.Run("unique ids", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				seen := map[string]bool{}
				for i := 0; i < 20; i++ {
					job, err := s.Create(ctx, meta("a.pdf", time.Now()))
					require.NoError(t, err)
					assert.False(t, seen[job.JobID])
					seen[job.JobID] = true
				}
			})

			t.Run("unknown job", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				_, err := s.Get(ctx, "00000000-0000-4000-8000-000000000000")
				assert.ErrorIs(t, err, domain.ErrJobNotFound)

				_, err = s.Update(ctx, "00000000-0000-4000-8000-000000000000", startUpdate())
				assert.ErrorIs(t, err, domain.ErrJobNotFound)
			})

			t.Run("full lifecycle", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				job, err := s.Create(ctx, meta("paper.pdf", time.Now()))
				require.NoError(t, err)

				job, err = s.Update(ctx, job.JobID, startUpdate())
				require.NoError(t, err)
				assert.Equal(t, domain.JobStatusProcessing, job.Status)

				job, err = s.Update(ctx, job.JobID, domain.JobUpdate{Progress: domain.Ptr(50)})
				require.NoError(t, err)

				done := time.Now().Add(2 * time.Second)
				job, err = s.Update(ctx, job.JobID, domain.JobUpdate{
					Status:        domain.Ptr(domain.JobStatusCompleted),
					Progress:      domain.Ptr(100),
					CompletedAt:   &done,
					Stats:         &domain.Stats{TotalPages: 3, Tables: 1},
					MineruSuccess: domain.Ptr(true),
				})
				require.NoError(t, err)

				got, err := s.Get(ctx, job.JobID)
				require.NoError(t, err)
				assert.Equal(t, domain.JobStatusCompleted, got.Status)
				assert.Equal(t, 100, got.Progress)
				require.NotNil(t, got.Stats)
				assert.Equal(t, 3, got.Stats.TotalPages)
				assert.Equal(t, 1, got.Stats.Tables)
				assert.True(t, got.MineruSuccess)
				require.NotNil(t, got.ElapsedSeconds)
				assert.InDelta(t, 2.0, *got.ElapsedSeconds, 0.01)
				assert.Nil(t, got.ErrorMessage)

				_, err = s.Update(ctx, job.JobID, domain.JobUpdate{Status: domain.Ptr(domain.JobStatusProcessing)})
				assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
			})

			t.Run("rejected update leaves record unchanged", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				job, err := s.Create(ctx, meta("paper.pdf", time.Now()))
				require.NoError(t, err)
				_, err = s.Update(ctx, job.JobID, startUpdate())
				require.NoError(t, err)

				_, err = s.Update(ctx, job.JobID, domain.JobUpdate{Progress: domain.Ptr(2)})
				assert.ErrorIs(t, err, domain.ErrInvalidUpdate)

				got, err := s.Get(ctx, job.JobID)
				require.NoError(t, err)
				assert.Equal(t, 5, got.Progress)
			})

			t.Run("concurrent start has a single winner", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				job, err := s.Create(ctx, meta("paper.pdf", time.Now()))
				require.NoError(t, err)

				const n = 8
				var wg sync.WaitGroup
				errs := make([]error, n)
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, errs[i] = s.Update(ctx, job.JobID, startUpdate())
					}(i)
				}
				wg.Wait()

				wins := 0
				for _, err := range errs {
					if err == nil {
						wins++
						continue
					}
					assert.True(t, errors.Is(err, domain.ErrAlreadyProcessing), "unexpected error: %v", err)
				}
				assert.Equal(t, 1, wins)
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				job, err := s.Create(ctx, meta("paper.pdf", time.Now()))
				require.NoError(t, err)

				require.NoError(t, s.Delete(ctx, job.JobID))
				require.NoError(t, s.Delete(ctx, job.JobID))

				_, err = s.Get(ctx, job.JobID)
				assert.ErrorIs(t, err, domain.ErrJobNotFound)
			})

			t.Run("list ordered by upload time", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

				third, err := s.Create(ctx, meta("c.pdf", base.Add(2*time.Minute)))
				require.NoError(t, err)
				first, err := s.Create(ctx, meta("a.pdf", base))
				require.NoError(t, err)
				second, err := s.Create(ctx, meta("b.pdf", base.Add(time.Minute)))
				require.NoError(t, err)

				jobs, err := s.List(ctx)
				require.NoError(t, err)
				require.Len(t, jobs, 3)
				assert.Equal(t, first.JobID, jobs[0].JobID)
				assert.Equal(t, second.JobID, jobs[1].JobID)
				assert.Equal(t, third.JobID, jobs[2].JobID)
			})

			t.Run("returned jobs are copies", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				job, err := s.Create(ctx, meta("paper.pdf", time.Now()))
				require.NoError(t, err)

				job.Status = domain.JobStatusFailed
				job.OriginalFilename = "mutated.pdf"

				got, err := s.Get(ctx, job.JobID)
				require.NoError(t, err)
				assert.Equal(t, domain.JobStatusUploaded, got.Status)
				assert.Equal(t, "paper.pdf", got.OriginalFilename)
			})
		})
	}
}

func TestMemoryStore_ConcurrentReadsDuringUpdates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	job, err := s.Create(ctx, meta("paper.pdf", time.Now()))
	require.NoError(t, err)
	_, err = s.Update(ctx, job.JobID, startUpdate())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for p := 6; p <= 99; p++ {
			_, err := s.Update(ctx, job.JobID, domain.JobUpdate{Progress: domain.Ptr(p)})
			assert.NoError(t, err)
		}
	}()

	last := 0
	for i := 0; i < 200; i++ {
		got, err := s.Get(ctx, job.JobID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got.Progress, last)
		last = got.Progress
	}
	wg.Wait()
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.Lock("a")
	unlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}

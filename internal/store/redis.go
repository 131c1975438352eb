package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/paper-loom/internal/domain"
	redisclient "github.com/cuongbtq/paper-loom/shared/redis"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// maxWatchRetries bounds optimistic retries when another writer touched the job key
const maxWatchRetries = 16

// stringGetter is satisfied by both *redis.Client and *redis.Tx
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore keeps one JSON snapshot per job plus a set of job ids
type RedisStore struct {
	client *redisclient.Client
	cli    *redis.Client
	logger *slog.Logger
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client *redisclient.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		cli:    client.Raw(),
		logger: logger,
	}
}

func (s *RedisStore) jobKey(jobID string) string {
	return s.client.Key("job", jobID)
}

func (s *RedisStore) indexKey() string {
	return s.client.Key("jobs")
}

func (s *RedisStore) Create(ctx context.Context, meta domain.JobMetadata) (*domain.Job, error) {
	job := domain.NewJob(uuid.NewString(), meta)

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = s.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, s.jobKey(job.JobID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), job.JobID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return job, nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.get(ctx, s.cli, jobID)
}

func (s *RedisStore) get(ctx context.Context, c stringGetter, jobID string) (*domain.Job, error) {
	data, err := c.Get(ctx, s.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) Update(ctx context.Context, jobID string, update domain.JobUpdate) (*domain.Job, error) {
	key := s.jobKey(jobID)

	var result *domain.Job
	txf := func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, jobID)
		if err != nil {
			return err
		}

		next, err := current.Apply(update)
		if err != nil {
			return err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}

		result = next
		return nil
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.cli.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("Job update conflicted, retrying",
				slog.String("job_id", jobID),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("failed to update job %s: too many concurrent writers", jobID)
}

func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	_, err := s.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.jobKey(jobID))
		pipe.SRem(ctx, s.indexKey(), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*domain.Job, error) {
	ids, err := s.cli.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list job ids: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}

	values, err := s.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// deleted between SMEMBERS and MGET
			continue
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			s.logger.Warn("Skipping unreadable job record",
				slog.String("job_id", ids[i]),
				slog.Any("error", err),
			)
			continue
		}
		jobs = append(jobs, &job)
	}

	sortJobs(jobs)
	return jobs, nil
}

// Close is a no-op; the Redis client is owned by the caller
func (s *RedisStore) Close() error {
	return nil
}

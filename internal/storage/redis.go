package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gif-forge/internal/model"
)

const (
	redisJobPrefix = "gifforge:job:"
	redisJobIndex  = "gifforge:jobs"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisStore keeps one JSON record per job plus a sorted set ordered by
// creation time for listing.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ JobStore = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	s := &RedisStore{client: client, ttl: cfg.TTL}
	if err := s.recoverInterrupted(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis recover jobs: %w", err)
	}
	return s, nil
}

// recoverInterrupted fails jobs left unfinished by a previous process. One
// server owns a Redis database; a second live server would see its running
// jobs marked failed.
func (s *RedisStore) recoverInterrupted(ctx context.Context) error {
	ids, err := s.client.ZRange(ctx, redisJobIndex, 0, -1).Result()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if job == nil || job.Status.Finished() {
			continue
		}
		job.Status = model.JobFailed
		job.Error = "interrupted by server restart"
		job.ErrorCode = "io_failure"
		job.UpdatedAt = now
		if err := s.Put(ctx, *job); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Put(ctx context.Context, job model.Job) error {
	if job.ID == "" {
		return errors.New("job id is empty")
	}
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisJobPrefix+job.ID, b, s.ttl)
	pipe.ZAdd(ctx, redisJobIndex, redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Job, error) {
	b, err := s.client.Get(ctx, redisJobPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns jobs newest first. Index entries whose record expired are
// dropped from the index as they are found.
func (s *RedisStore) List(ctx context.Context, limit int) ([]model.Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, redisJobIndex, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			s.client.ZRem(ctx, redisJobIndex, id)
			continue
		}
		out = append(out, *job)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

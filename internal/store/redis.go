package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tecnicocursos/render-api/internal/model"
)

const maxWatchRetries = 16

var ErrConflict = errors.New("job update conflict")

// RedisStore keeps each job as a JSON string plus a per-project sorted index.
type RedisStore struct {
	redis     *redis.Client
	retention time.Duration
}

func NewRedisStore(redisClient *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{redis: redisClient, retention: retention}
}

func jobKey(id string) string {
	return fmt.Sprintf("render:job:%s", id)
}

func projectIndexKey(projectID string) string {
	return fmt.Sprintf("render:project:%s:jobs", projectID)
}

func (s *RedisStore) Create(ctx context.Context, job *model.Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	ok, err := s.redis.SetNX(ctx, jobKey(job.ID), data, s.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	idx := projectIndexKey(job.ProjectID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, idx, redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
		pipe.Expire(ctx, idx, s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeJob(data)
}

// Update runs fn under WATCH so concurrent writers retry instead of overwriting each other.
func (s *RedisStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Job, error) {
	key := jobKey(id)
	var result *model.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		job, err := decodeJob(data)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		out, err := encodeJob(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.retention)
			return nil
		})
		if err != nil {
			return err
		}
		result = job
		return nil
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, ErrConflict
}

func (s *RedisStore) ListByProject(ctx context.Context, projectID string, filter ListFilter) ([]*model.Job, error) {
	idx := projectIndexKey(projectID)
	ids, err := s.redis.ZRevRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, filter.limit())
	const batch = 100
	for start := 0; start < len(ids) && len(jobs) < filter.limit(); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, jobKey(id))
		}
		values, err := s.redis.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				// expired record, drop it from the index
				s.redis.ZRem(ctx, idx, ids[start+i])
				continue
			}
			job, err := decodeJob([]byte(raw))
			if err != nil {
				return nil, err
			}
			if filter.match(job) {
				jobs = append(jobs, job)
				if len(jobs) == filter.limit() {
					break
				}
			}
		}
	}
	return jobs, nil
}

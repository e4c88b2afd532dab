// Package project stores the slide timelines that render jobs snapshot.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/tecnicocursos/render-api/internal/model"
)

var ErrNotFound = errors.New("project not found")

// Repository reads and writes projects.
type Repository interface {
	Get(ctx context.Context, id string) (*model.Project, error)
	Save(ctx context.Context, p *model.Project) error
}

// MemoryRepository keeps projects in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	projects map[string]*model.Project
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{projects: make(map[string]*model.Project)}
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*model.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	c.Timeline = p.Timeline.Snapshot()
	return &c, nil
}

func (r *MemoryRepository) Save(_ context.Context, p *model.Project) error {
	c := *p
	c.Timeline = p.Timeline.Snapshot()
	r.mu.Lock()
	r.projects[p.ID] = &c
	r.mu.Unlock()
	return nil
}

// RedisRepository stores each project as JSON under project:<id>.
type RedisRepository struct {
	redis *redis.Client
}

func NewRedisRepository(redisClient *redis.Client) *RedisRepository {
	return &RedisRepository{redis: redisClient}
}

func projectKey(id string) string {
	return fmt.Sprintf("project:%s", id)
}

func (r *RedisRepository) Get(ctx context.Context, id string) (*model.Project, error) {
	data, err := r.redis.Get(ctx, projectKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	var p model.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal project: %w", err)
	}
	return &p, nil
}

func (r *RedisRepository) Save(ctx context.Context, p *model.Project) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}
	if err := r.redis.Set(ctx, projectKey(p.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tecnicocursos/render-api/internal/model"
)

// MemoryStore keeps jobs in process memory. Suitable for a single node and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.Job)}
}

func (s *MemoryStore) Create(_ context.Context, job *model.Job) error {
	c, err := cloneJob(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}
	s.jobs[job.ID] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job)
}

func (s *MemoryStore) Update(_ context.Context, id string, fn UpdateFunc) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	working, err := cloneJob(current)
	if err != nil {
		return nil, err
	}
	if err := fn(working); err != nil {
		return nil, err
	}
	stored, err := cloneJob(working)
	if err != nil {
		return nil, err
	}
	s.jobs[id] = stored
	return working, nil
}

func (s *MemoryStore) ListByProject(_ context.Context, projectID string, filter ListFilter) ([]*model.Job, error) {
	s.mu.RLock()
	var matched []*model.Job
	for _, job := range s.jobs {
		if job.ProjectID == projectID && filter.match(job) {
			matched = append(matched, job)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > filter.limit() {
		matched = matched[:filter.limit()]
	}

	out := make([]*model.Job, 0, len(matched))
	for _, job := range matched {
		c, err := cloneJob(job)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ListUnfinished returns queued and processing jobs, oldest first.
func (s *MemoryStore) ListUnfinished(_ context.Context) ([]*model.Job, error) {
	s.mu.RLock()
	var out []*model.Job
	for _, job := range s.jobs {
		if job.Status.IsTerminal() {
			continue
		}
		c, err := cloneJob(job)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

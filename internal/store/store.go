// Package store persists render jobs. Every backend offers atomic
// read-modify-write of a single job record.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tecnicocursos/render-api/internal/model"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrAlreadyExists = errors.New("job already exists")
)

// DefaultListLimit caps ListByProject when the filter sets no limit.
const DefaultListLimit = 50

// ListFilter narrows ListByProject results.
type ListFilter struct {
	Status model.JobStatus
	Limit  int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f ListFilter) match(job *model.Job) bool {
	return f.Status == "" || job.Status == f.Status
}

// UpdateFunc mutates a job in place. Returning an error aborts the write.
type UpdateFunc func(job *model.Job) error

// JobStore is the source of truth for job state.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	// Update applies fn atomically and returns the stored result.
	Update(ctx context.Context, id string, fn UpdateFunc) (*model.Job, error)
	// ListByProject returns jobs most recent first.
	ListByProject(ctx context.Context, projectID string, filter ListFilter) ([]*model.Job, error)
}

// UnfinishedLister is implemented by stores that can enumerate queued and
// processing jobs, oldest first, so a fresh queue can be refilled.
type UnfinishedLister interface {
	ListUnfinished(ctx context.Context) ([]*model.Job, error)
}

func encodeJob(job *model.Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

func decodeJob(data []byte) (*model.Job, error) {
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func cloneJob(job *model.Job) (*model.Job, error) {
	data, err := encodeJob(job)
	if err != nil {
		return nil, err
	}
	return decodeJob(data)
}

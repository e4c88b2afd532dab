package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecnicocursos/render-api/internal/model"
	"github.com/tecnicocursos/render-api/internal/store"
)

func TestRequeue_ResumesJobsAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	queued, claimed, done := renderJob(), renderJob(), renderJob()
	before, err := store.OpenSQLite(path)
	require.NoError(t, err)
	for _, job := range []*model.Job{queued, claimed, done} {
		require.NoError(t, before.Create(ctx, job))
	}
	_, err = before.Update(ctx, claimed.ID, func(j *model.Job) error {
		return j.Claim("crashed-worker", time.Now())
	})
	require.NoError(t, err)
	_, err = before.Update(ctx, done.ID, func(j *model.Job) error {
		if err := j.Claim("w", time.Now()); err != nil {
			return err
		}
		return j.Complete("w", model.JobOutput{ArtifactRef: "renders/x.mp4"}, time.Now())
	})
	require.NoError(t, err)
	require.NoError(t, before.Close())

	// the process comes back with the same database and an empty queue
	after, err := store.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = after.Close() })
	e := newEnvWithStore(t, after, 0)

	n, err := Requeue(ctx, after, e.queue, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// pushing twice does not duplicate entries
	_, err = Requeue(ctx, after, e.queue, nil)
	require.NoError(t, err)
	stats, err := e.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)

	p := e.pool()
	p.Start(ctx)
	defer p.Stop()

	assert.Equal(t, 1, e.waitStatus(t, queued.ID, model.JobStatusCompleted).Attempt)
	// the crashed worker's job counts as a recovered lease
	assert.Equal(t, 2, e.waitStatus(t, claimed.ID, model.JobStatusCompleted).Attempt)
	assert.Equal(t, "renders/x.mp4", e.job(t, done.ID).Output.ArtifactRef)
}

type unavailableStore struct {
	store.JobStore
	updates atomic.Int64
}

func (s *unavailableStore) Update(context.Context, string, store.UpdateFunc) (*model.Job, error) {
	s.updates.Add(1)
	return nil, errors.New("connection refused")
}

func TestPool_BacksOffWhileStoreUnavailable(t *testing.T) {
	st := &unavailableStore{JobStore: store.NewMemoryStore()}
	e := newEnvWithStore(t, st, 0)
	ctx := context.Background()
	require.NoError(t, e.queue.Push(ctx, model.QueueEntry{JobID: "job-1", EnqueuedAt: time.Now()}))

	p := NewPool(e.queue, e.executor, PoolConfig{
		Concurrency:     1,
		LeaseTTL:        time.Minute,
		PollInterval:    50 * time.Millisecond,
		ReclaimInterval: time.Second,
	}, nil)
	p.Start(ctx)
	time.Sleep(220 * time.Millisecond)
	p.Stop()

	calls := st.updates.Load()
	assert.GreaterOrEqual(t, calls, int64(1))
	assert.LessOrEqual(t, calls, int64(6))

	stats, err := e.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

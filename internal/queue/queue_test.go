package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecnicocursos/render-api/internal/model"
)

func queues(t *testing.T) map[string]Queue {
	t.Helper()
	out := map[string]Queue{"memory": NewMemoryQueue()}

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := rdb.Ping(context.Background()).Err(); err == nil {
		prefix := "test:queue:" + uuid.NewString()
		q := NewRedisQueue(rdb, prefix)
		t.Cleanup(func() {
			rdb.Del(context.Background(), q.keys...)
			_ = rdb.Close()
		})
		out["redis"] = q
	} else {
		_ = rdb.Close()
	}
	return out
}

func entry(id string, p model.Priority, at time.Time) model.QueueEntry {
	return model.QueueEntry{JobID: id, Priority: p, EnqueuedAt: at}
}

func TestQueue_ClaimEmpty(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			_, err := q.Claim(context.Background(), "w1", time.Minute)
			assert.ErrorIs(t, err, ErrEmpty)
		})
	}
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Minute)
			require.NoError(t, q.Push(ctx, entry("low", model.PriorityLow, base)))
			require.NoError(t, q.Push(ctx, entry("normal-2", model.PriorityNormal, base.Add(2*time.Second))))
			require.NoError(t, q.Push(ctx, entry("normal-1", model.PriorityNormal, base.Add(time.Second))))
			require.NoError(t, q.Push(ctx, entry("urgent", model.PriorityUrgent, base.Add(3*time.Second))))

			var order []string
			for i := 0; i < 4; i++ {
				lease, err := q.Claim(ctx, "w1", time.Minute)
				require.NoError(t, err)
				order = append(order, lease.Entry.JobID)
			}
			assert.Equal(t, []string{"urgent", "normal-1", "normal-2", "low"}, order)
		})
	}
}

func TestQueue_DuplicatePushIgnored(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := entry("job-1", model.PriorityNormal, time.Now())
			require.NoError(t, q.Push(ctx, e))
			require.NoError(t, q.Push(ctx, e))

			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Pending)

			_, err = q.Claim(ctx, "w1", time.Minute)
			require.NoError(t, err)
			require.NoError(t, q.Push(ctx, e))

			stats, err = q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), stats.Pending)
			assert.Equal(t, int64(1), stats.Leased)
		})
	}
}

func TestQueue_AckAndRelease(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Push(ctx, entry("job-1", model.PriorityNormal, time.Now())))

			lease, err := q.Claim(ctx, "w1", time.Minute)
			require.NoError(t, err)
			require.NoError(t, q.Release(ctx, lease))
			assert.ErrorIs(t, q.Ack(ctx, lease), ErrLeaseLost)

			again, err := q.Claim(ctx, "w2", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "job-1", again.Entry.JobID)
			require.NoError(t, q.Extend(ctx, again, time.Minute))
			require.NoError(t, q.Ack(ctx, again))

			_, err = q.Claim(ctx, "w3", time.Minute)
			assert.ErrorIs(t, err, ErrEmpty)
		})
	}
}

func TestQueue_ExpiredLeaseIsReclaimed(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Push(ctx, entry("job-1", model.PriorityNormal, time.Now())))

			first, err := q.Claim(ctx, "w1", 50*time.Millisecond)
			require.NoError(t, err)

			n, err := q.ReclaimExpired(ctx, time.Now())
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			n, err = q.ReclaimExpired(ctx, time.Now().Add(time.Second))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			second, err := q.Claim(ctx, "w2", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "job-1", second.Entry.JobID)
			assert.NotEqual(t, first.Token, second.Token)

			// the crashed holder can no longer settle the entry
			assert.ErrorIs(t, q.Ack(ctx, first), ErrLeaseLost)
			assert.ErrorIs(t, q.Extend(ctx, first, time.Minute), ErrLeaseLost)
			require.NoError(t, q.Ack(ctx, second))
		})
	}
}

func TestRenderTask_RoundTrip(t *testing.T) {
	e := entry("job-42", model.PriorityHigh, time.Now().UTC())
	task, err := NewRenderTask(e)
	require.NoError(t, err)
	assert.Equal(t, TaskTypeRender, task.Type())

	p, err := ParseRenderTask(task)
	require.NoError(t, err)
	assert.Equal(t, "job-42", p.JobID)

	_, err = ParseRenderTask(asynq.NewTask(TaskTypeRender, []byte(`{}`)))
	assert.Error(t, err)
}

func TestAsynqQueueFor(t *testing.T) {
	assert.Equal(t, AsynqQueueUrgent, asynqQueueFor(model.PriorityUrgent))
	assert.Equal(t, AsynqQueueNormal, asynqQueueFor(""))
	assert.Equal(t, AsynqQueueLow, asynqQueueFor(model.PriorityLow))
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tecnicocursos/render-api/internal/model"
)

const TaskTypeRender = "render:process"

// Asynq queue names, one per priority.
const (
	AsynqQueueUrgent = "render-urgent"
	AsynqQueueHigh   = "render-high"
	AsynqQueueNormal = "render-normal"
	AsynqQueueLow    = "render-low"
)

// AsynqQueueWeights feeds asynq.Config.Queues.
var AsynqQueueWeights = map[string]int{
	AsynqQueueUrgent: 8,
	AsynqQueueHigh:   4,
	AsynqQueueNormal: 2,
	AsynqQueueLow:    1,
}

func asynqQueueFor(p model.Priority) string {
	switch p {
	case model.PriorityUrgent:
		return AsynqQueueUrgent
	case model.PriorityHigh:
		return AsynqQueueHigh
	case model.PriorityLow:
		return AsynqQueueLow
	}
	return AsynqQueueNormal
}

// RenderTaskPayload is the asynq task body. It only references the job.
type RenderTaskPayload struct {
	JobID      string    `json:"jobId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// AsynqEnqueuer hands entries to asynq, which then owns leasing and redelivery.
type AsynqEnqueuer struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	maxRetry  int
	retention time.Duration
}

func NewAsynqEnqueuer(client *asynq.Client, inspector *asynq.Inspector, maxRetry int, retention time.Duration) *AsynqEnqueuer {
	return &AsynqEnqueuer{
		client:    client,
		inspector: inspector,
		maxRetry:  maxRetry,
		retention: retention,
	}
}

func NewRenderTask(entry model.QueueEntry) (*asynq.Task, error) {
	data, err := json.Marshal(RenderTaskPayload{JobID: entry.JobID, EnqueuedAt: entry.EnqueuedAt})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRender, data), nil
}

// ParseRenderTask extracts the job reference from an asynq task.
func ParseRenderTask(t *asynq.Task) (RenderTaskPayload, error) {
	var p RenderTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if p.JobID == "" {
		return p, errors.New("task payload has no job id")
	}
	return p, nil
}

// Push enqueues the entry. The job id is the task id, so a duplicate push is a no-op.
func (q *AsynqEnqueuer) Push(ctx context.Context, entry model.QueueEntry) error {
	task, err := NewRenderTask(entry)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(asynqQueueFor(entry.Priority)),
		asynq.TaskID(entry.JobID),
		asynq.MaxRetry(q.maxRetry),
		asynq.Retention(q.retention),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (q *AsynqEnqueuer) Stats(_ context.Context) (Stats, error) {
	stats := Stats{ByQueue: make(map[string]int64, len(AsynqQueueWeights))}
	if q.inspector == nil {
		return stats, nil
	}
	for name := range AsynqQueueWeights {
		info, err := q.inspector.GetQueueInfo(name)
		if err != nil {
			// queue not created until the first task lands in it
			continue
		}
		waiting := int64(info.Pending + info.Scheduled + info.Retry)
		stats.ByQueue[name] = waiting
		stats.Pending += waiting
		stats.Leased += int64(info.Active)
	}
	return stats, nil
}

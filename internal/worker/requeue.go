package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tecnicocursos/render-api/internal/model"
	"github.com/tecnicocursos/render-api/internal/queue"
	"github.com/tecnicocursos/render-api/internal/store"
)

// Requeue pushes every queued or processing job back onto q. It is run at
// startup when the queue does not survive a restart but the store does.
// Entries already waiting or leased are left alone by Push.
func Requeue(ctx context.Context, st store.UnfinishedLister, q queue.Enqueuer, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	jobs, err := st.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	for _, job := range jobs {
		entry := model.QueueEntry{JobID: job.ID, EnqueuedAt: job.CreatedAt, Priority: job.Priority}
		if err := q.Push(ctx, entry); err != nil {
			return 0, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
		}
		logger.Debug("Requeued unfinished job", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
	}
	if len(jobs) > 0 {
		logger.Info("Requeued unfinished jobs", zap.Int("count", len(jobs)))
	}
	return len(jobs), nil
}

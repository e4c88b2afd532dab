package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/tecnicocursos/render-api/internal/pipeline"
	"github.com/tecnicocursos/render-api/internal/queue"
)

// errInterrupted makes asynq redeliver a job cut short by shutdown.
var errInterrupted = errors.New("render interrupted")

// RenderWorker processes render tasks delivered by asynq. Asynq owns the
// lease; the pipeline owns retries.
type RenderWorker struct {
	executor *Executor
	logger   *zap.Logger
}

// NewRenderWorker creates a new render worker
func NewRenderWorker(executor *Executor, logger *zap.Logger) *RenderWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RenderWorker{executor: executor, logger: logger}
}

// ProcessTask handles render task processing
func (w *RenderWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := queue.ParseRenderTask(t)
	if err != nil {
		w.logger.Error("Discarding malformed render task", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	// each delivery is its own lease
	owner := "asynq-" + uuid.NewString()
	outcome, err := w.executor.Execute(ctx, payload.JobID, owner, nil)
	if err != nil {
		w.logger.Warn("Render task error", zap.String("job_id", payload.JobID), zap.Error(err))
	}

	switch outcome {
	case pipeline.OutcomeInterrupted:
		if err != nil {
			return err
		}
		return errInterrupted
	default:
		return nil
	}
}

// Package worker claims render jobs and drives them through the pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tecnicocursos/render-api/internal/model"
	"github.com/tecnicocursos/render-api/internal/pipeline"
	"github.com/tecnicocursos/render-api/internal/progress"
	"github.com/tecnicocursos/render-api/internal/queue"
	"github.com/tecnicocursos/render-api/internal/store"
)

// KeepAlive renews whatever claim the caller holds on the queue entry.
type KeepAlive func(ctx context.Context) error

// Executor runs one delivered job: claim in the store, heartbeat, pipeline, settle.
type Executor struct {
	store     store.JobStore
	pipeline  *pipeline.Pipeline
	broker    progress.Broker
	logger    *zap.Logger
	heartbeat time.Duration
	now       func() time.Time
}

func NewExecutor(st store.JobStore, p *pipeline.Pipeline, broker progress.Broker, logger *zap.Logger, heartbeat time.Duration) *Executor {
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:     st,
		pipeline:  p,
		broker:    broker,
		logger:    logger,
		heartbeat: heartbeat,
		now:       time.Now,
	}
}

// Execute processes jobID under the owner token. The returned outcome tells
// the caller whether to acknowledge the queue entry or give it back.
func (e *Executor) Execute(ctx context.Context, jobID, owner string, keepAlive KeepAlive) (pipeline.Outcome, error) {
	log := e.logger.With(zap.String("job_id", jobID), zap.String("owner", owner))

	job, err := e.store.Update(ctx, jobID, func(j *model.Job) error {
		return j.Claim(owner, e.now())
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("Dropping queue entry for unknown job")
		return pipeline.OutcomeCancelled, nil
	case errors.Is(err, model.ErrInvalidTransition):
		// cancelled while queued, or settled by a previous delivery
		current, gerr := e.store.Get(ctx, jobID)
		if gerr != nil {
			return pipeline.OutcomeInterrupted, gerr
		}
		log.Info("Skipping finished job", zap.String("status", string(current.Status)))
		return terminalOutcome(current.Status), nil
	case err != nil:
		return pipeline.OutcomeInterrupted, fmt.Errorf("failed to claim job: %w", err)
	}

	if job.AttemptsExhausted() {
		log.Warn("Job recovered with no attempts left", zap.Int("attempt", job.Attempt))
		failed, ferr := e.store.Update(ctx, jobID, func(j *model.Job) error {
			return j.Fail(owner, model.JobError{
				Kind:    model.ErrorKindTransientFailure,
				Message: fmt.Sprintf("The render did not finish after %d attempts", j.MaxAttempts),
				Stage:   j.CurrentStep,
			}, e.now())
		})
		if ferr != nil {
			return pipeline.OutcomeInterrupted, ferr
		}
		e.publish(ctx, model.TerminalEventType(failed.Status), failed)
		return pipeline.OutcomeFailed, nil
	}

	log.Info("Render job claimed", zap.Int("attempt", job.Attempt), zap.Int("total_steps", job.TotalSteps))
	e.publish(ctx, model.EventTypeProgress, job)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var leaseLost atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.watch(runCtx, jobID, owner, keepAlive, cancel, &leaseLost, log)
	}()

	start := time.Now()
	outcome := e.pipeline.Run(runCtx, job, owner)
	cancel()
	<-done

	if outcome == pipeline.OutcomeInterrupted {
		if leaseLost.Load() {
			outcome = pipeline.OutcomeLeaseLost
		} else {
			e.abandon(ctx, jobID, owner, log)
		}
	}
	log.Info("Render job finished", zap.Stringer("outcome", outcome), zap.Duration("took", time.Since(start)))
	return outcome, nil
}

// watch renews the queue lease and stops the run once the job is cancelled
// or the lease is gone.
func (e *Executor) watch(ctx context.Context, jobID, owner string, keepAlive KeepAlive, stop context.CancelFunc, leaseLost *atomic.Bool, log *zap.Logger) {
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if keepAlive != nil {
			if err := keepAlive(ctx); err != nil {
				if errors.Is(err, queue.ErrLeaseLost) {
					log.Warn("Lease lost, stopping run")
					leaseLost.Store(true)
					stop()
					return
				}
				log.Warn("Failed to extend lease", zap.Error(err))
			}
		}

		current, err := e.store.Get(ctx, jobID)
		if err != nil {
			continue
		}
		if current.Status == model.JobStatusCancelled {
			log.Info("Cancellation observed, stopping run")
			stop()
			return
		}
		if current.Status == model.JobStatusProcessing && current.LeaseOwner != owner {
			leaseLost.Store(true)
			stop()
			return
		}
	}
}

// abandon gives the job back without consuming the attempt.
func (e *Executor) abandon(ctx context.Context, jobID, owner string, log *zap.Logger) {
	_, err := e.store.Update(context.WithoutCancel(ctx), jobID, func(j *model.Job) error {
		return j.Abandon(owner, e.now())
	})
	if err != nil && !errors.Is(err, model.ErrInvalidTransition) && !errors.Is(err, model.ErrNotLeaseOwner) {
		log.Warn("Failed to abandon job", zap.Error(err))
	}
}

func (e *Executor) publish(ctx context.Context, eventType string, job *model.Job) {
	if e.broker != nil {
		e.broker.Publish(ctx, model.NewProgressEvent(eventType, job, e.now()))
	}
}

func terminalOutcome(s model.JobStatus) pipeline.Outcome {
	switch s {
	case model.JobStatusCompleted:
		return pipeline.OutcomeCompleted
	case model.JobStatusFailed:
		return pipeline.OutcomeFailed
	case model.JobStatusCancelled:
		return pipeline.OutcomeCancelled
	}
	return pipeline.OutcomeLeaseLost
}

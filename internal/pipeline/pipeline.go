// Package pipeline executes the ordered render stages for one claimed job.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tecnicocursos/render-api/internal/client"
	"github.com/tecnicocursos/render-api/internal/model"
	"github.com/tecnicocursos/render-api/internal/progress"
	"github.com/tecnicocursos/render-api/internal/store"
)

// Outcome is how a pipeline run ended for the calling worker.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeCancelled
	// OutcomeLeaseLost means another worker owns the job now.
	OutcomeLeaseLost
	// OutcomeInterrupted means the worker is shutting down mid-run.
	OutcomeInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeLeaseLost:
		return "lease_lost"
	case OutcomeInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// Deps are the collaborators of the default stage list.
type Deps struct {
	Storage              client.StorageClient
	TTS                  Synthesizer
	Renderer             Encoder
	SupportedMediaCodecs []string
	MaxDurationMs        int
	SignedURLTTL         time.Duration
}

// DefaultStages returns the five render stages in execution order.
func DefaultStages(d Deps) []Stage {
	return []Stage{
		&AssetPreparation{Storage: d.Storage},
		&NarrationSynthesis{TTS: d.TTS},
		&Composition{SupportedMediaCodecs: d.SupportedMediaCodecs, MaxDurationMs: d.MaxDurationMs},
		&Encode{Renderer: d.Renderer},
		&Finalize{Storage: d.Storage, SignedTTL: d.SignedURLTTL},
	}
}

// Config tunes retries.
type Config struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Pipeline runs stages against the job store and publishes progress.
type Pipeline struct {
	store  store.JobStore
	broker progress.Broker
	logger *zap.Logger
	stages []Stage
	cfg    Config
	now    func() time.Time
}

func New(st store.JobStore, broker progress.Broker, logger *zap.Logger, cfg Config, stages []Stage) *Pipeline {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:  st,
		broker: broker,
		logger: logger,
		stages: stages,
		cfg:    cfg,
		now:    time.Now,
	}
}

// StagesFor returns the stages a job goes through. Narration is skipped
// unless the job asked for it.
func (p *Pipeline) StagesFor(job *model.Job) []Stage {
	out := make([]Stage, 0, len(p.stages))
	for _, s := range p.stages {
		if s.Name() == model.StageNarrationSynthesis && !job.Input.Settings.NarrationRequested() {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Backoff returns the wait after failed attempt number attempt.
func (p *Pipeline) Backoff(attempt int) time.Duration {
	d := p.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.BackoffMax {
			return p.cfg.BackoffMax
		}
	}
	return d
}

func percent(index, done, parts, total int) int {
	if total == 0 {
		return 0
	}
	if parts <= 0 {
		parts = 1
	}
	return 100 * (index*parts + done) / (total * parts)
}

// Run drives job through its stages. job must already be claimed by owner.
// Store writes after ctx is cancelled still go through so that a terminal
// state is recorded.
func (p *Pipeline) Run(ctx context.Context, job *model.Job, owner string) Outcome {
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("owner", owner))
	stages := p.StagesFor(job)
	total := len(stages)
	run := newRun(job)

	run.commit = func(ctx context.Context, out model.JobOutput) error {
		updated, err := p.store.Update(context.WithoutCancel(ctx), job.ID, func(j *model.Job) error {
			return j.Complete(owner, out, p.now())
		})
		if err != nil {
			return err
		}
		run.Job = updated
		p.publish(ctx, model.TerminalEventType(updated.Status), updated)
		return nil
	}

	for i := 0; i < total; {
		stage := stages[i]
		if outcome, stop := p.checkpoint(ctx, run, owner); stop {
			log.Info("Pipeline stopped at stage boundary",
				zap.String("stage", string(stage.Name())), zap.Stringer("outcome", outcome))
			return outcome
		}

		index := i
		p.advance(ctx, run, owner, stage.Name(), index, percent(index, 0, 1, total))
		run.report = func(ctx context.Context, done, parts int) {
			p.advance(ctx, run, owner, stage.Name(), index, percent(index, done, parts, total))
		}

		start := time.Now()
		err := stage.Execute(ctx, run)
		if err == nil {
			log.Debug("Stage finished",
				zap.String("stage", string(stage.Name())), zap.Duration("took", time.Since(start)))
			if stage.Name() == model.StageFinalize {
				return OutcomeCompleted
			}
			i++
			continue
		}

		outcome, retry := p.handleError(ctx, run, owner, stage, err, log)
		if !retry {
			return outcome
		}
		if !stage.Idempotent() {
			run.reset()
			i = 0
		}
	}
	// a stage list without finalize never completes the job
	return p.settle(ctx, run, owner)
}

// checkpoint re-reads the job between stages. Cancellation and lease loss
// are observed here.
func (p *Pipeline) checkpoint(ctx context.Context, run *Run, owner string) (Outcome, bool) {
	current, err := p.store.Get(context.WithoutCancel(ctx), run.Job.ID)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeInterrupted, true
		}
		// store hiccup; keep going on the last known state
		p.logger.Warn("Failed to reload job at checkpoint", zap.String("job_id", run.Job.ID), zap.Error(err))
		return 0, false
	}
	if outcome, stop := p.stateOutcome(current, owner); stop {
		return outcome, true
	}
	if ctx.Err() != nil {
		return OutcomeInterrupted, true
	}
	run.Job = current
	return 0, false
}

func (p *Pipeline) stateOutcome(job *model.Job, owner string) (Outcome, bool) {
	switch job.Status {
	case model.JobStatusCancelled:
		return OutcomeCancelled, true
	case model.JobStatusCompleted:
		return OutcomeCompleted, true
	case model.JobStatusFailed:
		return OutcomeFailed, true
	case model.JobStatusProcessing:
		if job.LeaseOwner != owner {
			return OutcomeLeaseLost, true
		}
		return 0, false
	}
	return OutcomeLeaseLost, true
}

// settle decides the outcome from the stored record after the run was cut short.
func (p *Pipeline) settle(ctx context.Context, run *Run, owner string) Outcome {
	current, err := p.store.Get(context.WithoutCancel(ctx), run.Job.ID)
	if err != nil {
		p.logger.Warn("Failed to reload job", zap.String("job_id", run.Job.ID), zap.Error(err))
		return OutcomeInterrupted
	}
	if outcome, stop := p.stateOutcome(current, owner); stop {
		return outcome
	}
	return OutcomeInterrupted
}

func (p *Pipeline) handleError(ctx context.Context, run *Run, owner string, stage Stage, err error, log *zap.Logger) (Outcome, bool) {
	if ctx.Err() != nil || errors.Is(err, model.ErrNotLeaseOwner) || errors.Is(err, model.ErrInvalidTransition) {
		return p.settle(ctx, run, owner), false
	}

	attempt := run.Job.Attempt
	if !IsTransient(err) {
		log.Warn("Stage failed permanently",
			zap.String("stage", string(stage.Name())), zap.Int("attempt", attempt), zap.Error(err))
		return p.fail(ctx, run, owner, model.JobError{
			Kind:    model.ErrorKindPermanentFailure,
			Message: SafeMessage(stage.Name(), err),
			Stage:   stage.Name(),
		}), false
	}

	if run.Job.MaxAttempts > 0 && attempt >= run.Job.MaxAttempts {
		log.Warn("Stage failed, no attempts left",
			zap.String("stage", string(stage.Name())), zap.Int("attempt", attempt), zap.Error(err))
		return p.fail(ctx, run, owner, model.JobError{
			Kind:    model.ErrorKindTransientFailure,
			Message: SafeMessage(stage.Name(), err),
			Stage:   stage.Name(),
		}), false
	}

	updated, uerr := p.store.Update(context.WithoutCancel(ctx), run.Job.ID, func(j *model.Job) error {
		return j.Retry(owner, p.now())
	})
	if uerr != nil {
		return p.settle(ctx, run, owner), false
	}
	run.Job = updated
	p.publish(ctx, model.EventTypeProgress, updated)

	wait := p.Backoff(attempt)
	log.Info("Retrying stage",
		zap.String("stage", string(stage.Name())),
		zap.Int("attempt", updated.Attempt),
		zap.Duration("backoff", wait),
		zap.Error(err))

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return p.settle(ctx, run, owner), false
	case <-t.C:
	}
	return 0, true
}

func (p *Pipeline) fail(ctx context.Context, run *Run, owner string, jobErr model.JobError) Outcome {
	updated, err := p.store.Update(context.WithoutCancel(ctx), run.Job.ID, func(j *model.Job) error {
		return j.Fail(owner, jobErr, p.now())
	})
	if err != nil {
		// cancelled or reclaimed meanwhile
		return p.settle(ctx, run, owner)
	}
	run.Job = updated
	p.publish(ctx, model.TerminalEventType(updated.Status), updated)
	return OutcomeFailed
}

// advance writes progress. Failures are logged; the next checkpoint notices
// a lost lease.
func (p *Pipeline) advance(ctx context.Context, run *Run, owner string, stage model.Stage, index, pct int) {
	updated, err := p.store.Update(context.WithoutCancel(ctx), run.Job.ID, func(j *model.Job) error {
		return j.Advance(owner, stage, index, pct, p.now())
	})
	if err != nil {
		p.logger.Debug("Progress write skipped",
			zap.String("job_id", run.Job.ID), zap.String("stage", string(stage)), zap.Error(err))
		return
	}
	run.Job = updated
	p.publish(ctx, model.EventTypeProgress, updated)
}

func (p *Pipeline) publish(ctx context.Context, eventType string, job *model.Job) {
	if p.broker == nil {
		return
	}
	p.broker.Publish(context.WithoutCancel(ctx), model.NewProgressEvent(eventType, job, p.now()))
}

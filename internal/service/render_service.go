package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tecnicocursos/render-api/internal/model"
	"github.com/tecnicocursos/render-api/internal/progress"
	"github.com/tecnicocursos/render-api/internal/project"
	"github.com/tecnicocursos/render-api/internal/queue"
	"github.com/tecnicocursos/render-api/internal/store"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrProjectNotFound = errors.New("project not found")
	ErrJobNotFound     = errors.New("job not found")
	// ErrUnauthorized means the caller is authenticated but does not own the resource.
	ErrUnauthorized = errors.New("not authorized for this resource")
)

// InputError carries per-field detail for an ErrInvalidInput.
type InputError struct {
	Message string
	Details map[string]string
}

func (e *InputError) Error() string { return e.Message }
func (e *InputError) Unwrap() error { return ErrInvalidInput }

func invalid(message string, details map[string]string) error {
	return &InputError{Message: message, Details: details}
}

// WorkerStats is implemented by the local worker pool.
type WorkerStats interface {
	Busy() int
	Capacity() int
}

// RenderConfig holds the submission limits.
type RenderConfig struct {
	MaxAttempts        int
	MaxTimelineSeconds int
}

// RenderService handles render job management
type RenderService struct {
	jobs      store.JobStore
	projects  project.Repository
	queue     queue.Enqueuer
	stats     queue.StatsReader
	broker    progress.Broker
	validator *validator.Validate
	logger    *zap.Logger
	cfg       RenderConfig
	workers   WorkerStats
	now       func() time.Time
}

func NewRenderService(
	jobs store.JobStore,
	projects project.Repository,
	q queue.Enqueuer,
	stats queue.StatsReader,
	broker progress.Broker,
	v *validator.Validate,
	logger *zap.Logger,
	cfg RenderConfig,
) *RenderService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if v == nil {
		v = validator.New()
	}
	return &RenderService{
		jobs:      jobs,
		projects:  projects,
		queue:     q,
		stats:     stats,
		broker:    broker,
		validator: v,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetWorkerStats attaches the in-process pool so Stats can report capacity.
func (s *RenderService) SetWorkerStats(w WorkerStats) {
	s.workers = w
}

// Submit validates the request, snapshots the project timeline and queues a job.
// Invalid input never creates a job.
func (s *RenderService) Submit(ctx context.Context, callerID string, req *model.RenderSubmitRequest) (*model.RenderSubmitResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, invalid("Validation failed", formatValidationErrors(err))
	}
	settings := req.Settings.WithDefaults()
	if err := settings.CheckContainer(); err != nil {
		return nil, invalid(err.Error(), map[string]string{"settings.codec": "incompatible with format"})
	}

	proj, err := s.ownedProject(ctx, callerID, req.ProjectID)
	if err != nil {
		return nil, err
	}

	snapshot := proj.Timeline.Snapshot()
	if err := s.checkTimeline(&snapshot); err != nil {
		return nil, err
	}

	now := s.now()
	job := model.NewJob(uuid.New().String(), proj.ID, callerID,
		model.JobInput{Settings: settings, Timeline: snapshot},
		req.Priority, s.cfg.MaxAttempts, now)

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	entry := model.QueueEntry{JobID: job.ID, EnqueuedAt: now, Priority: job.Priority}
	if err := s.queue.Push(ctx, entry); err != nil {
		s.logger.Error("Failed to enqueue render job", zap.String("job_id", job.ID), zap.Error(err))
		s.markUnqueued(ctx, job.ID)
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("Render job queued",
		zap.String("job_id", job.ID),
		zap.String("project_id", proj.ID),
		zap.String("priority", string(job.Priority)),
		zap.Int("total_steps", job.TotalSteps))

	return &model.RenderSubmitResponse{
		JobID:                job.ID,
		Status:               job.Status,
		TotalSteps:           job.TotalSteps,
		EstimatedDurationSec: EstimateDurationSec(&snapshot, settings),
		CreatedAt:            job.CreatedAt,
	}, nil
}

// markUnqueued fails a job whose queue entry was never written. Nothing
// would ever claim it otherwise.
func (s *RenderService) markUnqueued(ctx context.Context, jobID string) {
	_, err := s.jobs.Update(context.WithoutCancel(ctx), jobID, func(j *model.Job) error {
		if j.Status != model.JobStatusQueued {
			return model.ErrInvalidTransition
		}
		now := s.now()
		j.Status = model.JobStatusFailed
		j.Error = &model.JobError{Kind: model.ErrorKindPermanentFailure, Message: "The render could not be queued"}
		j.CompletedAt = &now
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to mark unqueued job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *RenderService) checkTimeline(tl *model.Timeline) error {
	if len(tl.Slides) == 0 {
		return invalid("Project timeline has no slides", map[string]string{"timeline.slides": "min"})
	}
	if err := s.validator.Struct(tl); err != nil {
		return invalid("Project timeline is invalid", formatValidationErrors(err))
	}
	seen := make(map[string]bool, len(tl.Slides))
	for _, slide := range tl.Slides {
		if seen[slide.ID] {
			return invalid("Project timeline is invalid", map[string]string{"timeline.slides": "duplicate slide id " + slide.ID})
		}
		seen[slide.ID] = true
	}
	if limit := s.cfg.MaxTimelineSeconds; limit > 0 && tl.DurationMs() > limit*1000 {
		return invalid(fmt.Sprintf("Timeline is longer than %d seconds", limit),
			map[string]string{"timeline.duration": "max"})
	}
	return nil
}

func (s *RenderService) ownedProject(ctx context.Context, callerID, projectID string) (*model.Project, error) {
	proj, err := s.projects.Get(ctx, projectID)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	if proj.OwnerID != callerID {
		return nil, ErrUnauthorized
	}
	return proj, nil
}

// GetStatus returns the current job record. It never mutates.
func (s *RenderService) GetStatus(ctx context.Context, callerID, jobID string) (*model.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job.OwnerID != callerID {
		return nil, ErrUnauthorized
	}
	return job, nil
}

// ListJobs returns the project's jobs, most recent first.
func (s *RenderService) ListJobs(ctx context.Context, callerID, projectID string, filter store.ListFilter) ([]*model.Job, error) {
	if filter.Status != "" && !validStatus(filter.Status) {
		return nil, invalid("Unknown status filter", map[string]string{"status": string(filter.Status)})
	}
	if _, err := s.ownedProject(ctx, callerID, projectID); err != nil {
		return nil, err
	}
	jobs, err := s.jobs.ListByProject(ctx, projectID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Cancel moves a queued or processing job to cancelled. Cancelling a
// terminal job is a no-op that returns its current state.
func (s *RenderService) Cancel(ctx context.Context, callerID, jobID string) (*model.Job, error) {
	changed := false
	job, err := s.jobs.Update(ctx, jobID, func(j *model.Job) error {
		if j.OwnerID != callerID {
			return ErrUnauthorized
		}
		changed = j.Cancel(s.now())
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrJobNotFound
	case errors.Is(err, ErrUnauthorized):
		return nil, ErrUnauthorized
	case err != nil:
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	if changed {
		s.logger.Info("Render job cancelled", zap.String("job_id", jobID))
		s.broker.Publish(ctx, model.NewProgressEvent(model.EventTypeCancelled, job, s.now()))
	}
	return job, nil
}

// Subscribe registers for live events and then reads the snapshot, so an
// event cannot fall between the two. A nil subscription means the job was
// already terminal and the snapshot is the whole stream.
func (s *RenderService) Subscribe(ctx context.Context, callerID, jobID string) (model.ProgressEvent, *progress.Subscription, error) {
	if _, err := s.GetStatus(ctx, callerID, jobID); err != nil {
		return model.ProgressEvent{}, nil, err
	}

	sub := s.broker.Subscribe(jobID)
	job, err := s.GetStatus(ctx, callerID, jobID)
	if err != nil {
		s.broker.Unsubscribe(sub)
		return model.ProgressEvent{}, nil, err
	}

	snapshot := model.NewProgressEvent(model.EventTypeSnapshot, job, s.now())
	if job.Status.IsTerminal() {
		s.broker.Unsubscribe(sub)
		return snapshot, nil, nil
	}
	return snapshot, sub, nil
}

// Unsubscribe ends a subscription returned by Subscribe.
func (s *RenderService) Unsubscribe(sub *progress.Subscription) {
	if sub != nil {
		s.broker.Unsubscribe(sub)
	}
}

// Stats reports queue depth and local worker usage.
func (s *RenderService) Stats(ctx context.Context) (*model.QueueStatsResponse, error) {
	resp := &model.QueueStatsResponse{ByQueue: map[string]int64{}}
	if s.stats != nil {
		st, err := s.stats.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read queue stats: %w", err)
		}
		resp.Pending = st.Pending
		resp.Leased = st.Leased
		if st.ByQueue != nil {
			resp.ByQueue = st.ByQueue
		}
	}
	if s.workers != nil {
		resp.Busy = s.workers.Busy()
		resp.Capacity = s.workers.Capacity()
		resp.Workers = 1
	}
	return resp, nil
}

// UpsertTimeline creates or replaces a project's timeline. Existing
// projects can only be written by their owner.
func (s *RenderService) UpsertTimeline(ctx context.Context, callerID, projectID string, req *model.TimelineUpsertRequest) (*model.Project, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, invalid("Validation failed", formatValidationErrors(err))
	}
	tl := req.Timeline.Snapshot()
	if err := s.checkTimeline(&tl); err != nil {
		return nil, err
	}

	proj, err := s.projects.Get(ctx, projectID)
	switch {
	case errors.Is(err, project.ErrNotFound):
		proj = &model.Project{ID: projectID, OwnerID: callerID}
	case err != nil:
		return nil, fmt.Errorf("failed to load project: %w", err)
	case proj.OwnerID != callerID:
		return nil, ErrUnauthorized
	}

	tl.Version = proj.Timeline.Version + 1
	proj.Timeline = tl
	if req.Name != "" {
		proj.Name = req.Name
	}
	proj.UpdatedAt = s.now()
	if err := s.projects.Save(ctx, proj); err != nil {
		return nil, err
	}
	return proj, nil
}

// EstimateDurationSec guesses wall-clock render time from the output length.
func EstimateDurationSec(tl *model.Timeline, settings model.RenderSettings) int {
	seconds := float64(tl.DurationMs()) / 1000
	factor := 0.5
	switch settings.Quality {
	case model.QualityLow:
		factor = 0.25
	case model.QualityHigh:
		factor = 1
	case model.QualityUltra:
		factor = 2
	}
	switch settings.Resolution {
	case model.Resolution1440p:
		factor *= 1.5
	case model.Resolution2160p:
		factor *= 2.5
	}
	est := seconds * factor
	if settings.NarrationRequested() {
		est += 2 * float64(len(tl.Slides))
	}
	if est < 10 {
		est = 10
	}
	return int(est)
}

func validStatus(s model.JobStatus) bool {
	for _, v := range model.ValidJobStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func formatValidationErrors(err error) map[string]string {
	details := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			// drop the root struct name
			ns := e.Namespace()
			if i := strings.IndexByte(ns, '.'); i >= 0 {
				ns = ns[i+1:]
			}
			details[ns] = e.Tag()
		}
		return details
	}
	details["request"] = err.Error()
	return details
}

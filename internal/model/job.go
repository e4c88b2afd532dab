package model

import (
	"errors"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrNotLeaseOwner     = errors.New("job is owned by another worker")
)

// Job is the durable record of one render request.
type Job struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	OwnerID     string     `json:"ownerId"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep Stage      `json:"currentStep,omitempty"`
	StepIndex   int        `json:"stepIndex"`
	TotalSteps  int        `json:"totalSteps"`
	Priority    Priority   `json:"priority"`
	Input       JobInput   `json:"input"`
	Output      *JobOutput `json:"output,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"maxAttempts"`
	// LeaseOwner is the claim token of the worker allowed to advance the job.
	LeaseOwner string `json:"leaseOwner,omitempty"`
}

// JobOutput is written once by the finalize stage.
type JobOutput struct {
	ArtifactRef string            `json:"artifactRef"`
	URL         string            `json:"url,omitempty"`
	Format      Format            `json:"format"`
	DurationMs  int64             `json:"durationMs"`
	SizeBytes   int64             `json:"sizeBytes"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// JobError is the display-safe failure reason of a failed job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Stage   Stage     `json:"stage,omitempty"`
}

// NewJob builds a queued job on its first attempt.
func NewJob(id, projectID, ownerID string, input JobInput, priority Priority, maxAttempts int, now time.Time) *Job {
	if priority == "" {
		priority = PriorityNormal
	}
	total := 4
	if input.Settings.NarrationRequested() {
		total = 5
	}
	return &Job{
		ID:          id,
		ProjectID:   projectID,
		OwnerID:     ownerID,
		Status:      JobStatusQueued,
		TotalSteps:  total,
		Priority:    priority,
		Input:       input,
		CreatedAt:   now,
		UpdatedAt:   now,
		Attempt:     1,
		MaxAttempts: maxAttempts,
	}
}

// Claim hands the job to the worker identified by owner. Taking a processing
// job away from another live owner is a lease recovery and starts a new attempt.
func (j *Job) Claim(owner string, now time.Time) error {
	switch j.Status {
	case JobStatusQueued:
		j.Status = JobStatusProcessing
		j.StartedAt = &now
	case JobStatusProcessing:
		if j.LeaseOwner == owner {
			return nil
		}
		if j.LeaseOwner != "" {
			j.Attempt++
		}
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	default:
		return ErrInvalidTransition
	}
	j.LeaseOwner = owner
	j.UpdatedAt = now
	return nil
}

// Advance records pipeline position. Progress never decreases.
func (j *Job) Advance(owner string, stage Stage, stepIndex, progress int, now time.Time) error {
	if err := j.checkOwner(owner); err != nil {
		return err
	}
	if progress > 100 {
		progress = 100
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.CurrentStep = stage
	j.StepIndex = stepIndex
	j.UpdatedAt = now
	return nil
}

// Retry starts another attempt under the same owner.
func (j *Job) Retry(owner string, now time.Time) error {
	if err := j.checkOwner(owner); err != nil {
		return err
	}
	j.Attempt++
	j.UpdatedAt = now
	return nil
}

// Complete is the only transition that sets Output.
func (j *Job) Complete(owner string, out JobOutput, now time.Time) error {
	if err := j.checkOwner(owner); err != nil {
		return err
	}
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.Output = &out
	j.Error = nil
	j.finish(now)
	return nil
}

// Fail freezes progress and records a display-safe error.
func (j *Job) Fail(owner string, jobErr JobError, now time.Time) error {
	if err := j.checkOwner(owner); err != nil {
		return err
	}
	j.Status = JobStatusFailed
	j.Error = &jobErr
	j.Output = nil
	j.finish(now)
	return nil
}

// Cancel moves a queued or processing job to cancelled. It reports false,
// without error, when the job is already terminal.
func (j *Job) Cancel(now time.Time) bool {
	if !j.Status.CanTransitionTo(JobStatusCancelled) {
		return false
	}
	j.Status = JobStatusCancelled
	j.finish(now)
	return true
}

// Abandon drops the lease without consuming an attempt. Used on graceful shutdown.
func (j *Job) Abandon(owner string, now time.Time) error {
	if err := j.checkOwner(owner); err != nil {
		return err
	}
	j.LeaseOwner = ""
	j.UpdatedAt = now
	return nil
}

// AttemptsExhausted reports whether the current attempt is past the ceiling.
func (j *Job) AttemptsExhausted() bool {
	return j.MaxAttempts > 0 && j.Attempt > j.MaxAttempts
}

func (j *Job) checkOwner(owner string) error {
	if j.Status != JobStatusProcessing {
		return ErrInvalidTransition
	}
	if j.LeaseOwner != owner {
		return ErrNotLeaseOwner
	}
	return nil
}

func (j *Job) finish(now time.Time) {
	if j.CompletedAt == nil {
		j.CompletedAt = &now
	}
	j.LeaseOwner = ""
	j.UpdatedAt = now
}

// QueueEntry references a job waiting for a worker. It carries no business data.
type QueueEntry struct {
	JobID      string    `json:"jobId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Priority   Priority  `json:"priority"`
}

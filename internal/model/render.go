package model

import (
	"fmt"
	"time"
)

// RenderSettings describes the requested output artifact.
type RenderSettings struct {
	Resolution Resolution    `json:"resolution" validate:"required,oneof=480p 720p 1080p 1440p 2160p"`
	FPS        int           `json:"fps" validate:"required,oneof=24 25 30 60"`
	Format     Format        `json:"format" validate:"required,oneof=mp4 webm mov"`
	Quality    Quality       `json:"quality" validate:"required,oneof=low medium high ultra"`
	Codec      Codec         `json:"codec,omitempty" validate:"omitempty,oneof=h264 h265 vp9"`
	Audio      AudioSettings `json:"audio"`
}

// AudioSettings controls the soundtrack and narration synthesis.
type AudioSettings struct {
	Enabled   bool       `json:"enabled"`
	Narration bool       `json:"narration"`
	Codec     AudioCodec `json:"codec,omitempty" validate:"omitempty,oneof=aac mp3 opus"`
	Bitrate   int        `json:"bitrate,omitempty" validate:"omitempty,min=64,max=320"`
}

// WithDefaults fills codec fields left empty by the caller.
func (s RenderSettings) WithDefaults() RenderSettings {
	if s.Codec == "" {
		if s.Format == FormatWebM {
			s.Codec = CodecVP9
		} else {
			s.Codec = CodecH264
		}
	}
	if s.Audio.Enabled || s.Audio.Narration {
		s.Audio.Enabled = true
		if s.Audio.Codec == "" {
			if s.Format == FormatWebM {
				s.Audio.Codec = AudioCodecOpus
			} else {
				s.Audio.Codec = AudioCodecAAC
			}
		}
		if s.Audio.Bitrate == 0 {
			s.Audio.Bitrate = 192
		}
	}
	return s
}

// CheckContainer verifies that the codecs can be muxed into the container.
func (s RenderSettings) CheckContainer() error {
	switch s.Format {
	case FormatWebM:
		if s.Codec != CodecVP9 {
			return fmt.Errorf("codec %s is not supported in webm", s.Codec)
		}
		if s.Audio.Enabled && s.Audio.Codec != AudioCodecOpus {
			return fmt.Errorf("audio codec %s is not supported in webm", s.Audio.Codec)
		}
	case FormatMP4, FormatMOV:
		if s.Codec == CodecVP9 {
			return fmt.Errorf("codec vp9 is not supported in %s", s.Format)
		}
		if s.Audio.Enabled && s.Audio.Codec == AudioCodecOpus {
			return fmt.Errorf("audio codec opus is not supported in %s", s.Format)
		}
	}
	return nil
}

// NarrationRequested reports whether the narration stage is part of the pipeline.
func (s RenderSettings) NarrationRequested() bool {
	return s.Audio.Narration
}

// JobInput is the immutable render request captured at submission.
type JobInput struct {
	Settings RenderSettings `json:"settings"`
	Timeline Timeline       `json:"timeline"`
}

// RenderSubmitRequest represents the request to submit a render job
type RenderSubmitRequest struct {
	ProjectID string         `json:"projectId" validate:"required"`
	Settings  RenderSettings `json:"settings" validate:"required"`
	Priority  Priority       `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
}

// RenderSubmitResponse represents the response when submitting a render
type RenderSubmitResponse struct {
	JobID                string    `json:"jobId"`
	Status               JobStatus `json:"status"`
	TotalSteps           int       `json:"totalSteps"`
	EstimatedDurationSec int       `json:"estimatedDurationSec"`
	CreatedAt            time.Time `json:"createdAt"`
}

// RenderJobResponse is the public projection of a Job
type RenderJobResponse struct {
	JobID       string         `json:"jobId"`
	ProjectID   string         `json:"projectId"`
	Status      JobStatus      `json:"status"`
	Progress    int            `json:"progress"`
	CurrentStep string         `json:"currentStep,omitempty"`
	StepIndex   int            `json:"stepIndex"`
	TotalSteps  int            `json:"totalSteps"`
	Priority    Priority       `json:"priority"`
	Settings    RenderSettings `json:"settings"`
	Output      *JobOutput     `json:"output"`
	Error       *JobError      `json:"error"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"maxAttempts"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt"`
}

// NewRenderJobResponse projects job for API callers.
func NewRenderJobResponse(job *Job) *RenderJobResponse {
	return &RenderJobResponse{
		JobID:       job.ID,
		ProjectID:   job.ProjectID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: string(job.CurrentStep),
		StepIndex:   job.StepIndex,
		TotalSteps:  job.TotalSteps,
		Priority:    job.Priority,
		Settings:    job.Input.Settings,
		Output:      job.Output,
		Error:       job.Error,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}

// RenderJobListResponse wraps ListJobs results
type RenderJobListResponse struct {
	Jobs []*RenderJobResponse `json:"jobs"`
}

// RenderCancelResponse represents the response when cancelling a render
type RenderCancelResponse struct {
	OK     bool      `json:"ok"`
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
}

// QueueStatsResponse reports queue depth and worker capacity
type QueueStatsResponse struct {
	Pending  int64            `json:"pending"`
	Leased   int64            `json:"leased"`
	ByQueue  map[string]int64 `json:"byQueue,omitempty"`
	Workers  int              `json:"workers"`
	Busy     int              `json:"busy"`
	Capacity int              `json:"capacity"`
}

// TimelineUpsertRequest replaces a project's timeline
type TimelineUpsertRequest struct {
	Name     string   `json:"name,omitempty" validate:"max=200"`
	Timeline Timeline `json:"timeline" validate:"required"`
}

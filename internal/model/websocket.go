package model

import "time"

// Progress event types
const (
	EventTypeSnapshot  = "snapshot"
	EventTypeProgress  = "progress"
	EventTypeCompleted = "completed"
	EventTypeFailed    = "failed"
	EventTypeCancelled = "cancelled"
)

// WebSocket control message types
const (
	WSMessageTypePing  = "ping"
	WSMessageTypePong  = "pong"
	WSMessageTypeError = "error"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSErrorMessage is sent before the server closes a stream it cannot serve
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError represents error details in WebSocket messages
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ProgressEvent is an ephemeral notification about one job.
type ProgressEvent struct {
	Type        string     `json:"type"`
	JobID       string     `json:"jobId"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep Stage      `json:"currentStep,omitempty"`
	StepIndex   int        `json:"stepIndex"`
	TotalSteps  int        `json:"totalSteps"`
	Attempt     int        `json:"attempt"`
	Output      *JobOutput `json:"output,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Terminal reports whether the event closes the stream.
func (e ProgressEvent) Terminal() bool {
	switch e.Type {
	case EventTypeCompleted, EventTypeFailed, EventTypeCancelled:
		return true
	}
	return e.Type == EventTypeSnapshot && e.Status.IsTerminal()
}

// NewProgressEvent derives an event from the current job record.
func NewProgressEvent(eventType string, job *Job, now time.Time) ProgressEvent {
	return ProgressEvent{
		Type:        eventType,
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		StepIndex:   job.StepIndex,
		TotalSteps:  job.TotalSteps,
		Attempt:     job.Attempt,
		Output:      job.Output,
		Error:       job.Error,
		Timestamp:   now,
	}
}

// TerminalEventType maps a terminal status to its event type.
func TerminalEventType(s JobStatus) string {
	switch s {
	case JobStatusCompleted:
		return EventTypeCompleted
	case JobStatusFailed:
		return EventTypeFailed
	case JobStatusCancelled:
		return EventTypeCancelled
	}
	return EventTypeProgress
}

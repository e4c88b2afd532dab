package model

// Job status
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

var ValidJobStatuses = []JobStatus{
	JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
}

// IsTerminal reports whether no transition can leave s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is an edge of the job state machine.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusProcessing || next == JobStatusCancelled
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusCancelled
	}
	return false
}

// Error kinds
type ErrorKind string

const (
	ErrorKindTransientFailure ErrorKind = "TransientStageFailure"
	ErrorKindPermanentFailure ErrorKind = "PermanentStageFailure"
)

// Pipeline stages
type Stage string

const (
	StageAssetPreparation   Stage = "asset_preparation"
	StageNarrationSynthesis Stage = "narration_synthesis"
	StageComposition        Stage = "composition"
	StageEncode             Stage = "encode"
	StageFinalize           Stage = "finalize"
)

// Priority orders claims across queued jobs.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns 1 for urgent through 4 for low; unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 4
	}
	return 3
}

// Resolutions
type Resolution string

const (
	Resolution480p  Resolution = "480p"
	Resolution720p  Resolution = "720p"
	Resolution1080p Resolution = "1080p"
	Resolution1440p Resolution = "1440p"
	Resolution2160p Resolution = "2160p"
)

// Dimensions returns the 16:9 frame size for r.
func (r Resolution) Dimensions() (width, height int) {
	switch r {
	case Resolution480p:
		return 854, 480
	case Resolution720p:
		return 1280, 720
	case Resolution1440p:
		return 2560, 1440
	case Resolution2160p:
		return 3840, 2160
	}
	return 1920, 1080
}

// Container formats
type Format string

const (
	FormatMP4  Format = "mp4"
	FormatWebM Format = "webm"
	FormatMOV  Format = "mov"
)

// Quality presets
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	QualityUltra  Quality = "ultra"
)

// Video codecs
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecVP9  Codec = "vp9"
)

// Audio codecs
type AudioCodec string

const (
	AudioCodecAAC  AudioCodec = "aac"
	AudioCodecMP3  AudioCodec = "mp3"
	AudioCodecOpus AudioCodec = "opus"
)

// Slide transitions
type Transition string

const (
	TransitionNone  Transition = "none"
	TransitionFade  Transition = "fade"
	TransitionSlide Transition = "slide"
	TransitionZoom  Transition = "zoom"
)

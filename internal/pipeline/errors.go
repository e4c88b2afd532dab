package pipeline

import (
	"errors"
	"fmt"

	"github.com/tecnicocursos/render-api/internal/client"
	"github.com/tecnicocursos/render-api/internal/model"
)

var (
	ErrTransient = errors.New("transient stage failure")
	ErrPermanent = errors.New("permanent stage failure")
)

// StageError tags a stage failure with its class and a message that is safe
// to show to the user. Err keeps the internal detail for logs.
type StageError struct {
	Stage   model.Stage
	Marker  error
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Marker}
	}
	return []error{e.Marker, e.Err}
}

// Wrap builds a classified stage error. marker must be ErrTransient or ErrPermanent.
func Wrap(marker error, stage model.Stage, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &StageError{Stage: stage, Marker: marker, Message: message, Err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(stage model.Stage, message string, err error) error {
	return Wrap(ErrPermanent, stage, message, err)
}

// Transient marks err as retryable.
func Transient(stage model.Stage, message string, err error) error {
	return Wrap(ErrTransient, stage, message, err)
}

// IsTransient classifies a stage error. Unknown errors are retried.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPermanent):
		return false
	case errors.Is(err, ErrTransient):
		return true
	}

	var statusErr *client.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	// timeouts, connection resets and anything unrecognised
	return true
}

// SafeMessage returns text for Job.error.message. Internal details never leak.
func SafeMessage(stage model.Stage, err error) string {
	var se *StageError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	var statusErr *client.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Retryable() {
			return fmt.Sprintf("%s is temporarily unavailable", serviceLabel(statusErr.Service))
		}
		return fmt.Sprintf("%s rejected the request", serviceLabel(statusErr.Service))
	}
	return fmt.Sprintf("%s step failed", stageLabel(stage))
}

func serviceLabel(service string) string {
	switch service {
	case "tts":
		return "The narration service"
	case "renderer":
		return "The video renderer"
	}
	return "An external service"
}

func stageLabel(stage model.Stage) string {
	switch stage {
	case model.StageAssetPreparation:
		return "Asset preparation"
	case model.StageNarrationSynthesis:
		return "Narration synthesis"
	case model.StageComposition:
		return "Composition"
	case model.StageEncode:
		return "Encoding"
	case model.StageFinalize:
		return "Finalize"
	}
	return "Render"
}

package usecase

import (
	"errors"
	"fmt"
)

// Error kinds reported by the pipeline. Callers match them with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrPrecondition      = errors.New("precondition failed")
	ErrConfiguration     = errors.New("configuration error")
	ErrStorage           = errors.New("storage error")
	ErrSpawn             = errors.New("spawn error")
	ErrRecognitionFailed = errors.New("recognition failed")
	ErrAnalysisFailed    = errors.New("analysis failed")
)

// ErrMetricsUnavailable is returned when no run log is configured.
var ErrMetricsUnavailable = errors.New("run metrics are not enabled")

// PipelineError is the result value of a failed pipeline operation. Message is
// safe to show to clients; Diagnostics holds stage stderr for server logs only.
type PipelineError struct {
	Kind        error
	Stage       string
	Message     string
	Diagnostics string
	Err         error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// Unwrap exposes both the kind and the cause.
func (e *PipelineError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindName returns a short label for the error kind, used in run logs.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrPrecondition):
		return "precondition"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrSpawn):
		return "spawn"
	case errors.Is(err, ErrRecognitionFailed):
		return "recognition_failed"
	case errors.Is(err, ErrAnalysisFailed):
		return "analysis_failed"
	default:
		return "internal"
	}
}

// IsClientError reports whether err should be answered with a 4xx status.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrPrecondition)
}

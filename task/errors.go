package task

import (
	"context"
	"errors"
	"fmt"
)

// Returned synchronously by Submit; no job exists when one of these is returned.
var (
	ErrValidation = errors.New("invalid conversion request")
	ErrProbe      = errors.New("could not determine source duration")
	ErrWindow     = errors.New("empty conversion window")
	ErrBusy       = errors.New("server busy, try again later")
)

// Recorded on a job that reaches FAILURE.
var (
	ErrPipeline   = errors.New("ffmpeg stage failed")
	ErrArtifact   = errors.New("output missing or empty")
	ErrUnexpected = errors.New("unexpected conversion fault")
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrJobExists = errors.New("job already exists")
	ErrTerminal  = errors.New("job already finished")
)

// stageError ties a failure class to its cause and keeps the operator diagnostic
// (command line and captured output) out of the user-facing message.
type stageError struct {
	kind       error
	cause      error
	diagnostic string
}

func (e *stageError) Error() string {
	return fmt.Sprintf("%v: %v", e.kind, e.cause)
}

func (e *stageError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

func diagnosticOf(err error) string {
	var se *stageError
	if errors.As(err, &se) && se.diagnostic != "" {
		return se.diagnostic
	}
	return err.Error()
}

// userMessage is what a client sees for a failed job. It never includes tool output.
func userMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Conversion timed out."
	case errors.Is(err, context.Canceled):
		return "Conversion was interrupted by a shutdown."
	case errors.Is(err, ErrPipeline):
		return "Conversion failed: the video could not be processed."
	case errors.Is(err, ErrArtifact):
		return "Conversion produced no output."
	default:
		return "An unexpected error occurred during conversion."
	}
}

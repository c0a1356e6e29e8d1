package apperrors

import (
	"errors"
	"fmt"
)

// Kinds of failure a run can end with. Match them with errors.Is.
var (
	ErrPermission  = errors.New("permission error")
	ErrCapture     = errors.New("capture error")
	ErrLoad        = errors.New("load error")
	ErrInference   = errors.New("inference error")
	ErrConcurrency = errors.New("concurrency error")
)

// Error is a failure scoped to one stage of a run.
type Error struct {
	Kind    error
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Stage, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool { return target == e.Kind }

// Permission reports that an audio device could not be acquired.
func Permission(message string, err error) *Error {
	return &Error{Kind: ErrPermission, Stage: "capture", Message: message, Err: err}
}

// Capture reports a capture session failure such as an empty recording.
func Capture(message string, err error) *Error {
	return &Error{Kind: ErrCapture, Stage: "capture", Message: message, Err: err}
}

// Load reports that a model asset failed to load.
func Load(model, message string, err error) *Error {
	return &Error{Kind: ErrLoad, Stage: model, Message: message, Err: err}
}

// Inference reports a failure inside a pipeline stage.
func Inference(stage, message string, err error) *Error {
	return &Error{Kind: ErrInference, Stage: stage, Message: message, Err: err}
}

// Concurrency reports an attempt to start work while a run is in flight.
func Concurrency(message string) *Error {
	return &Error{Kind: ErrConcurrency, Message: message}
}

// KindName returns a short label for the kind of err, "unknown" if it has none.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrCapture):
		return "capture"
	case errors.Is(err, ErrLoad):
		return "load"
	case errors.Is(err, ErrInference):
		return "inference"
	case errors.Is(err, ErrConcurrency):
		return "concurrency"
	default:
		return "unknown"
	}
}

// MessageOf returns the user facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

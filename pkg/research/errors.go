package research

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyWritten is returned when an update targets a section that is already set.
	ErrAlreadyWritten = errors.New("state section already written")
	// ErrOwnership is returned when a stage writes a section it does not own.
	ErrOwnership = errors.New("stage wrote a section it does not own")
	// ErrMissingInput is returned when a stage runs before its required sections exist.
	ErrMissingInput = errors.New("required state section missing")
	// ErrEmptyReport is returned when the report writer produced no text.
	ErrEmptyReport = errors.New("report writer returned empty text")
)

// ValidationError rejects a request before the pipeline starts.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Message)
}

// StageError reports which stage halted the pipeline and why.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// InitializationError means the pipeline or one of its collaborators could not be built.
type InitializationError struct {
	Component string
	Err       error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("failed to initialize %s: %v", e.Component, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

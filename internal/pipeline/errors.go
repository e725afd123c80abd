package pipeline

import (
	"errors"
	"fmt"

	"github.com/example/chakshot/internal/connectivity"
)

// ValidationError reports a missing or malformed input. No network call has
// been made when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConnectivityError reports that the backend was not online when a run was
// requested. No network call has been made when it is returned.
type ConnectivityError struct {
	State connectivity.State
}

// Error implements the error interface.
func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("backend is %s", e.State)
}

// StageError is the failure of one analysis stage.
type StageError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

// Unwrap returns the transport error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// IsStageFailure reports whether err is the failure of the given stage.
func IsStageFailure(err error, stage Stage) bool {
	var stageErr *StageError
	return errors.As(err, &stageErr) && stageErr.Stage == stage
}

package interp

import (
	"errors"

	"github.com/mpataki/scriptool/internal/models"
)

// ErrExecution matches every *ExecutionError.
var ErrExecution = errors.New("script execution error")

// ExecutionError is a failure inside the interpreter. It is data, not a
// task failure: sessions record it as the script's diagnostic.
type ExecutionError struct {
	Kind    models.ErrorKind
	Message string
	// Stdout holds the output printed before the failure.
	Stdout string
	Err    error
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case models.ErrorKindSyntax:
		return "syntax error: " + e.Message
	case models.ErrorKindTimeout:
		return "timeout: " + e.Message
	case models.ErrorKindResource:
		return "resource limit exceeded: " + e.Message
	default:
		return e.Message
	}
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

// AsExecutionError converts err into an *ExecutionError, wrapping foreign
// errors as runtime failures.
func AsExecutionError(err error) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	return &ExecutionError{Kind: models.ErrorKindRuntime, Message: err.Error(), Err: err}
}

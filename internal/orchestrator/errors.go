package orchestrator

import (
	"errors"
	"fmt"

	"github.com/ashthecoder05/snapclaw-platform/internal/validator"
)

// ErrTeardownIncomplete is returned when some resource deletions failed;
// the agent stays in deleting with its remaining handles intact and the
// call can be retried.
var ErrTeardownIncomplete = errors.New("teardown incomplete")

// ValidationError reports a malformed deploy request. No state is created
// and no cluster call is made when it is returned.
type ValidationError struct {
	Errors []validator.FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "invalid deploy request"
	}
	return fmt.Sprintf("invalid deploy request: %s: %s", e.Errors[0].Path, e.Errors[0].Message)
}

func validationErrorf(path, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Errors: []validator.FieldError{
		{Path: path, Message: fmt.Sprintf(format, args...)},
	}}
}

package shared

import "fmt"

var (
	ErrNotImplemented = fmt.Errorf("not implemented")

	// Configuration errors
	ErrMissingConfig = fmt.Errorf("configuration not found")
	ErrInvalidConfig = fmt.Errorf("invalid configuration")

	// Validation errors surface to the user before any network call
	ErrValidation      = fmt.Errorf("validation failed")
	ErrMissingTemplate = fmt.Errorf("%w: no template selected", ErrValidation)
	ErrEmptyContent    = fmt.Errorf("%w: markdown content is empty", ErrValidation)

	// API and service errors
	ErrAPIRequest         = fmt.Errorf("API request failed")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")
	ErrTaskNotFound       = fmt.Errorf("task not found")
	ErrTaskNotComplete    = fmt.Errorf("task not complete")
	ErrNoCurrentTask      = fmt.Errorf("no current task")

	// Push channel errors
	ErrStreamClosed   = fmt.Errorf("stream closed")
	ErrMalformedFrame = fmt.Errorf("malformed frame")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
)

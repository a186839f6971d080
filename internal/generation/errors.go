package generation

import (
	"errors"
	"fmt"
)

// TransientError is a failure that may succeed on retry: rate limits,
// network errors, timeouts and server-side failures.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient generation error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a failure that will not succeed on retry: bad credentials,
// malformed requests, unknown models.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal generation error: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// ValidationError reports output that was expected to be structured but
// could not be parsed. It never aborts a job; the raw text is used instead.
type ValidationError struct {
	Raw string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("structured output did not parse: %v", e.Err)
}
func (e *ValidationError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

func transient(err error) error { return &TransientError{Err: err} }
func fatal(err error) error     { return &FatalError{Err: err} }

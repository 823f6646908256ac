package daemon

import (
	"errors"
	"fmt"
)

// Process exit codes, from sysexits.h.
const (
	ExitOK          = 0
	ExitUsage       = 64 // Command line usage error.
	ExitUnavailable = 69 // Service unavailable.
	ExitConfig      = 78 // Configuration error.
)

var (
	ErrNoServer   = errors.New("no such server")
	ErrConnection = errors.New("cannot use connection descriptor")
	ErrLint       = errors.New("configuration check failed")
)

// An error that ends the process with Code.
type ExitError struct {
	Code int   // Process exit code.
	Err  error // Underlying error.
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%v (exit status %d)", e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// Returns the exit code for err: 0 for nil, the code of an [ExitError], 1
// otherwise.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

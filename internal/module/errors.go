package module

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicate     = errors.New("duplicate declaration")
	ErrNotDeclared   = errors.New("module is not declared")
	ErrUnknownType   = errors.New("unknown module type")
	ErrVersion       = errors.New("unsupported module interface version")
	ErrFaulty        = errors.New("faulty module")
	ErrInit          = errors.New("initialization failed")
	ErrCapability    = errors.New("capability mismatch")
	ErrNotCapable    = errors.New("operation not supported by database")
	ErrUnknownOption = errors.New("unknown option")
	ErrInvalidOption = errors.New("invalid option value")
	ErrMissingOption = errors.New("missing required option")
)

// Reports a second declaration of an id.
type DuplicateError struct {
	Kind string // "module" or "database".
	ID   string // Declared id.
	Prev Loc    // Location of the first declaration.
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %s already declared at %s", e.Kind, e.ID, e.Prev)
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicate
}

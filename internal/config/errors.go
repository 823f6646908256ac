package config

import "errors"

var (
	ErrConfig          = errors.New("configuration errors")
	ErrMissingArgument = errors.New("required argument missing")
	ErrTooManyArgs     = errors.New("too many arguments")
	ErrUnrecognized    = errors.New("unrecognized line")
	ErrBadBool         = errors.New("unrecognized boolean value")
	ErrBadNumber       = errors.New("invalid numeric value")
	ErrBadMode         = errors.New("invalid file mode")
	ErrBadOwner        = errors.New("invalid socket owner")
	ErrUnterminated    = errors.New("missing end")
	ErrExpectedBegin   = errors.New("expected begin or end of line")
	ErrInvalid         = errors.New("invalid settings")
)

package logging

import "errors"

var (
	ErrUnknownCategory = errors.New("unknown debug category")
	ErrBadLevel        = errors.New("invalid debug level")
	ErrUnknownFacility = errors.New("unknown syslog facility")
	ErrUnknownFormat   = errors.New("unknown log format")
)

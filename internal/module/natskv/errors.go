package natskv

import "errors"

var (
	ErrNoBucket = errors.New("bucket not given")
	ErrNotFound = errors.New("key not found")
)

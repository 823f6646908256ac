package kv

import "errors"

var (
	ErrNoStore  = errors.New("either path or in-memory must be given")
	ErrNotFound = errors.New("key not found")
	ErrBadLoad  = errors.New("malformed load file line")
)

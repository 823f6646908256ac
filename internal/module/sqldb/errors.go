package sqldb

import "errors"

var (
	ErrNoQuery  = errors.New("query not given")
	ErrNotFound = errors.New("no rows")
)

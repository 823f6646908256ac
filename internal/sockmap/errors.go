package sockmap

import "errors"

var (
	ErrProtocol = errors.New("sockmap protocol error")
)

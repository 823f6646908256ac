package server

import "errors"

var (
	ErrProtocol = errors.New("protocol error: missing map name")
	ErrNoChain  = errors.New("no dispatch chain")
)

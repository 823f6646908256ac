package client

import "errors"

var (
	ErrNoMap      = errors.New("missing map name")
	ErrBadMap     = errors.New("map name contains white space")
	ErrBadKey     = errors.New("key contains a newline")
	ErrConnection = errors.New("cannot connect to server")
	ErrNoReply    = errors.New("connection closed without a reply")
)

package srvman

import "errors"

var (
	ErrBadURL      = errors.New("invalid server URL")
	ErrDuplicate   = errors.New("server already declared")
	ErrExists      = errors.New("socket file already exists")
	ErrNotSocket   = errors.New("file exists and is not a socket")
	ErrNoServers   = errors.New("no servers configured")
	ErrNoHandler   = errors.New("no connection handler")
	ErrNotFile     = errors.New("connection has no file descriptor")
	ErrRestart     = errors.New("restart requested")
	ErrWorkerState = errors.New("worker ended abnormally")
)

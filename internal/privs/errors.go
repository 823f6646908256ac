package privs

import "errors"

var (
	ErrNoSuchUser  = errors.New("no such user")
	ErrNoSuchGroup = errors.New("no such group")
	ErrNoGroup     = errors.New("no group to switch to")
	ErrSetgroups   = errors.New("setgroups failed")
	ErrSetgid      = errors.New("cannot set group id")
	ErrSetuid      = errors.New("cannot set user id")
	ErrRegain      = errors.New("root privileges can be regained")
)

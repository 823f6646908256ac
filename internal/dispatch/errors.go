package dispatch

import "errors"

var (
	ErrUnfinished     = errors.New("unfinished dispatch rule")
	ErrUnknownKeyword = errors.New("unknown keyword")
	ErrUnexpected     = errors.New("unexpected keyword")
	ErrDatabaseTwice  = errors.New("database specified twice")
	ErrNoDatabase     = errors.New("database not specified")
	ErrGarbage        = errors.New("garbage after database name")
	ErrBadAddress     = errors.New("invalid address")
	ErrBadNetmask     = errors.New("invalid netmask")
	ErrBadRegexp      = errors.New("invalid regexp")
	ErrBadGlob        = errors.New("invalid pattern")
	ErrNoSuchDatabase = errors.New("no such database")
	ErrNoTransform    = errors.New("database does not handle transformations")
	ErrNoQuery        = errors.New("database does not handle queries")
)

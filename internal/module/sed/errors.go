package sed

import "errors"

var (
	ErrSyntax  = errors.New("invalid transform expression")
	ErrBadFlag = errors.New("unknown transform flag")
	ErrNoExpr  = errors.New("no transform expressions")
)

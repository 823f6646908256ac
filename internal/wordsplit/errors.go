package wordsplit

import "errors"

var (
	ErrUnbalancedQuote = errors.New("missing closing quote")
	ErrUndefined       = errors.New("undefined variable")
	ErrBadSyntax       = errors.New("bad variable reference")
)

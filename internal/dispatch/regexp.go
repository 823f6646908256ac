package dispatch

import (
	"fmt"
	"regexp"
	"strings"
)

// Compiles a pattern written /re/flags.
//
// Any ASCII punctuation character may serve as delimiter; the expression
// ends at its last occurrence. Flags are i (ignore case), b (POSIX basic
// syntax) and x (extended syntax, the default).
func CompileRegexp(s string) (*regexp.Regexp, error) {
	if s == "" || !isDelim(s[0]) {
		return nil, fmt.Errorf("%w: does not start with a punctuation character: %s", ErrBadRegexp, s)
	}
	end := strings.LastIndexByte(s, s[0])
	if end == 0 {
		return nil, fmt.Errorf("%w: unfinished: %s", ErrBadRegexp, s)
	}

	icase, basic := false, false
	for _, f := range s[end+1:] {
		switch f {
		case 'i':
			icase = true
		case 'b':
			basic = true
		case 'x':
			basic = false
		default:
			return nil, fmt.Errorf("%w: unknown flag %q", ErrBadRegexp, f)
		}
	}

	expr := s[1:end]
	if basic {
		expr = basicToExtended(expr)
	}
	if icase {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRegexp, err)
	}
	return re, nil
}

func isDelim(c byte) bool {
	return c > ' ' && c < 0x7f &&
		!(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z')
}

// Rewrites a POSIX basic regular expression in extended syntax.
//
// In basic syntax \( \) \{ \} \| \+ \? are operators and the bare characters
// are literals; a leading * is literal too.
func basicToExtended(s string) string {
	var b strings.Builder
	atStart := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '[':
			j := bracketEnd(s, i)
			b.WriteString(s[i:j])
			i = j - 1
			atStart = false
			continue

		case c == '\\' && i+1 < len(s):
			i++
			n := s[i]
			switch n {
			case '(', ')', '{', '}', '|', '+', '?':
				b.WriteByte(n)
				atStart = n == '(' || n == '|'
				continue
			default:
				b.WriteByte('\\')
				b.WriteByte(n)
			}

		case c == '(' || c == ')' || c == '{' || c == '}' || c == '|' || c == '+' || c == '?':
			b.WriteByte('\\')
			b.WriteByte(c)

		case c == '*' && atStart:
			b.WriteString(`\*`)

		case c == '^' && atStart:
			b.WriteByte(c)
			continue

		default:
			b.WriteByte(c)
		}
		atStart = false
	}
	return b.String()
}

// Returns the index just past the bracket expression starting at s[i].
// An unterminated expression extends to the end of s.
func bracketEnd(s string, i int) int {
	j := i + 1
	if j < len(s) && s[j] == '^' {
		j++
	}
	if j < len(s) && s[j] == ']' {
		j++
	}
	for ; j < len(s); j++ {
		switch {
		case s[j] == '[' && j+1 < len(s) && (s[j+1] == ':' || s[j+1] == '.' || s[j+1] == '='):
			if k := strings.Index(s[j+2:], string(s[j+1])+"]"); k >= 0 {
				j += k + 3
			}
		case s[j] == ']':
			return j + 1
		}
	}
	return len(s)
}

package sed

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segBackref
	segCase
)

type caseCtl int

const (
	caseStop caseCtl = iota
	caseUpperNext
	caseLowerNext
	caseUpper
	caseLower
)

// One piece of a replacement.
type segment struct {
	kind segmentKind
	text string  // segLiteral
	ref  int     // segBackref
	ctl  caseCtl // segCase
}

// A compiled s/regexp/replacement/flags expression.
type Expr struct {
	re     *regexp.Regexp
	repl   []segment
	global bool // Replace every match.
	nth    int  // Replace the nth match (and later ones when global). 0 means first.
}

// An ordered list of expressions applied in sequence.
type Program []*Expr

// Compiles one or more expressions separated by ";".
//
// Each has the form s/regexp/replacement/flags with any delimiter character.
// Flags are g (replace all), i (ignore case), x (extended syntax, always on)
// and a decimal n (start at the nth match). The replacement may contain & and
// \1 to \9, the escapes \n \t \a \f \r \v, and the case controls \U \L \u \l
// \E.
func Compile(src string, icase bool) (Program, error) {
	var prog Program
	for len(src) > 0 {
		e, rest, err := compileOne(src, icase)
		if err != nil {
			return nil, err
		}
		prog = append(prog, e)
		src = rest
	}
	return prog, nil
}

// Scans to the next unescaped delim, starting at i.
func scanTo(s string, i int, delim byte) int {
	for ; i < len(s) && s[i] != delim; i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
	}
	return i
}

func compileOne(src string, icase bool) (*Expr, string, error) {
	if len(src) < 2 || src[0] != 's' {
		return nil, "", fmt.Errorf("%w: %q: expected s", ErrSyntax, src)
	}
	delim := src[1]

	i := scanTo(src, 2, delim)
	if i >= len(src) {
		return nil, "", fmt.Errorf("%w: %q: missing delimiter", ErrSyntax, src)
	}
	j := scanTo(src, i+1, delim)
	if j >= len(src) {
		return nil, "", fmt.Errorf("%w: %q: missing trailing delimiter", ErrSyntax, src)
	}

	e := &Expr{}
	p := j + 1
	for p < len(src) && src[p] != ';' {
		c := src[p]
		switch {
		case c == 'g':
			e.global = true
		case c == 'i':
			icase = true
		case c == 'x':
		case c >= '0' && c <= '9':
			q := p
			for q < len(src) && src[q] >= '0' && src[q] <= '9' {
				q++
			}
			n, _ := strconv.Atoi(src[p:q])
			e.nth = n
			p = q
			continue
		default:
			return nil, "", fmt.Errorf("%w: %q in %q", ErrBadFlag, string(c), src)
		}
		p++
	}
	rest := ""
	if p < len(src) {
		rest = src[p+1:]
	}

	pattern := unescapeDelim(src[2:i], delim)
	if icase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	re.Longest()
	e.re = re
	e.repl = parseReplacement(unescapeDelim(src[i+1:j], delim))
	return e, rest, nil
}

// Removes the backslash from escaped delimiters.
func unescapeDelim(s string, delim byte) string {
	if delim == '\\' {
		return s
	}
	return strings.ReplaceAll(s, `\`+string(delim), string(delim))
}

func parseReplacement(s string) []segment {
	var segs []segment
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{kind: segLiteral, text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '&':
			flush()
			segs = append(segs, segment{kind: segBackref, ref: 0})

		case c == '\\' && i+1 < len(s):
			i++
			n := s[i]
			switch {
			case n >= '0' && n <= '9':
				flush()
				segs = append(segs, segment{kind: segBackref, ref: int(n - '0')})
			case n == 'n':
				lit.WriteByte('\n')
			case n == 't':
				lit.WriteByte('\t')
			case n == 'a':
				lit.WriteByte('\a')
			case n == 'f':
				lit.WriteByte('\f')
			case n == 'r':
				lit.WriteByte('\r')
			case n == 'v':
				lit.WriteByte('\v')
			case n == '\\' || n == '&':
				lit.WriteByte(n)
			case n == 'U' || n == 'L' || n == 'u' || n == 'l' || n == 'E':
				flush()
				segs = append(segs, segment{kind: segCase, ctl: caseCtlFor(n)})
			default:
				lit.WriteByte('\\')
				lit.WriteByte(n)
			}

		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return segs
}

func caseCtlFor(c byte) caseCtl {
	switch c {
	case 'U':
		return caseUpper
	case 'L':
		return caseLower
	case 'u':
		return caseUpperNext
	case 'l':
		return caseLowerNext
	}
	return caseStop
}

// Applies the expression to input.
func (e *Expr) Apply(input string) string {
	var out strings.Builder
	matches := 0
	pos := 0

	for pos <= len(input) {
		loc := e.re.FindStringSubmatchIndex(input[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		matches++

		out.WriteString(input[pos:start])
		if e.nth > 0 && matches < e.nth {
			out.WriteString(input[start:end])
		} else {
			e.expand(&out, input, pos, loc)
			if !e.global {
				pos = end
				break
			}
		}

		if end == start {
			if end < len(input) {
				out.WriteByte(input[end])
			}
			pos = end + 1
			continue
		}
		pos = end
	}

	if pos < len(input) {
		out.WriteString(input[pos:])
	}
	return out.String()
}

// Writes the replacement for one match. loc is relative to input[base:].
func (e *Expr) expand(out *strings.Builder, input string, base int, loc []int) {
	ctl, saved := caseStop, caseStop

	emit := func(s string) {
		if s == "" {
			return
		}
		switch ctl {
		case caseUpperNext:
			s = strings.ToUpper(s[:1]) + s[1:]
		case caseLowerNext:
			s = strings.ToLower(s[:1]) + s[1:]
		case caseUpper:
			s = strings.ToUpper(s)
		case caseLower:
			s = strings.ToLower(s)
		}
		if ctl == caseUpperNext || ctl == caseLowerNext {
			ctl, saved = saved, caseStop
		}
		out.WriteString(s)
	}

	for _, seg := range e.repl {
		switch seg.kind {
		case segLiteral:
			emit(seg.text)
		case segBackref:
			if 2*seg.ref+1 < len(loc) && loc[2*seg.ref] >= 0 {
				emit(input[base+loc[2*seg.ref] : base+loc[2*seg.ref+1]])
			}
		case segCase:
			if seg.ctl == caseUpperNext || seg.ctl == caseLowerNext {
				if saved == caseStop || saved == caseUpper || saved == caseLower {
					saved = ctl
				}
			}
			ctl = seg.ctl
		}
	}
}

// Applies every expression in order.
func (p Program) Apply(input string) string {
	for _, e := range p {
		input = e.Apply(input)
	}
	return input
}

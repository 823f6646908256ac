package wordsplit

import (
	"fmt"
	"log/slog"
	"strings"
)

// Treatment of references to undefined variables.
type UndefPolicy int

const (
	UndefEmpty UndefPolicy = iota // Expand to the empty string.
	UndefKeep                     // Keep the reference text as written.
	UndefError                    // Fail with [ErrUndefined].
	UndefWarn                     // Log a warning and expand to the empty string.
)

// Resolves a variable that is not in [Options.Env].
//
// Returns ok=false for unknown names. A non-nil error aborts the expansion.
type Getvar func(name string) (value string, ok bool, err error)

// Controls splitting and expansion.
type Options struct {
	Delim    string            // Delimiter characters. Empty means blanks and newlines.
	Squeeze  bool              // Collapse runs of delimiters. Implied for blank delimiters.
	Comments bool              // Ignore text from an unquoted "#" at the start of a word to end of line.
	NoQuote  bool              // Treat quote characters literally.
	NoVar    bool              // Do not expand variables.
	Env      map[string]string // Fixed variables.
	Getvar   Getvar            // Fallback resolver. May be nil.
	Undef    UndefPolicy       // Undefined variable policy.
	Logger   *slog.Logger      // Destination for [UndefWarn] messages. Nil uses slog.Default().
}

const defaultDelim = " \t\n"

func (o *Options) delim() string {
	if o.Delim == "" {
		return defaultDelim
	}
	return o.Delim
}

func (o *Options) squeeze() bool {
	if o.Squeeze {
		return true
	}
	return strings.Trim(o.delim(), " \t\n\r") == ""
}

type splitter struct {
	s    string
	i    int
	opts *Options
}

// Splits s into words.
func Split(s string, opts Options) ([]string, error) {
	sp := &splitter{s: s, opts: &opts}
	return sp.split()
}

// Expands variables in s without splitting or quote removal.
//
// A backslash before "$" yields a literal dollar sign.
func Expand(s string, opts Options) (string, error) {
	if opts.NoVar {
		return s, nil
	}

	sp := &splitter{s: s, opts: &opts}
	var b strings.Builder
	for sp.i < len(s) {
		c := s[sp.i]
		switch {
		case c == '\\' && sp.i+1 < len(s) && s[sp.i+1] == '$':
			b.WriteByte('$')
			sp.i += 2
		case c == '$':
			v, err := sp.variable()
			if err != nil {
				return "", err
			}
			b.WriteString(v)
		default:
			b.WriteByte(c)
			sp.i++
		}
	}
	return b.String(), nil
}

func (sp *splitter) split() ([]string, error) {
	var (
		words  []string
		cur    strings.Builder
		inWord bool
	)
	delim := sp.opts.delim()
	squeeze := sp.opts.squeeze()

	emit := func() {
		words = append(words, cur.String())
		cur.Reset()
		inWord = false
	}

	for sp.i < len(sp.s) {
		c := sp.s[sp.i]
		switch {
		case strings.IndexByte(delim, c) >= 0:
			if inWord || !squeeze {
				emit()
			}
			sp.i++

		case c == '#' && sp.opts.Comments && !inWord:
			if nl := strings.IndexByte(sp.s[sp.i:], '\n'); nl >= 0 {
				sp.i += nl
			} else {
				sp.i = len(sp.s)
			}

		case c == '\'' && !sp.opts.NoQuote:
			end := strings.IndexByte(sp.s[sp.i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("%w at offset %d", ErrUnbalancedQuote, sp.i)
			}
			cur.WriteString(sp.s[sp.i+1 : sp.i+1+end])
			sp.i += end + 2
			inWord = true

		case c == '"' && !sp.opts.NoQuote:
			if err := sp.doubleQuoted(&cur); err != nil {
				return nil, err
			}
			inWord = true

		case c == '\\':
			if sp.i+1 < len(sp.s) {
				cur.WriteByte(sp.s[sp.i+1])
				sp.i += 2
			} else {
				cur.WriteByte(c)
				sp.i++
			}
			inWord = true

		case c == '$' && !sp.opts.NoVar:
			v, err := sp.variable()
			if err != nil {
				return nil, err
			}
			cur.WriteString(v)
			inWord = true

		default:
			cur.WriteByte(c)
			sp.i++
			inWord = true
		}
	}

	if inWord {
		emit()
	}
	return words, nil
}

// Consumes a double-quoted string starting at the opening quote.
func (sp *splitter) doubleQuoted(b *strings.Builder) error {
	start := sp.i
	sp.i++
	for sp.i < len(sp.s) {
		c := sp.s[sp.i]
		switch {
		case c == '"':
			sp.i++
			return nil

		case c == '\\' && sp.i+1 < len(sp.s):
			next := sp.s[sp.i+1]
			switch next {
			case '"', '\\', '$':
				b.WriteByte(next)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\n':
			default:
				b.WriteByte(c)
				b.WriteByte(next)
			}
			sp.i += 2

		case c == '$' && !sp.opts.NoVar:
			v, err := sp.variable()
			if err != nil {
				return err
			}
			b.WriteString(v)

		default:
			b.WriteByte(c)
			sp.i++
		}
	}
	return fmt.Errorf("%w at offset %d", ErrUnbalancedQuote, start)
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

// Reports whether name is a valid variable name.
func IsName(name string) bool {
	if name == "" || !isNameStart(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return false
		}
	}
	return true
}

// Expands the variable reference starting at the "$" under the cursor.
func (sp *splitter) variable() (string, error) {
	start := sp.i
	sp.i++
	if sp.i >= len(sp.s) {
		return "$", nil
	}

	if sp.s[sp.i] == '{' {
		end := strings.IndexByte(sp.s[sp.i:], '}')
		if end < 0 {
			return "", fmt.Errorf("%w at offset %d", ErrBadSyntax, start)
		}
		body := sp.s[sp.i+1 : sp.i+end]
		sp.i += end + 1
		return sp.braced(body, sp.s[start:sp.i], start)
	}

	if !isNameStart(sp.s[sp.i]) {
		return "$", nil
	}
	j := sp.i
	for j < len(sp.s) && isNameChar(sp.s[j]) {
		j++
	}
	name := sp.s[sp.i:j]
	sp.i = j

	v, ok, err := sp.lookup(name)
	if err != nil {
		return "", err
	}
	if ok {
		return v, nil
	}
	return sp.undefined(name, sp.s[start:j])
}

// Expands the body of a ${...} reference.
func (sp *splitter) braced(body, ref string, pos int) (string, error) {
	name, def, mode := body, "", 0
	if i := strings.Index(body, ":-"); i >= 0 {
		name, def, mode = body[:i], body[i+2:], 2
	} else if i := strings.IndexByte(body, '-'); i >= 0 {
		name, def, mode = body[:i], body[i+1:], 1
	}
	if !IsName(name) {
		return "", fmt.Errorf("%w at offset %d: %q", ErrBadSyntax, pos, ref)
	}

	v, ok, err := sp.lookup(name)
	if err != nil {
		return "", err
	}
	switch {
	case ok && (mode != 2 || v != ""):
		return v, nil
	case mode != 0:
		return Expand(def, *sp.opts)
	}
	return sp.undefined(name, ref)
}

func (sp *splitter) lookup(name string) (string, bool, error) {
	if v, ok := sp.opts.Env[name]; ok {
		return v, true, nil
	}
	if sp.opts.Getvar != nil {
		return sp.opts.Getvar(name)
	}
	return "", false, nil
}

func (sp *splitter) undefined(name, ref string) (string, error) {
	switch sp.opts.Undef {
	case UndefKeep:
		return ref, nil
	case UndefError:
		return "", fmt.Errorf("%w: %s", ErrUndefined, name)
	case UndefWarn:
		logger := sp.opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("undefined variable", "name", name)
	}
	return "", nil
}

// Returns a resolver over multi-valued variables, joining values with sep.
func Joined(values map[string][]string, sep string) Getvar {
	return func(name string) (string, bool, error) {
		v, ok := values[name]
		if !ok {
			return "", false, nil
		}
		return strings.Join(v, sep), true, nil
	}
}

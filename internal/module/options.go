package module

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// A named module or database option.
//
// Value must be a pointer to string, bool, int, time.Duration or []string.
// Booleans are written "name" or "noname"; everything else as "name=value".
// A []string target collects every occurrence.
type Option struct {
	Name  string
	Value any
}

// Parses name=value options from args and returns the remaining positional
// arguments in order.
//
// Options and positional arguments may be interleaved. An argument that looks
// like "name=value" but names no option is an error; any other unmatched
// argument is positional.
func ParseOptions(args []string, opts []Option) ([]string, error) {
	var rest []string
	for _, arg := range args {
		opt, value, hasValue := findOption(opts, arg)
		if opt == nil {
			if name, _, ok := strings.Cut(arg, "="); ok && isOptionName(name) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownOption, name)
			}
			rest = append(rest, arg)
			continue
		}
		if err := setOption(opt, value, hasValue); err != nil {
			return nil, fmt.Errorf("%s: %w", arg, err)
		}
	}
	return rest, nil
}

// Like [ParseOptions] but rejects positional arguments.
func ParseOnlyOptions(args []string, opts []Option) error {
	rest, err := ParseOptions(args, opts)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownOption, rest[0])
	}
	return nil
}

func isOptionName(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !(c == '-' || c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

// Finds the option named by arg. For negated booleans value is "false".
func findOption(opts []Option, arg string) (*Option, string, bool) {
	name, value, hasValue := strings.Cut(arg, "=")
	for i := range opts {
		if opts[i].Name == name {
			return &opts[i], value, hasValue
		}
	}
	if !hasValue && len(name) > 2 && strings.HasPrefix(name, "no") {
		for i := range opts {
			if _, ok := opts[i].Value.(*bool); ok && opts[i].Name == name[2:] {
				return &opts[i], "false", true
			}
		}
	}
	return nil, "", false
}

func setOption(opt *Option, value string, hasValue bool) error {
	if b, ok := opt.Value.(*bool); ok {
		if !hasValue {
			*b = true
			return nil
		}
		v, err := ParseBool(value)
		if err != nil {
			return err
		}
		*b = v
		return nil
	}

	if !hasValue {
		return fmt.Errorf("%w: %s requires a value", ErrInvalidOption, opt.Name)
	}

	switch p := opt.Value.(type) {
	case *string:
		*p = value
	case *[]string:
		*p = append(*p, value)
	case *int:
		n, err := strconv.ParseInt(value, 0, 0)
		if err != nil {
			return fmt.Errorf("%w: not a valid number", ErrInvalidOption)
		}
		*p = int(n)
	case *time.Duration:
		d, err := time.ParseDuration(value)
		if err != nil {
			n, nerr := strconv.Atoi(value)
			if nerr != nil {
				return fmt.Errorf("%w: not a valid duration", ErrInvalidOption)
			}
			d = time.Duration(n) * time.Second
		}
		*p = d
	default:
		return fmt.Errorf("%w: unsupported target for %s", ErrInvalidOption, opt.Name)
	}
	return nil
}

// Parses a boolean written as yes/on/t/true/1 or no/off/nil/false/0.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "on", "t", "true", "1":
		return true, nil
	case "no", "off", "nil", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: not a boolean: %q", ErrInvalidOption, s)
}

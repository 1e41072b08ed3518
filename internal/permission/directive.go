package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidDirective = errors.New("invalid permission directive")

// Effect is the outcome a directive produces when it matches.
type Effect int

const (
	Allow Effect = iota
	Deny
)

func (e Effect) String() string {
	if e == Deny {
		return "deny"
	}
	return "allow"
}

const (
	denyPrefix    = "!"
	segmentSep    = ":"
	paramsSep     = "?"
	pairSep       = "&"
	kvSep         = "="
	wildcard      = "*"
	maxPatternLen = 256
)

// Directive is one allow or deny rule over a permission path pattern.
//
// String form: [!]path[?key=value&key2=value2]. Path segments are separated by
// ":"; "*" matches any single segment and "{name}" matches any single segment
// while binding it to name. A pattern of "*" alone matches every path. A
// parameter value of "*" matches any request value.
type Directive struct {
	Effect  Effect
	Pattern string
	Params  map[string]string
}

// AllowOf returns an unconditional allow directive for path.
func AllowOf(path string) Directive {
	return Directive{Effect: Allow, Pattern: path}
}

// DenyOf returns an unconditional deny directive for path.
func DenyOf(path string) Directive {
	return Directive{Effect: Deny, Pattern: path}
}

// ParseDirective parses the string form of a directive.
func ParseDirective(raw string) (Directive, error) {
	s := strings.TrimSpace(raw)
	d := Directive{Effect: Allow}
	if strings.HasPrefix(s, denyPrefix) {
		d.Effect = Deny
		s = strings.TrimPrefix(s, denyPrefix)
	}
	if s == "" || len(s) > maxPatternLen {
		return Directive{}, fmt.Errorf("%w: %q", ErrInvalidDirective, raw)
	}

	pattern, query, hasQuery := strings.Cut(s, paramsSep)
	if err := validatePattern(pattern); err != nil {
		return Directive{}, fmt.Errorf("%w: %q: %v", ErrInvalidDirective, raw, err)
	}
	d.Pattern = pattern

	if hasQuery {
		params, err := parseParams(query)
		if err != nil {
			return Directive{}, fmt.Errorf("%w: %q: %v", ErrInvalidDirective, raw, err)
		}
		d.Params = params
	}
	return d, nil
}

// MustParseDirective is ParseDirective for static tables; it panics on error.
func MustParseDirective(raw string) Directive {
	d, err := ParseDirective(raw)
	if err != nil {
		panic(err)
	}
	return d
}

func validatePattern(pattern string) error {
	if pattern == wildcard {
		return nil
	}
	for _, seg := range strings.Split(pattern, segmentSep) {
		if seg == "" {
			return errors.New("empty segment")
		}
		if seg == wildcard {
			continue
		}
		if strings.HasPrefix(seg, "{") || strings.HasSuffix(seg, "}") {
			if _, ok := placeholderName(seg); !ok {
				return fmt.Errorf("malformed placeholder %q", seg)
			}
			continue
		}
		for _, r := range seg {
			if !isNameRune(r) {
				return fmt.Errorf("invalid character %q", r)
			}
		}
	}
	return nil
}

func parseParams(query string) (map[string]string, error) {
	if query == "" {
		return nil, errors.New("empty parameter list")
	}
	params := make(map[string]string)
	for _, pair := range strings.Split(query, pairSep) {
		k, v, ok := strings.Cut(pair, kvSep)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("malformed parameter %q", pair)
		}
		for _, r := range k {
			if !isNameRune(r) {
				return nil, fmt.Errorf("invalid parameter name %q", k)
			}
		}
		if strings.ContainsAny(v, " \t?&=") {
			return nil, fmt.Errorf("invalid parameter value %q", v)
		}
		if _, dup := params[k]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", k)
		}
		params[k] = v
	}
	return params, nil
}

// IsBindingValue reports whether v may be substituted for a template
// placeholder. Only name characters are allowed, so a value can never turn
// into a wildcard, a second segment or an extra parameter.
func IsBindingValue(v string) bool {
	if v == "" || len(v) > maxPatternLen {
		return false
	}
	for _, r := range v {
		if !isNameRune(r) {
			return false
		}
	}
	return true
}

func isNameRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '.'
}

func placeholderName(seg string) (string, bool) {
	if len(seg) < 3 || seg[0] != '{' || seg[len(seg)-1] != '}' {
		return "", false
	}
	name := seg[1 : len(seg)-1]
	for _, r := range name {
		if !isNameRune(r) {
			return "", false
		}
	}
	return name, true
}

// String renders the directive in its canonical form (parameters sorted by key).
func (d Directive) String() string {
	var b strings.Builder
	if d.Effect == Deny {
		b.WriteString(denyPrefix)
	}
	b.WriteString(d.Pattern)
	if len(d.Params) > 0 {
		keys := make([]string, 0, len(d.Params))
		for k := range d.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(paramsSep)
		for i, k := range keys {
			if i > 0 {
				b.WriteString(pairSep)
			}
			b.WriteString(k)
			b.WriteString(kvSep)
			b.WriteString(d.Params[k])
		}
	}
	return b.String()
}

// Unconditional reports whether the directive carries no parameter constraints.
func (d Directive) Unconditional() bool {
	return len(d.Params) == 0
}

// IsWildcard reports whether the pattern can match more than one path.
func (d Directive) IsWildcard() bool {
	if d.Pattern == wildcard {
		return true
	}
	for _, seg := range strings.Split(d.Pattern, segmentSep) {
		if seg == wildcard {
			return true
		}
		if _, ok := placeholderName(seg); ok {
			return true
		}
	}
	return false
}

// match reports whether the pattern matches path and returns the values bound
// by {name} segments.
func (d Directive) match(path string) (map[string]string, bool) {
	if d.Pattern == wildcard {
		return nil, true
	}
	if d.Pattern == path {
		return nil, true
	}
	pSegs := strings.Split(d.Pattern, segmentSep)
	rSegs := strings.Split(path, segmentSep)
	if len(pSegs) != len(rSegs) {
		return nil, false
	}
	var bound map[string]string
	for i, seg := range pSegs {
		switch {
		case seg == wildcard:
		case seg == rSegs[i]:
		default:
			name, ok := placeholderName(seg)
			if !ok {
				return nil, false
			}
			if bound == nil {
				bound = make(map[string]string)
			}
			bound[name] = rSegs[i]
		}
	}
	return bound, true
}

// bindings merges path-bound values with the directive's parameter constraints.
// Constraint values win when both name the same key.
func (d Directive) bindings(pathBound map[string]string) map[string]string {
	if len(pathBound) == 0 && len(d.Params) == 0 {
		return nil
	}
	out := make(map[string]string, len(pathBound)+len(d.Params))
	for k, v := range pathBound {
		out[k] = v
	}
	for k, v := range d.Params {
		out[k] = v
	}
	return out
}

// clone returns a deep copy of the directive.
func (d Directive) clone() Directive {
	if d.Params == nil {
		return d
	}
	params := make(map[string]string, len(d.Params))
	for k, v := range d.Params {
		params[k] = v
	}
	d.Params = params
	return d
}

package permission

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Scope is an ordered set of directives. The zero value denies everything.
type Scope struct {
	directives []Directive
}

// NewScope builds a scope from directives, copying them.
func NewScope(directives ...Directive) Scope {
	out := make([]Directive, 0, len(directives))
	for _, d := range directives {
		out = append(out, d.clone())
	}
	return Scope{directives: out}
}

// ParseScope parses directive strings into a scope.
func ParseScope(raw []string) (Scope, error) {
	out := make([]Directive, 0, len(raw))
	for _, r := range raw {
		d, err := ParseDirective(r)
		if err != nil {
			return Scope{}, err
		}
		out = append(out, d)
	}
	return Scope{directives: out}, nil
}

// FromPermissions builds a scope from a legacy flat permission list. Each entry
// becomes an unconditional allow for exactly that identifier, so evaluation
// degenerates to set membership. Entries that are not plain paths are dropped.
func FromPermissions(perms []string) Scope {
	out := make([]Directive, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" || strings.ContainsAny(p, "!?*{}") {
			continue
		}
		if err := validatePattern(p); err != nil {
			continue
		}
		out = append(out, AllowOf(p))
	}
	return Scope{directives: out}
}

// Directives returns a copy of the directives in order.
func (s Scope) Directives() []Directive {
	out := make([]Directive, len(s.directives))
	for i, d := range s.directives {
		out[i] = d.clone()
	}
	return out
}

// Len returns the number of directives.
func (s Scope) Len() int { return len(s.directives) }

// IsEmpty reports whether the scope has no directives.
func (s Scope) IsEmpty() bool { return len(s.directives) == 0 }

// Strings renders every directive, deduplicated and sorted, for signing and storage.
func (s Scope) Strings() []string {
	seen := make(map[string]struct{}, len(s.directives))
	out := make([]string, 0, len(s.directives))
	for _, d := range s.directives {
		str := d.String()
		if _, ok := seen[str]; ok {
			continue
		}
		seen[str] = struct{}{}
		out = append(out, str)
	}
	sort.Strings(out)
	return out
}

// Restrict returns a copy of the scope in which the given permissions can never
// be granted: exact allow directives for them are removed and an unconditional
// deny for each is appended.
func (s Scope) Restrict(perms ...string) Scope {
	blocked := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		blocked[p] = struct{}{}
	}
	out := make([]Directive, 0, len(s.directives)+len(perms))
	for _, d := range s.directives {
		if d.Effect == Allow && !d.IsWildcard() {
			if _, ok := blocked[d.Pattern]; ok {
				continue
			}
		}
		out = append(out, d.clone())
	}
	for _, p := range perms {
		out = append(out, DenyOf(p))
	}
	return Scope{directives: out}
}

// decision is the internal outcome of evaluating one permission.
type decision struct {
	granted bool
	params  map[string]string
}

func (s Scope) evaluate(perm string, params map[string]string) decision {
	var allows []map[string]string
	for _, d := range s.directives {
		pathBound, ok := d.match(perm)
		if !ok {
			continue
		}
		if d.Effect == Deny {
			if consistent(d.bindings(pathBound), params) {
				return decision{}
			}
			continue
		}
		// Path-bound values only have to agree with the request; explicit
		// constraints have to be supplied by it.
		if consistent(pathBound, params) && satisfied(d.Params, params) {
			allows = append(allows, merge(pathBound, resolve(d.Params, params)))
		}
	}
	if len(allows) == 0 {
		return decision{}
	}
	return decision{granted: true, params: allows[0]}
}

func merge(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// consistent reports whether no key bound by the directive conflicts with a
// request-time value. Keys missing from the request do not conflict.
func consistent(bound, params map[string]string) bool {
	for k, v := range bound {
		if v == wildcard {
			continue
		}
		if rv, ok := params[k]; ok && rv != v {
			return false
		}
	}
	return true
}

// satisfied reports whether every key bound by the directive is supplied by the
// request with an equal value.
func satisfied(bound, params map[string]string) bool {
	for k, v := range bound {
		rv, ok := params[k]
		if !ok {
			return false
		}
		if v != wildcard && rv != v {
			return false
		}
	}
	return true
}

func resolve(bound, params map[string]string) map[string]string {
	out := make(map[string]string, len(bound))
	for k, v := range bound {
		if v == wildcard {
			v = params[k]
		}
		out[k] = v
	}
	return out
}

// HasPermission reports whether the scope grants perm under the request-time
// parameters. An explicit deny always wins; no match denies.
func (s Scope) HasPermission(perm string, params map[string]string) bool {
	return s.evaluate(perm, params).granted
}

// HasAnyPermission is the logical OR of HasPermission over perms.
func (s Scope) HasAnyPermission(params map[string]string, perms ...string) bool {
	for _, p := range perms {
		if s.HasPermission(p, params) {
			return true
		}
	}
	return false
}

// HasAllPermissions is the logical AND of HasPermission over perms. An empty
// list is vacuously granted.
func (s Scope) HasAllPermissions(params map[string]string, perms ...string) bool {
	for _, p := range perms {
		if !s.HasPermission(p, params) {
			return false
		}
	}
	return true
}

// GetParameters returns the bound parameters of the first satisfied allow
// directive for perm. ok is false when the permission is not granted.
func (s Scope) GetParameters(perm string, params map[string]string) (map[string]string, bool) {
	d := s.evaluate(perm, params)
	if !d.granted {
		return nil, false
	}
	if d.params == nil {
		return map[string]string{}, true
	}
	return d.params, true
}

// Constraints lists the parameter sets under which perm could be granted,
// without request-time values. Callers use it to narrow their own queries, e.g.
// to the ownerId values a listing may return. Unconditional allows yield an
// empty map; an unconditional deny yields nothing.
func (s Scope) Constraints(perm string) []map[string]string {
	var out []map[string]string
	for _, d := range s.directives {
		pathBound, ok := d.match(perm)
		if !ok {
			continue
		}
		bound := d.bindings(pathBound)
		if d.Effect == Deny {
			if len(bound) == 0 {
				return nil
			}
			continue
		}
		if bound == nil {
			bound = map[string]string{}
		}
		if s.evaluate(perm, bound).granted {
			out = append(out, bound)
		}
	}
	return out
}

// MarshalJSON encodes the scope as its sorted directive strings.
func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes a list of directive strings.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode scope: %w", err)
	}
	parsed, err := ParseScope(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

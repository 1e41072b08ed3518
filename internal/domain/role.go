package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/dlddu/tiny-identity/internal/permission"
)

// Built-in role codes created by the role bootstrap.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ParamAccountID is bound automatically to the assignee's id when a role is
// assigned at registration.
const ParamAccountID = "accountId"

// Role is a named bundle of permission templates. A template is a directive
// string that may contain {param} placeholders anywhere in it.
type Role struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	System      bool      `json:"system"`
	Templates   []string  `json:"templates"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks that the role is well formed and that every template, with
// its placeholders filled in, parses as a directive.
func (r *Role) Validate() error {
	if strings.TrimSpace(r.Code) == "" {
		return ValidationError("role code is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return ValidationError("role name is required")
	}
	for _, tpl := range r.Templates {
		probe := tpl
		for _, p := range placeholders(tpl) {
			probe = strings.ReplaceAll(probe, "{"+p+"}", "x")
		}
		if _, err := permission.ParseDirective(probe); err != nil {
			return Wrap(KindValidation, "invalid role template "+tpl, err)
		}
	}
	return nil
}

// RequiredParams returns the placeholder names used by the role's templates,
// sorted and deduplicated.
func (r *Role) RequiredParams() []string {
	seen := make(map[string]struct{})
	for _, tpl := range r.Templates {
		for _, p := range placeholders(tpl) {
			seen[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Expand substitutes bindings into the role's templates. A template with any
// placeholder left unresolved or bound to a value that is not a plain name is
// skipped, as is one that does not parse after substitution.
func (r *Role) Expand(bindings map[string]string) []string {
	out := make([]string, 0, len(r.Templates))
	for _, tpl := range r.Templates {
		expanded, ok := expandTemplate(tpl, bindings)
		if !ok {
			continue
		}
		d, err := permission.ParseDirective(expanded)
		if err != nil {
			continue
		}
		out = append(out, d.String())
	}
	return out
}

func expandTemplate(tpl string, bindings map[string]string) (string, bool) {
	out := tpl
	for _, p := range placeholders(tpl) {
		v, ok := bindings[p]
		if !ok || !permission.IsBindingValue(v) {
			return "", false
		}
		out = strings.ReplaceAll(out, "{"+p+"}", v)
	}
	return out, true
}

// placeholders returns the {name} tokens of a template in order of appearance.
func placeholders(tpl string) []string {
	var out []string
	for {
		start := strings.IndexByte(tpl, '{')
		if start < 0 {
			return out
		}
		end := strings.IndexByte(tpl[start:], '}')
		if end < 0 {
			return out
		}
		if name := tpl[start+1 : start+end]; name != "" {
			out = append(out, name)
		}
		tpl = tpl[start+end+1:]
	}
}

// RoleAssignment binds a role to an account together with parameter values for
// the role's templates.
type RoleAssignment struct {
	RoleID   string            `json:"role_id"`
	Bindings map[string]string `json:"bindings,omitempty"`
}

// ValidateBindings rejects binding names and values that are not plain
// names. Values such as "*" or "me&x=1" would widen the expanded scope.
func ValidateBindings(bindings map[string]string) error {
	for k, v := range bindings {
		if !permission.IsBindingValue(k) {
			return ValidationError("invalid binding name %q", k)
		}
		if !permission.IsBindingValue(v) {
			return ValidationError("invalid value for binding %q", k)
		}
	}
	return nil
}

func (a RoleAssignment) clone() RoleAssignment {
	if a.Bindings == nil {
		return a
	}
	b := make(map[string]string, len(a.Bindings))
	for k, v := range a.Bindings {
		b[k] = v
	}
	a.Bindings = b
	return a
}

// Package permission defines permission identifiers, allow/deny scope directives
// and the evaluator that decides whether a scope grants a requested permission.
//
// Everything in this package is pure: no I/O, no clocks, no shared mutable state.
package permission

import "sort"

// Identity and credential management permissions.
const (
	AccountsRead   = "accounts:read"
	AccountsManage = "accounts:manage"
	RolesAssign    = "roles:assign"
	RolesManage    = "roles:manage"
	SessionsRead   = "sessions:read"
	SessionsRevoke = "sessions:revoke"
	APIKeysCreate  = "apikeys:create"
	APIKeysRead    = "apikeys:read"
	APIKeysRevoke  = "apikeys:revoke"
	TokensRefresh  = "tokens:refresh"
	PasskeysManage = "passkeys:manage"
)

// Business permissions of the surrounding platform. They are usually granted
// with an ownerId constraint.
const (
	PortfoliosRead  = "portfolios:read"
	PortfoliosWrite = "portfolios:write"
	OrdersRead      = "orders:read"
	OrdersWrite     = "orders:write"
	BotsRead        = "bots:read"
	BotsManage      = "bots:manage"
)

// ParamOwnerID is the conventional row-level parameter name.
const ParamOwnerID = "ownerId"

// CredentialManagement lists the permissions a restricted credential (API key)
// must never carry.
var CredentialManagement = []string{
	APIKeysCreate,
	APIKeysRead,
	APIKeysRevoke,
	TokensRefresh,
	SessionsRevoke,
	PasskeysManage,
}

// Definition describes one permission of the catalog.
type Definition struct {
	Name        string
	Description string
	Params      []string
}

// Catalog is an immutable set of known permission definitions.
type Catalog struct {
	defs map[string]Definition
}

// NewCatalog builds a catalog from definitions. Later duplicates win.
func NewCatalog(defs ...Definition) *Catalog {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		params := make([]string, len(d.Params))
		copy(params, d.Params)
		d.Params = params
		c.defs[d.Name] = d
	}
	return c
}

// Lookup returns the definition registered under name.
func (c *Catalog) Lookup(name string) (Definition, bool) {
	d, ok := c.defs[name]
	if !ok {
		return Definition{}, false
	}
	params := make([]string, len(d.Params))
	copy(params, d.Params)
	d.Params = params
	return d, true
}

// Contains reports whether name is a known permission.
func (c *Catalog) Contains(name string) bool {
	_, ok := c.defs[name]
	return ok
}

// Names returns all permission names in lexical order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.defs))
	for name := range c.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Builtin is the catalog of permissions understood by the platform.
var Builtin = NewCatalog(
	Definition{Name: AccountsRead, Description: "Read own account profile"},
	Definition{Name: AccountsManage, Description: "Suspend, deactivate and unlock accounts"},
	Definition{Name: RolesAssign, Description: "Assign roles to accounts"},
	Definition{Name: RolesManage, Description: "Create and delete roles"},
	Definition{Name: SessionsRead, Description: "List own sessions"},
	Definition{Name: SessionsRevoke, Description: "Revoke own sessions"},
	Definition{Name: APIKeysCreate, Description: "Create API keys"},
	Definition{Name: APIKeysRead, Description: "List API keys"},
	Definition{Name: APIKeysRevoke, Description: "Revoke API keys"},
	Definition{Name: TokensRefresh, Description: "Exchange a refresh token"},
	Definition{Name: PasskeysManage, Description: "Register passkeys"},
	Definition{Name: PortfoliosRead, Description: "Read portfolios", Params: []string{ParamOwnerID}},
	Definition{Name: PortfoliosWrite, Description: "Modify portfolios", Params: []string{ParamOwnerID}},
	Definition{Name: OrdersRead, Description: "Read orders", Params: []string{ParamOwnerID}},
	Definition{Name: OrdersWrite, Description: "Place and cancel orders", Params: []string{ParamOwnerID}},
	Definition{Name: BotsRead, Description: "Read trading bots", Params: []string{ParamOwnerID}},
	Definition{Name: BotsManage, Description: "Start, stop and configure trading bots", Params: []string{ParamOwnerID}},
)

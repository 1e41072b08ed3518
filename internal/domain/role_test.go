package domain

import (
	"errors"
	"reflect"
	"testing"

	"github.com/dlddu/tiny-identity/internal/permission"
)

func TestRole_Expand(t *testing.T) {
	role := &Role{
		Code: "trader",
		Name: "Trader",
		Templates: []string{
			"orders:read?ownerId={ownerId}",
			"orders:write?ownerId={ownerId}&market={market}",
			"bots:read",
			"!bots:manage?ownerId={ownerId}",
		},
	}

	tests := []struct {
		name     string
		bindings map[string]string
		want     []string
	}{
		{
			name:     "should skip every template with a missing parameter",
			bindings: nil,
			want:     []string{"bots:read"},
		},
		{
			name:     "should expand templates whose parameters are bound",
			bindings: map[string]string{"ownerId": "42"},
			want:     []string{"orders:read?ownerId=42", "bots:read", "!bots:manage?ownerId=42"},
		},
		{
			name:     "should expand all templates when fully bound",
			bindings: map[string]string{"ownerId": "42", "market": "spot"},
			want: []string{
				"orders:read?ownerId=42",
				"orders:write?market=spot&ownerId=42",
				"bots:read",
				"!bots:manage?ownerId=42",
			},
		},
		{
			name:     "should treat empty binding as missing",
			bindings: map[string]string{"ownerId": ""},
			want:     []string{"bots:read"},
		},
		{
			name:     "should skip templates that become malformed",
			bindings: map[string]string{"ownerId": "a&b"},
			want:     []string{"bots:read"},
		},
		{
			name:     "should not let a wildcard value widen the scope",
			bindings: map[string]string{"ownerId": "*", "market": "spot"},
			want:     []string{"bots:read"},
		},
		{
			name:     "should not let a value inject parameters",
			bindings: map[string]string{"ownerId": "me&market=spot"},
			want:     []string{"bots:read"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := role.Expand(tt.bindings)

			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expand(%v) = %v, want %v", tt.bindings, got, tt.want)
			}
		})
	}
}

func TestRole_ExpandRejectsSegmentWildcard(t *testing.T) {
	role := &Role{Code: "scoped", Name: "Scoped", Templates: []string{"orders:{scope}:read", "orders:*?ownerId={accountId}"}}

	got := role.Expand(map[string]string{"scope": "*", "accountId": "*"})
	if len(got) != 0 {
		t.Fatalf("Expand() = %v, want no permissions", got)
	}

	scope, err := permission.ParseScope(role.Expand(map[string]string{"scope": "eu", "accountId": "acc-1"}))
	if err != nil {
		t.Fatalf("ParseScope: %v", err)
	}
	if scope.HasPermission("orders:read", map[string]string{"ownerId": "victim"}) {
		t.Error("binding for acc-1 must not grant another owner's orders")
	}
	if !scope.HasPermission("orders:read", map[string]string{"ownerId": "acc-1"}) {
		t.Error("bound owner should be granted")
	}
}

func TestValidateBindings(t *testing.T) {
	tests := []struct {
		name     string
		bindings map[string]string
		wantErr  bool
	}{
		{name: "should accept plain values", bindings: map[string]string{"tenantId": "t-1", "accountId": "01HZX.abc_d"}},
		{name: "should accept no bindings", bindings: nil},
		{name: "should reject wildcard value", bindings: map[string]string{"accountId": "*"}, wantErr: true},
		{name: "should reject injected parameter", bindings: map[string]string{"accountId": "me&x=1"}, wantErr: true},
		{name: "should reject segment separator", bindings: map[string]string{"scope": "a:b"}, wantErr: true},
		{name: "should reject placeholder value", bindings: map[string]string{"scope": "{other}"}, wantErr: true},
		{name: "should reject empty value", bindings: map[string]string{"scope": ""}, wantErr: true},
		{name: "should reject bad name", bindings: map[string]string{"a?b": "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBindings(tt.bindings)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateBindings() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestRole_MissingRequiredParameterContributesNothing(t *testing.T) {
	role := &Role{Code: "owner", Name: "Owner", Templates: []string{"portfolios:write?ownerId={ownerId}"}}

	if got := role.Expand(map[string]string{"other": "x"}); len(got) != 0 {
		t.Errorf("Expand() = %v, want no permissions", got)
	}
}

func TestRole_RequiredParams(t *testing.T) {
	role := &Role{Templates: []string{
		"orders:write?ownerId={ownerId}&market={market}",
		"tenants:{tenantId}:read",
		"orders:read?ownerId={ownerId}",
	}}

	got := role.RequiredParams()

	if want := []string{"market", "ownerId", "tenantId"}; !reflect.DeepEqual(got, want) {
		t.Errorf("RequiredParams() = %v, want %v", got, want)
	}
}

func TestRole_Validate(t *testing.T) {
	tests := []struct {
		name    string
		role    Role
		wantErr bool
	}{
		{
			name: "should accept templated role",
			role: Role{Code: "user", Name: "User", Templates: []string{"portfolios:read?ownerId={accountId}", "accounts:read"}},
		},
		{
			name:    "should reject missing code",
			role:    Role{Name: "User"},
			wantErr: true,
		},
		{
			name:    "should reject missing name",
			role:    Role{Code: "user"},
			wantErr: true,
		},
		{
			name:    "should reject malformed template",
			role:    Role{Code: "user", Name: "User", Templates: []string{"orders::read"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.role.Validate()

			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

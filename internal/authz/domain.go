// Package authz resolves role capabilities for the lifecycle services and HTTP routes.
// Roles are stored by the authentication collaborator; this package only checks membership.
package authz

import (
	"context"
	"strings"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Role is a role name granted by the authentication collaborator.
type Role string

const (
	RoleOwner    Role = "Owner"
	RoleAdmin    Role = "Admin"
	RoleEmployee Role = "Employee"
	RoleClient   Role = "Client"
	RoleHR       Role = "HR"
)

var knownRoles = []Role{RoleOwner, RoleAdmin, RoleEmployee, RoleClient, RoleHR}

// Capability is a named set of roles permitted to perform an operation.
type Capability struct {
	Name  string
	Roles []Role
}

var (
	// Management may approve, reject and reprice.
	Management = Capability{Name: "management", Roles: []Role{RoleAdmin, RoleOwner}}
	// Staff covers every internal user.
	Staff = Capability{Name: "staff", Roles: []Role{RoleEmployee, RoleAdmin, RoleOwner}}
	// Client covers portal customers.
	Client = Capability{Name: "client", Roles: []Role{RoleClient}}
)

// Principal describes the authenticated actor. The zero value is anonymous.
type Principal struct {
	UserID int64
	Email  string
	Roles  []Role
}

// Anonymous is the principal for unauthenticated public token access.
var Anonymous = Principal{}

// IsAnonymous reports whether no user is attached.
func (p Principal) IsAnonymous() bool {
	return p.UserID <= 0
}

// HasRole reports role membership.
func (p Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Can reports whether the principal holds any role of the capability.
func (p Principal) Can(c Capability) bool {
	if p.IsAnonymous() {
		return false
	}
	for _, r := range c.Roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// ActorID returns the user id or nil for anonymous principals, ready for nullable columns.
func (p Principal) ActorID() *int64 {
	if p.IsAnonymous() {
		return nil
	}
	id := p.UserID
	return &id
}

// NormalizeRole maps a stored role name onto a known Role, case-insensitively.
func NormalizeRole(name string) (Role, bool) {
	name = strings.TrimSpace(name)
	for _, r := range knownRoles {
		if strings.EqualFold(string(r), name) {
			return r, true
		}
	}
	return "", false
}

// FromSession builds a Principal from session data, dropping unknown role names.
func FromSession(sess *shared.SessionData) Principal {
	if sess == nil {
		return Anonymous
	}
	p := Principal{UserID: sess.UserID, Email: sess.Email}
	for _, name := range sess.Roles {
		if r, ok := NormalizeRole(name); ok && !p.HasRole(r) {
			p.Roles = append(p.Roles, r)
		}
	}
	return p
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the request principal or Anonymous.
func PrincipalFromContext(ctx context.Context) Principal {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok {
		return Anonymous
	}
	return p
}

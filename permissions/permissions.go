// Package permissions maps user roles to the permission bits carried in
// access tokens.
package permissions

import (
	"context"
	"fmt"
	"math/bits"
	"strings"
)

// Permissions is a bit set. A user's permissions are the union of the
// permissions of all of their roles.
type Permissions uint64

// Permission bits.
const (
	None        Permissions = 0
	ViewPolls   Permissions = 1 << 0
	Vote        Permissions = 1 << 1
	CreatePolls Permissions = 1 << 2
	ManagePolls Permissions = 1 << 3
	ManageUsers Permissions = 1 << 4
	ManageRoles Permissions = 1 << 5

	// Administrator grants All when present.
	Administrator Permissions = 1 << 62

	All Permissions = ViewPolls | Vote | CreatePolls | ManagePolls | ManageUsers | ManageRoles | Administrator
)

var names = []struct {
	p    Permissions
	name string
}{
	{ViewPolls, "view_polls"},
	{Vote, "vote"},
	{CreatePolls, "create_polls"},
	{ManagePolls, "manage_polls"},
	{ManageUsers, "manage_users"},
	{ManageRoles, "manage_roles"},
	{Administrator, "administrator"},
}

// Has reports whether every bit of want is set in p.
func (p Permissions) Has(want Permissions) bool {
	return p&want == want
}

// Names returns the names of the set bits in a stable order.
func (p Permissions) Names() []string {
	out := make([]string, 0, bits.OnesCount64(uint64(p)))
	for _, n := range names {
		if p&n.p != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

func (p Permissions) String() string {
	if p == None {
		return "none"
	}
	return strings.Join(p.Names(), "|")
}

// Parse converts a permission name to its bit.
func Parse(name string) (Permissions, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "all" {
		return All, nil
	}
	for _, n := range names {
		if n.name == name {
			return n.p, nil
		}
	}
	return None, fmt.Errorf("unknown permission %q", name)
}

// Combine ORs role permissions together. Administrator expands to All.
func Combine(perms ...Permissions) Permissions {
	var out Permissions
	for _, p := range perms {
		out |= p
	}
	if out.Has(Administrator) {
		return All
	}
	return out
}

// Resolver turns a user's roles into permissions.
type Resolver interface {
	Resolve(ctx context.Context, roles []string) (Permissions, error)
}

// StaticResolver resolves roles from a fixed table. Unknown roles contribute
// nothing.
type StaticResolver struct {
	roles map[string]Permissions
}

// NewStaticResolver copies table into a new resolver. Role names are matched
// case-insensitively.
func NewStaticResolver(table map[string]Permissions) *StaticResolver {
	r := &StaticResolver{roles: make(map[string]Permissions, len(table))}
	for role, p := range table {
		r.roles[strings.ToLower(role)] = p
	}
	return r
}

// ParseTable builds a StaticResolver from role -> permission names, the form
// used in configuration files.
func ParseTable(table map[string][]string) (*StaticResolver, error) {
	out := make(map[string]Permissions, len(table))
	for role, list := range table {
		var p Permissions
		for _, name := range list {
			bit, err := Parse(name)
			if err != nil {
				return nil, fmt.Errorf("role %q: %w", role, err)
			}
			p |= bit
		}
		out[role] = p
	}
	return NewStaticResolver(out), nil
}

// DefaultResolver knows the built-in Administrator, Moderator and Voter roles.
func DefaultResolver() *StaticResolver {
	return NewStaticResolver(map[string]Permissions{
		"administrator": Administrator,
		"moderator":     ViewPolls | Vote | CreatePolls | ManagePolls,
		"voter":         ViewPolls | Vote,
	})
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(ctx context.Context, roles []string) (Permissions, error) {
	if err := ctx.Err(); err != nil {
		return None, err
	}
	perms := make([]Permissions, 0, len(roles))
	for _, role := range roles {
		perms = append(perms, r.roles[strings.ToLower(role)])
	}
	return Combine(perms...), nil
}

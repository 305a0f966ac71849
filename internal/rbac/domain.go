package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Role is a coarse-grained tag granted to a principal.
type Role string

// Internal staff roles.
const (
	RoleAdmin         Role = "admin"
	RoleCounter       Role = "counter"
	RoleTechnician    Role = "technician"
	RoleAccounting    Role = "accounting"
	RoleBranchManager Role = "branch_manager"
)

// Partner (B2B) roles, highest rank first.
const (
	RolePartnerOwner Role = "b2b_owner"
	RolePartnerAdmin Role = "b2b_admin"
	RolePartnerUser  Role = "b2b_user"
)

var (
	// ErrUnknownRole is returned when a stored role string is outside the closed set.
	ErrUnknownRole = errors.New("rbac: unknown role")
	// ErrUnknownPermission is returned for permission keys missing from the catalog.
	ErrUnknownPermission = errors.New("rbac: unknown permission key")
)

var internalRoles = []Role{RoleAdmin, RoleCounter, RoleTechnician, RoleAccounting, RoleBranchManager}

var partnerRoles = []Role{RolePartnerOwner, RolePartnerAdmin, RolePartnerUser}

// ParseRole decodes a storage value into a Role.
func ParseRole(raw string) (Role, error) {
	candidate := Role(strings.TrimSpace(strings.ToLower(raw)))
	for _, r := range internalRoles {
		if r == candidate {
			return r, nil
		}
	}
	for _, r := range partnerRoles {
		if r == candidate {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
}

// IsTop reports whether the role bypasses the permission matrix.
func (r Role) IsTop() bool { return r == RoleAdmin }

// IsInternal reports whether the role belongs to the staff namespace.
func (r Role) IsInternal() bool {
	for _, candidate := range internalRoles {
		if candidate == r {
			return true
		}
	}
	return false
}

// IsPartner reports whether the role belongs to the B2B namespace.
func (r Role) IsPartner() bool {
	return r.PartnerRank() > 0
}

// PartnerRank orders partner roles; owner ranks highest. Non-partner roles rank 0.
func (r Role) PartnerRank() int {
	switch r {
	case RolePartnerOwner:
		return 3
	case RolePartnerAdmin:
		return 2
	case RolePartnerUser:
		return 1
	default:
		return 0
	}
}

func (r Role) String() string { return string(r) }

// InternalRoles lists the staff roles.
func InternalRoles() []Role { return append([]Role(nil), internalRoles...) }

// PartnerRoles lists the partner roles from highest to lowest rank.
func PartnerRoles() []Role { return append([]Role(nil), partnerRoles...) }

// DisplayableRoles lists the roles whose grants are edited through the matrix.
func DisplayableRoles() []Role {
	out := make([]Role, 0, len(internalRoles)-1)
	for _, r := range internalRoles {
		if r.IsTop() {
			continue
		}
		out = append(out, r)
	}
	return out
}

// RoleSet is an immutable, de-duplicated collection of roles.
type RoleSet struct {
	roles map[Role]struct{}
}

// NewRoleSet builds a RoleSet from the provided roles.
func NewRoleSet(roles ...Role) RoleSet {
	set := RoleSet{roles: make(map[Role]struct{}, len(roles))}
	for _, r := range roles {
		if r == "" {
			continue
		}
		set.roles[r] = struct{}{}
	}
	return set
}

// Has reports whether the set contains role.
func (s RoleSet) Has(role Role) bool {
	_, ok := s.roles[role]
	return ok
}

// HasAny reports whether the set contains at least one of roles.
func (s RoleSet) HasAny(roles ...Role) bool {
	for _, r := range roles {
		if s.Has(r) {
			return true
		}
	}
	return false
}

// Len returns the number of roles held.
func (s RoleSet) Len() int { return len(s.roles) }

// Empty reports whether no role is held.
func (s RoleSet) Empty() bool { return len(s.roles) == 0 }

// Slice returns the roles sorted by name.
func (s RoleSet) Slice() []Role {
	out := make([]Role, 0, len(s.roles))
	for r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Key returns a stable identifier for memoization.
func (s RoleSet) Key() string {
	roles := s.Slice()
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

// Assignment is a (role, permission) row of the role-permission matrix.
type Assignment struct {
	Role       Role
	Permission PermissionKey
}

// UserRole links a principal to a role.
type UserRole struct {
	UserID int64
	Role   Role
}

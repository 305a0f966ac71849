package users

import (
	"errors"
	"time"

	"github.com/repairhub/repairhub/internal/rbac"
)

// ErrNotFound indicates that the principal does not exist.
var ErrNotFound = errors.New("users: not found")

// ErrSelfAction rejects destructive actions on the caller's own account.
var ErrSelfAction = errors.New("users: cannot apply this action to your own account")

// Principal is an authenticated actor of the system.
type Principal struct {
	ID                int64     `json:"id" db:"id"`
	Email             string    `json:"email" db:"email"`
	Name              string    `json:"name" db:"name"`
	IsActive          bool      `json:"is_active" db:"is_active"`
	DefaultLocationID *int64    `json:"default_location_id,omitempty" db:"default_location_id"`
	PartnerID         *int64    `json:"partner_id,omitempty" db:"partner_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// PrincipalDetail is a principal together with its role set.
type PrincipalDetail struct {
	Principal
	Roles []rbac.Role `json:"roles"`
}

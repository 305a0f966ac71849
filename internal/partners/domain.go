package partners

import (
	"errors"
	"time"
)

// ErrNotFound indicates that the partner does not exist.
var ErrNotFound = errors.New("partners: not found")

// Address is a postal return address.
type Address struct {
	Street     string `json:"street" validate:"required"`
	PostalCode string `json:"postal_code" validate:"required"`
	City       string `json:"city" validate:"required"`
	Country    string `json:"country" validate:"required,len=2"`
}

// Partner is an external B2B company.
type Partner struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	ContactEmail  string    `json:"contact_email"`
	ReturnAddress Address   `json:"return_address"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Registration is the self-service sign-up payload.
type Registration struct {
	Name          string  `json:"name" validate:"required,max=200"`
	ContactEmail  string  `json:"contact_email" validate:"required,email"`
	ReturnAddress Address `json:"return_address"`
}

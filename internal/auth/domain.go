package auth

import "time"

// Account is the credential record of a principal.
type Account struct {
	ID           int64
	Email        string
	PasswordHash string
	IsActive     bool
	UpdatedAt    time.Time
}

// Credentials is the sign-in payload.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

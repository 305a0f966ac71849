package shared

import "errors"

var (
	// ErrInvalidCredentials indicates a failed sign-in.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSessionMissing indicates that no session was attached to the request.
	ErrSessionMissing = errors.New("session missing")
	// ErrCSRFTokenMissing occurs when the CSRF token is absent.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when the CSRF tokens differ.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

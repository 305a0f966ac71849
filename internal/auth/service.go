package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/repairhub/repairhub/internal/shared"
)

// Service wraps authentication rules.
type Service struct {
	repo Repository
}

// NewService constructs a new Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Authenticate validates email/password credentials. Every failure maps to
// shared.ErrInvalidCredentials except storage errors.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (*Account, error) {
	acc, err := s.repo.FindByEmail(ctx, creds.Email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if !acc.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(creds.Password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return acc, nil
}

// RegisterSession persists sign-in metadata.
func (s *Service) RegisterSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes sign-in metadata.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}

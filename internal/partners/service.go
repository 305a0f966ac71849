package partners

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/repairhub/repairhub/internal/shared"
)

// Notifier announces newly registered partners to the back office.
type Notifier interface {
	PartnerRegistered(ctx context.Context, partnerID int64, name, contactEmail string) error
}

// AuditRecorder persists administrative changes.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates registration and activation of partners.
type Service struct {
	repo     RepositoryPort
	resolver *Resolver
	notifier Notifier
	audit    AuditRecorder
	logger   *slog.Logger
}

// NewService constructs a Service. notifier and audit may be nil.
func NewService(repo RepositoryPort, resolver *Resolver, notifier Notifier, audit AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, resolver: resolver, notifier: notifier, audit: audit, logger: logger}
}

// Register creates an inactive partner awaiting approval.
func (s *Service) Register(ctx context.Context, reg Registration) (Partner, error) {
	addr := reg.ReturnAddress
	addr.Country = strings.ToUpper(strings.TrimSpace(addr.Country))
	p, err := s.repo.CreatePartner(ctx, Partner{
		Name:          strings.TrimSpace(reg.Name),
		ContactEmail:  strings.ToLower(strings.TrimSpace(reg.ContactEmail)),
		ReturnAddress: addr,
		IsActive:      false,
	})
	if err != nil {
		return Partner{}, err
	}
	if s.notifier != nil {
		if err := s.notifier.PartnerRegistered(ctx, p.ID, p.Name, p.ContactEmail); err != nil {
			s.logger.Warn("partners: registration notice failed", slog.Int64("partner_id", p.ID), slog.Any("error", err))
		}
	}
	return p, nil
}

// List returns partners, optionally only those awaiting activation.
func (s *Service) List(ctx context.Context, pendingOnly bool) ([]Partner, error) {
	return s.repo.ListPartners(ctx, pendingOnly)
}

// SetActive activates or deactivates a partner and evicts it from the cache.
func (s *Service) SetActive(ctx context.Context, actorID, partnerID int64, active bool) error {
	if err := s.repo.SetActive(ctx, partnerID, active); err != nil {
		return err
	}
	s.resolver.Invalidate(partnerID)
	action := "partners.deactivated"
	if active {
		action = "partners.activated"
	}
	s.record(ctx, actorID, action, partnerID, nil)
	return nil
}

// UpdateAddress stores a new return address and refetches the record.
func (s *Service) UpdateAddress(ctx context.Context, actorID, partnerID int64, addr Address) (Partner, error) {
	addr.Country = strings.ToUpper(strings.TrimSpace(addr.Country))
	if err := s.repo.UpdateAddress(ctx, partnerID, addr); err != nil {
		return Partner{}, err
	}
	s.record(ctx, actorID, "partners.address_updated", partnerID, map[string]any{"city": addr.City})
	return s.resolver.Refetch(ctx, partnerID)
}

func (s *Service) record(ctx context.Context, actorID int64, action string, partnerID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	entry := shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "partner",
		EntityID: strconv.FormatInt(partnerID, 10),
		Meta:     meta,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("partners: audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

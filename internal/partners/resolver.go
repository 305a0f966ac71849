package partners

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/repairhub/repairhub/internal/rbac"
)

// RepositoryPort is the persistence surface used by the package.
type RepositoryPort interface {
	GetPartner(ctx context.Context, id int64) (Partner, error)
	ListPartners(ctx context.Context, pendingOnly bool) ([]Partner, error)
	CreatePartner(ctx context.Context, p Partner) (Partner, error)
	SetActive(ctx context.Context, id int64, active bool) error
	UpdateAddress(ctx context.Context, id int64, addr Address) error
}

// AffiliationSource reports which partner a principal belongs to.
type AffiliationSource interface {
	PartnerOf(ctx context.Context, userID int64) (*int64, error)
}

// Identity is the B2B view of a principal. It is a read-only value.
type Identity struct {
	PrincipalID                int64      `json:"principal_id"`
	IsPartnerUser              bool       `json:"is_partner_user"`
	IsPartnerOwner             bool       `json:"is_partner_owner"`
	IsPartnerAdminOrAbove      bool       `json:"is_partner_admin_or_above"`
	IsInternalUser             bool       `json:"is_internal_user"`
	ResolvedRole               *rbac.Role `json:"resolved_role,omitempty"`
	CanManagePartnerUsers      bool       `json:"can_manage_partner_users"`
	CanManagePrices            bool       `json:"can_manage_prices"`
	CanReleaseEndCustomerPrice bool       `json:"can_release_end_customer_price"`
	CanManageDocumentTemplates bool       `json:"can_manage_document_templates"`
	Partner                    *Partner   `json:"partner,omitempty"`
	PartnerErr                 error      `json:"-"`
}

// PartnerID returns the resolved partner id, or zero.
func (i Identity) PartnerID() int64 {
	if i.Partner == nil {
		return 0
	}
	return i.Partner.ID
}

// EffectiveRole picks the highest ranked partner role held.
func EffectiveRole(roles rbac.RoleSet) (rbac.Role, bool) {
	var (
		best rbac.Role
		rank int
	)
	for _, role := range roles.Slice() {
		if r := role.PartnerRank(); r > rank {
			best, rank = role, r
		}
	}
	return best, rank > 0
}

// DeriveCapabilities computes the identity flags from roles alone.
// Principals without a partner role get every partner flag false.
func DeriveCapabilities(roles rbac.RoleSet) Identity {
	var id Identity
	for _, role := range roles.Slice() {
		if role.IsInternal() {
			id.IsInternalUser = true
			break
		}
	}
	role, ok := EffectiveRole(roles)
	if !ok {
		return id
	}
	id.ResolvedRole = &role
	id.IsPartnerUser = true
	id.IsPartnerOwner = role == rbac.RolePartnerOwner
	id.IsPartnerAdminOrAbove = id.IsPartnerOwner || role == rbac.RolePartnerAdmin

	id.CanManagePartnerUsers = id.IsPartnerOwner
	id.CanManagePrices = id.IsPartnerAdminOrAbove
	id.CanReleaseEndCustomerPrice = id.IsPartnerAdminOrAbove
	id.CanManageDocumentTemplates = id.IsPartnerOwner
	return id
}

// ResolverConfig tunes the partner record cache.
type ResolverConfig struct {
	CacheSize    int
	CacheTTL     time.Duration
	FetchTimeout time.Duration
}

// Resolver derives partner identities and caches partner records.
type Resolver struct {
	repo        RepositoryPort
	affiliation AffiliationSource
	cache       *expirable.LRU[int64, Partner]
	group       singleflight.Group
	timeout     time.Duration
	logger      *slog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(repo RepositoryPort, affiliation AffiliationSource, cfg ResolverConfig, logger *slog.Logger) *Resolver {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		repo:        repo,
		affiliation: affiliation,
		cache:       expirable.NewLRU[int64, Partner](cfg.CacheSize, nil, cfg.CacheTTL),
		timeout:     cfg.FetchTimeout,
		logger:      logger,
	}
}

// Resolve builds the identity of the snapshot's principal. Fetch failures
// resolve to no partner and never fail the caller.
func (r *Resolver) Resolve(ctx context.Context, snap rbac.Snapshot) Identity {
	if snap.State != rbac.StateReady {
		return Identity{PrincipalID: snap.PrincipalID}
	}
	id := DeriveCapabilities(snap.Roles)
	id.PrincipalID = snap.PrincipalID
	if !id.IsPartnerUser {
		return id
	}
	partnerID, err := r.affiliation.PartnerOf(ctx, snap.PrincipalID)
	if err != nil {
		r.logger.Warn("partners: affiliation lookup failed",
			slog.Int64("principal_id", snap.PrincipalID), slog.Any("error", err))
		id.PartnerErr = err
		return id
	}
	if partnerID == nil {
		return id
	}
	partner, err := r.Partner(ctx, *partnerID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("partners: partner fetch failed",
				slog.Int64("partner_id", *partnerID), slog.Any("error", err))
		}
		id.PartnerErr = err
		return id
	}
	if partner.IsActive {
		id.Partner = &partner
	}
	return id
}

// Partner returns the cached partner record, loading it on miss.
func (r *Resolver) Partner(ctx context.Context, partnerID int64) (Partner, error) {
	if p, ok := r.cache.Get(partnerID); ok {
		return p, nil
	}
	return r.load(ctx, partnerID)
}

// Refetch drops the cached record and loads it again.
func (r *Resolver) Refetch(ctx context.Context, partnerID int64) (Partner, error) {
	r.cache.Remove(partnerID)
	return r.load(ctx, partnerID)
}

// Invalidate drops the cached record of partnerID.
func (r *Resolver) Invalidate(partnerID int64) {
	r.cache.Remove(partnerID)
}

func (r *Resolver) load(ctx context.Context, partnerID int64) (Partner, error) {
	ch := r.group.DoChan(partnerKey(partnerID), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		p, err := r.repo.GetPartner(fetchCtx, partnerID)
		if err != nil {
			return Partner{}, err
		}
		r.cache.Add(partnerID, p)
		return p, nil
	})
	select {
	case <-ctx.Done():
		return Partner{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Partner{}, res.Err
		}
		return res.Val.(Partner), nil
	}
}

func partnerKey(id int64) string {
	return "partner:" + strconv.FormatInt(id, 10)
}

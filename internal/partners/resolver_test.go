package partners

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairhub/repairhub/internal/rbac"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRepo struct {
	mu       sync.Mutex
	partners map[int64]Partner
	nextID   int64
	getErr   error
	gets     atomic.Int32
	gate     chan struct{}
}

func newFakeRepo(partners ...Partner) *fakeRepo {
	repo := &fakeRepo{partners: make(map[int64]Partner), nextID: 100}
	for _, p := range partners {
		repo.partners[p.ID] = p
	}
	return repo
}

func (f *fakeRepo) GetPartner(ctx context.Context, id int64) (Partner, error) {
	f.gets.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Partner{}, f.getErr
	}
	p, ok := f.partners[id]
	if !ok {
		return Partner{}, ErrNotFound
	}
	return p, nil
}

func (f *fakeRepo) ListPartners(ctx context.Context, pendingOnly bool) ([]Partner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Partner
	for _, p := range f.partners {
		if pendingOnly && p.IsActive {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeRepo) CreatePartner(ctx context.Context, p Partner) (Partner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p.ID = f.nextID
	f.partners[p.ID] = p
	return p, nil
}

func (f *fakeRepo) SetActive(ctx context.Context, id int64, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.partners[id]
	if !ok {
		return ErrNotFound
	}
	p.IsActive = active
	f.partners[id] = p
	return nil
}

func (f *fakeRepo) UpdateAddress(ctx context.Context, id int64, addr Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.partners[id]
	if !ok {
		return ErrNotFound
	}
	p.ReturnAddress = addr
	f.partners[id] = p
	return nil
}

type fakeAffiliation struct {
	links map[int64]int64
	err   error
	calls atomic.Int32
}

func (f *fakeAffiliation) PartnerOf(ctx context.Context, userID int64) (*int64, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.links[userID]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

var acmeRepairs = Partner{
	ID:            10,
	Name:          "Acme Repairs",
	ContactEmail:  "ops@acme.test",
	ReturnAddress: Address{Street: "Main St 1", PostalCode: "10115", City: "Berlin", Country: "DE"},
	IsActive:      true,
}

func readySnapshot(principalID int64, roles ...rbac.Role) rbac.Snapshot {
	return rbac.NewReadySnapshot(principalID, rbac.NewRoleSet(roles...), nil)
}

func TestDeriveCapabilities(t *testing.T) {
	cases := []struct {
		name  string
		roles []rbac.Role
		want  Identity
	}{
		{"no roles", nil, Identity{}},
		{"internal only", []rbac.Role{rbac.RoleCounter}, Identity{IsInternalUser: true}},
		{"partner user", []rbac.Role{rbac.RolePartnerUser}, Identity{IsPartnerUser: true}},
		{"partner admin", []rbac.Role{rbac.RolePartnerAdmin}, Identity{
			IsPartnerUser: true, IsPartnerAdminOrAbove: true,
			CanManagePrices: true, CanReleaseEndCustomerPrice: true,
		}},
		{"partner owner", []rbac.Role{rbac.RolePartnerOwner}, Identity{
			IsPartnerUser: true, IsPartnerOwner: true, IsPartnerAdminOrAbove: true,
			CanManagePartnerUsers: true, CanManagePrices: true,
			CanReleaseEndCustomerPrice: true, CanManageDocumentTemplates: true,
		}},
		{"internal and partner", []rbac.Role{rbac.RoleTechnician, rbac.RolePartnerUser}, Identity{IsInternalUser: true, IsPartnerUser: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveCapabilities(rbac.NewRoleSet(tc.roles...))
			got.ResolvedRole = nil
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeriveCapabilitiesPicksHighestPartnerRole(t *testing.T) {
	id := DeriveCapabilities(rbac.NewRoleSet(rbac.RolePartnerUser, rbac.RolePartnerOwner))
	require.NotNil(t, id.ResolvedRole)
	assert.Equal(t, rbac.RolePartnerOwner, *id.ResolvedRole)
	assert.True(t, id.IsPartnerOwner)
}

func TestDeriveCapabilitiesMonotonicInRank(t *testing.T) {
	flags := func(id Identity) []bool {
		return []bool{
			id.IsPartnerUser, id.IsPartnerAdminOrAbove, id.IsPartnerOwner,
			id.CanManagePartnerUsers, id.CanManagePrices,
			id.CanReleaseEndCustomerPrice, id.CanManageDocumentTemplates,
		}
	}
	ladder := []rbac.Role{rbac.RolePartnerUser, rbac.RolePartnerAdmin, rbac.RolePartnerOwner}
	for i := 1; i < len(ladder); i++ {
		lower := flags(DeriveCapabilities(rbac.NewRoleSet(ladder[i-1])))
		higher := flags(DeriveCapabilities(rbac.NewRoleSet(ladder[i])))
		for j := range lower {
			if lower[j] {
				assert.True(t, higher[j], "%s lost flag %d held by %s", ladder[i], j, ladder[i-1])
			}
		}
	}
}

func newTestResolver(repo RepositoryPort, affiliation AffiliationSource) *Resolver {
	return NewResolver(repo, affiliation, ResolverConfig{FetchTimeout: time.Second}, discardLogger())
}

func TestResolveActivePartner(t *testing.T) {
	repo := newFakeRepo(acmeRepairs)
	resolver := newTestResolver(repo, &fakeAffiliation{links: map[int64]int64{21: 10}})

	id := resolver.Resolve(context.Background(), readySnapshot(21, rbac.RolePartnerAdmin))

	require.NotNil(t, id.Partner)
	assert.Equal(t, int64(10), id.PartnerID())
	assert.Equal(t, int64(21), id.PrincipalID)
	assert.True(t, id.IsPartnerAdminOrAbove)
	assert.NoError(t, id.PartnerErr)
}

func TestResolveWithoutPartnerAccess(t *testing.T) {
	inactive := acmeRepairs
	inactive.IsActive = false

	cases := map[string]struct {
		repo        *fakeRepo
		affiliation *fakeAffiliation
		wantErr     bool
	}{
		"inactive partner": {newFakeRepo(inactive), &fakeAffiliation{links: map[int64]int64{21: 10}}, false},
		"no affiliation":   {newFakeRepo(acmeRepairs), &fakeAffiliation{}, false},
		"missing partner":  {newFakeRepo(), &fakeAffiliation{links: map[int64]int64{21: 10}}, true},
		"affiliation down": {newFakeRepo(acmeRepairs), &fakeAffiliation{err: errors.New("timeout")}, true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resolver := newTestResolver(tc.repo, tc.affiliation)
			id := resolver.Resolve(context.Background(), readySnapshot(21, rbac.RolePartnerOwner))
			assert.Nil(t, id.Partner)
			assert.Zero(t, id.PartnerID())
			assert.True(t, id.IsPartnerOwner)
			assert.Equal(t, tc.wantErr, id.PartnerErr != nil)
		})
	}
}

func TestResolveFetchFailureResolvesToNoPartner(t *testing.T) {
	repo := newFakeRepo(acmeRepairs)
	repo.getErr = errors.New("connection refused")
	resolver := newTestResolver(repo, &fakeAffiliation{links: map[int64]int64{21: 10}})

	id := resolver.Resolve(context.Background(), readySnapshot(21, rbac.RolePartnerUser))

	assert.Nil(t, id.Partner)
	assert.ErrorContains(t, id.PartnerErr, "connection refused")
	assert.True(t, id.IsPartnerUser)
}

func TestResolveSkipsLookupsForNonPartners(t *testing.T) {
	repo := newFakeRepo(acmeRepairs)
	affiliation := &fakeAffiliation{links: map[int64]int64{3: 10}}
	resolver := newTestResolver(repo, affiliation)

	id := resolver.Resolve(context.Background(), readySnapshot(3, rbac.RoleCounter))
	assert.True(t, id.IsInternalUser)
	assert.False(t, id.IsPartnerUser)

	id = resolver.Resolve(context.Background(), rbac.Snapshot{PrincipalID: 3, State: rbac.StateLoading})
	assert.Equal(t, Identity{PrincipalID: 3}, id)

	assert.Zero(t, affiliation.calls.Load())
	assert.Zero(t, repo.gets.Load())
}

func TestResolverCachesPartnerRecords(t *testing.T) {
	repo := newFakeRepo(acmeRepairs)
	resolver := newTestResolver(repo, &fakeAffiliation{links: map[int64]int64{21: 10, 22: 10}})
	ctx := context.Background()

	resolver.Resolve(ctx, readySnapshot(21, rbac.RolePartnerUser))
	resolver.Resolve(ctx, readySnapshot(22, rbac.RolePartnerOwner))
	assert.Equal(t, int32(1), repo.gets.Load())

	require.NoError(t, repo.UpdateAddress(ctx, 10, Address{Street: "Dock 4", PostalCode: "20457", City: "Hamburg", Country: "DE"}))
	cached, err := resolver.Partner(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "Berlin", cached.ReturnAddress.City)

	fresh, err := resolver.Refetch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "Hamburg", fresh.ReturnAddress.City)
	assert.Equal(t, int32(2), repo.gets.Load())

	resolver.Invalidate(10)
	_, err = resolver.Partner(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(3), repo.gets.Load())
}

func TestResolverSharesConcurrentFetches(t *testing.T) {
	repo := newFakeRepo(acmeRepairs)
	repo.gate = make(chan struct{})
	resolver := newTestResolver(repo, &fakeAffiliation{})

	var wg sync.WaitGroup
	results := make([]Partner, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := resolver.Partner(context.Background(), 10)
			assert.NoError(t, err)
			results[i] = p
		}(i)
	}
	require.Eventually(t, func() bool { return repo.gets.Load() == 1 }, time.Second, time.Millisecond)
	// Give the other callers time to join the in-flight fetch.
	time.Sleep(20 * time.Millisecond)
	close(repo.gate)
	wg.Wait()

	assert.Equal(t, int32(1), repo.gets.Load())
	for _, p := range results {
		assert.Equal(t, "Acme Repairs", p.Name)
	}
}

func TestResolverCallerCancellationKeepsFetch(t *testing.T) {
	repo := newFakeRepo(acmeRepairs)
	repo.gate = make(chan struct{})
	resolver := newTestResolver(repo, &fakeAffiliation{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := resolver.Partner(ctx, 10)
		done <- err
	}()
	require.Eventually(t, func() bool { return repo.gets.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(repo.gate)
	require.Eventually(t, func() bool {
		_, ok := resolver.cache.Get(10)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), repo.gets.Load())
}

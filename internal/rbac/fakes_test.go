package rbac

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store.
type memStore struct {
	mu          sync.Mutex
	roles       map[int64][]Role
	grants      []Assignment
	catalog     []CatalogEntry
	roleErr     error
	matrixErr   error
	toggleErr   error
	matrixCalls int
	writes      int
}

func newMemStore() *memStore {
	return &memStore{roles: make(map[int64][]Role)}
}

func (m *memStore) ListUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roleErr != nil {
		return nil, m.roleErr
	}
	return append([]Role(nil), m.roles[userID]...), nil
}

func (m *memStore) ListAssignments(ctx context.Context, roles []Role) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matrixCalls++
	if m.matrixErr != nil {
		return nil, m.matrixErr
	}
	if roles == nil {
		return append([]Assignment(nil), m.grants...), nil
	}
	filter := NewRoleSet(roles...)
	var out []Assignment
	for _, g := range m.grants {
		if filter.Has(g.Role) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *memStore) ListCatalog(ctx context.Context) ([]CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CatalogEntry(nil), m.catalog...), nil
}

func (m *memStore) UpsertCatalog(ctx context.Context, entries []CatalogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.catalog = append([]CatalogEntry(nil), entries...)
	return nil
}

func (m *memStore) ToggleAssignment(ctx context.Context, role Role, key PermissionKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.toggleErr != nil {
		return false, m.toggleErr
	}
	for i, g := range m.grants {
		if g.Role == role && g.Permission == key {
			m.grants = append(m.grants[:i], m.grants[i+1:]...)
			return false, nil
		}
	}
	m.grants = append(m.grants, Assignment{Role: role, Permission: key})
	return true, nil
}

func (m *memStore) DeleteRoleAssignments(ctx context.Context, role Role) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	kept := m.grants[:0]
	var removed int64
	for _, g := range m.grants {
		if g.Role == role {
			removed++
			continue
		}
		kept = append(kept, g)
	}
	m.grants = kept
	return removed, nil
}

func (m *memStore) AssignRole(ctx context.Context, userID int64, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	for _, held := range m.roles[userID] {
		if held == role {
			return nil
		}
	}
	m.roles[userID] = append(m.roles[userID], role)
	return nil
}

func (m *memStore) RemoveRole(ctx context.Context, userID int64, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	held := m.roles[userID]
	for i, r := range held {
		if r == role {
			m.roles[userID] = append(held[:i], held[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// scriptedRoles answers the n-th ListUserRoles call with the n-th reply,
// blocking until the test sends it. It ignores cancellation so that late
// results reach the session.
type scriptedRoles struct {
	mu      sync.Mutex
	calls   int
	replies []chan []Role
}

func newScriptedRoles(n int) *scriptedRoles {
	s := &scriptedRoles{replies: make([]chan []Role, n)}
	for i := range s.replies {
		s.replies[i] = make(chan []Role, 1)
	}
	return s
}

func (s *scriptedRoles) ListUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	s.mu.Lock()
	ch := s.replies[s.calls]
	s.calls++
	s.mu.Unlock()
	return <-ch, nil
}

func (s *scriptedRoles) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *countingRecorder) RecordGuardDecision(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = make(map[string]int)
	}
	c.outcomes[outcome]++
}

func (c *countingRecorder) count(outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[outcome]
}

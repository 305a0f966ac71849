package rbac

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrSessionDisposed is returned by operations on a signed-out session.
var ErrSessionDisposed = errors.New("rbac: session disposed")

// State describes the freshness of a Snapshot.
type State int

const (
	// StateLoading means a fetch is in flight; every check answers false.
	StateLoading State = iota
	// StateReady means roles and matrix were fetched from the same generation.
	StateReady
	// StateFailed means a fetch failed; the session holds no roles.
	StateFailed
	// StateDisposed means the principal signed out.
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of one principal's permissions.
type Snapshot struct {
	PrincipalID   int64
	State         State
	Roles         RoleSet
	RoleVersion   int64
	MatrixVersion int64
	Err           error

	evaluator Evaluator
}

// Loading reports whether the snapshot is still being fetched.
func (s Snapshot) Loading() bool { return s.State == StateLoading }

// Key identifies the inputs the evaluator was built from.
func (s Snapshot) Key() string {
	return s.Roles.Key() + "@" + strconv.FormatInt(s.MatrixVersion, 10)
}

// Can reports whether key is granted. Non-ready snapshots deny.
func (s Snapshot) Can(key PermissionKey) bool {
	return s.State == StateReady && s.evaluator.Can(key)
}

// CanAny reports whether any key is granted. Non-ready snapshots deny.
func (s Snapshot) CanAny(keys ...PermissionKey) bool {
	return s.State == StateReady && s.evaluator.CanAny(keys...)
}

// CanAll reports whether all keys are granted. Non-ready snapshots deny.
func (s Snapshot) CanAll(keys ...PermissionKey) bool {
	return s.State == StateReady && s.evaluator.CanAll(keys...)
}

// Granted lists effective keys of a ready snapshot.
func (s Snapshot) Granted() []PermissionKey {
	if s.State != StateReady {
		return nil
	}
	return s.evaluator.Granted()
}

// NewReadySnapshot builds a ready snapshot directly from its inputs.
func NewReadySnapshot(principalID int64, roles RoleSet, grants []Assignment) Snapshot {
	return Snapshot{
		PrincipalID: principalID,
		State:       StateReady,
		Roles:       roles,
		evaluator:   NewEvaluator(roles, grants),
	}
}

// Loader fetches the two inputs of the evaluator.
type Loader struct {
	roles    RoleSource
	matrix   MatrixSource
	versions *Versions
	timeout  time.Duration
	logger   *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	cached  []Assignment
	cacheAt int64
}

// NewLoader wires the sources. timeout bounds every fetch; zero means 10s.
func NewLoader(roles RoleSource, matrix MatrixSource, versions *Versions, timeout time.Duration, logger *slog.Logger) *Loader {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if versions == nil {
		versions = NewVersions(nil, logger)
	}
	return &Loader{roles: roles, matrix: matrix, versions: versions, timeout: timeout, logger: logger, cacheAt: -1}
}

// Load fetches roles and matrix in parallel and returns a ready or failed snapshot.
func (l *Loader) Load(ctx context.Context, principalID int64) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var (
		roles     []Role
		grants    []Assignment
		roleVer   int64
		matrixVer int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		roleVer = l.version(func() (int64, error) { return l.versions.RoleVersion(gctx, principalID) })
		var err error
		roles, err = l.roles.ListUserRoles(gctx, principalID)
		return err
	})
	g.Go(func() error {
		matrixVer = l.version(func() (int64, error) { return l.versions.MatrixVersion(gctx) })
		var err error
		grants, err = l.matrixFor(gctx, matrixVer)
		return err
	})
	if err := g.Wait(); err != nil {
		l.logger.Error("rbac: permission fetch failed", slog.Int64("principal_id", principalID), slog.Any("error", err))
		return Snapshot{PrincipalID: principalID, State: StateFailed, Roles: NewRoleSet(), Err: err}
	}
	set := NewRoleSet(roles...)
	return Snapshot{
		PrincipalID:   principalID,
		State:         StateReady,
		Roles:         set,
		RoleVersion:   roleVer,
		MatrixVersion: matrixVer,
		evaluator:     NewEvaluator(set, grants),
	}
}

// Versions exposes the version tracker the loader reads from.
func (l *Loader) Versions() *Versions { return l.versions }

// version reads a counter; failures degrade to -1 which disables memoization.
func (l *Loader) version(read func() (int64, error)) int64 {
	ver, err := read()
	if err != nil {
		l.logger.Warn("rbac: version read failed", slog.Any("error", err))
		return -1
	}
	return ver
}

func (l *Loader) matrixFor(ctx context.Context, version int64) ([]Assignment, error) {
	if version >= 0 {
		l.mu.Lock()
		if l.cacheAt == version && l.cached != nil {
			rows := l.cached
			l.mu.Unlock()
			return rows, nil
		}
		l.mu.Unlock()
	}
	key := "matrix:" + strconv.FormatInt(version, 10)
	// The shared fetch outlives any single caller; each caller still honours its own ctx.
	resultChan := l.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		return l.matrix.ListAssignments(fetchCtx, nil)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		rows := res.Val.([]Assignment)
		if version >= 0 {
			l.mu.Lock()
			if version >= l.cacheAt {
				l.cached, l.cacheAt = rows, version
			}
			l.mu.Unlock()
		}
		return rows, nil
	}
}

// Session owns the permission state of one principal. Results of fetches that
// were superseded or that complete after disposal are discarded.
type Session struct {
	principalID int64
	loader      *Loader
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	snap      Snapshot
	gen       uint64
	inflight  context.CancelFunc
	ready     chan struct{}
	subs      map[int]chan Snapshot
	nextSub   int
	settledAt time.Time
	lastUsed  time.Time
}

func newSession(parent context.Context, principalID int64, loader *Loader, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		principalID: principalID,
		loader:      loader,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		snap:        Snapshot{PrincipalID: principalID, State: StateLoading, Roles: NewRoleSet()},
		ready:       make(chan struct{}),
		subs:        make(map[int]chan Snapshot),
	}
}

// PrincipalID returns the owner of the session.
func (s *Session) PrincipalID() int64 { return s.principalID }

// Current returns the latest snapshot without waiting.
func (s *Session) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Invalidate starts a new fetch generation without waiting for it.
func (s *Session) Invalidate() {
	s.start()
}

// Refresh starts a new fetch generation and waits for a settled snapshot.
func (s *Session) Refresh(ctx context.Context) (Snapshot, error) {
	if !s.start() {
		return s.Current(), ErrSessionDisposed
	}
	return s.Wait(ctx)
}

// Wait blocks until the snapshot leaves the loading state or ctx ends; on
// timeout the loading snapshot is returned with ctx's error.
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	for {
		s.mu.Lock()
		snap, ready := s.snap, s.ready
		s.mu.Unlock()
		if snap.State != StateLoading {
			if snap.State == StateDisposed {
				return snap, ErrSessionDisposed
			}
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ready:
		}
	}
}

// Subscribe delivers every published snapshot. Slow subscribers only see the
// most recent one. The channel is closed on disposal or cancel.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	if s.snap.State == StateDisposed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
			s.mu.Unlock()
		})
	}
}

// Dispose tears the session down; in-flight results will be dropped.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.snap.State == StateDisposed {
		s.mu.Unlock()
		return
	}
	wasLoading := s.snap.State == StateLoading
	s.gen++
	if s.inflight != nil {
		s.inflight()
		s.inflight = nil
	}
	s.snap = Snapshot{PrincipalID: s.principalID, State: StateDisposed, Roles: NewRoleSet()}
	if wasLoading {
		close(s.ready)
	}
	for id, sub := range s.subs {
		close(sub)
		delete(s.subs, id)
	}
	s.mu.Unlock()
	s.cancel()
}

// RetryFailed starts a new fetch when the session has been failed for at
// least the given duration. It reports whether a fetch was started.
func (s *Session) RetryFailed(after time.Duration) bool {
	s.mu.Lock()
	if s.snap.State != StateFailed || time.Since(s.settledAt) < after {
		s.mu.Unlock()
		return false
	}
	fetchCtx, cancel, gen := s.startLocked()
	s.mu.Unlock()

	go s.run(fetchCtx, cancel, gen)
	return true
}

func (s *Session) start() bool {
	s.mu.Lock()
	if s.snap.State == StateDisposed {
		s.mu.Unlock()
		return false
	}
	fetchCtx, cancel, gen := s.startLocked()
	s.mu.Unlock()

	go s.run(fetchCtx, cancel, gen)
	return true
}

func (s *Session) startLocked() (context.Context, context.CancelFunc, uint64) {
	s.gen++
	if s.inflight != nil {
		s.inflight()
	}
	fetchCtx, cancel := context.WithCancel(s.ctx)
	s.inflight = cancel
	if s.snap.State != StateLoading {
		s.ready = make(chan struct{})
	}
	s.snap = Snapshot{PrincipalID: s.principalID, State: StateLoading, Roles: NewRoleSet()}
	s.publishLocked()
	return fetchCtx, cancel, s.gen
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()
	snap := s.loader.Load(ctx, s.principalID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.snap.State == StateDisposed {
		s.logger.Debug("rbac: discarding stale permission fetch", slog.Int64("principal_id", s.principalID))
		return
	}
	s.inflight = nil
	s.snap = snap
	s.settledAt = time.Now()
	close(s.ready)
	s.publishLocked()
}

func (s *Session) publishLocked() {
	for _, sub := range s.subs {
		select {
		case sub <- s.snap:
		default:
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- s.snap:
			default:
			}
		}
	}
}

// Directory is the lifecycle root of permission sessions, one per principal.
type Directory struct {
	loader *Loader
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// retryBase is the first delay before resubscribing to version bumps.
	retryBase time.Duration
	now       func() time.Time

	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewDirectory creates an empty directory.
func NewDirectory(loader *Loader, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Directory{
		loader:    loader,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		retryBase: 500 * time.Millisecond,
		now:       time.Now,
		sessions:  make(map[int64]*Session),
	}
}

// Acquire returns the session of principalID, creating and loading it when absent.
func (d *Directory) Acquire(principalID int64) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if sess, ok := d.sessions[principalID]; ok {
		sess.mu.Lock()
		sess.lastUsed = now
		sess.mu.Unlock()
		return sess
	}
	sess := newSession(d.ctx, principalID, d.loader, d.logger)
	sess.lastUsed = now
	d.sessions[principalID] = sess
	sess.start()
	return sess
}

// Lookup returns an existing session.
func (d *Directory) Lookup(principalID int64) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[principalID]
	return sess, ok
}

// Release disposes the session of principalID (sign-out).
func (d *Directory) Release(principalID int64) {
	d.mu.Lock()
	sess, ok := d.sessions[principalID]
	delete(d.sessions, principalID)
	d.mu.Unlock()
	if ok {
		sess.Dispose()
	}
}

// Len returns the number of active sessions.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// InvalidateAll re-fetches every active session.
func (d *Directory) InvalidateAll() {
	for _, sess := range d.snapshotSessions() {
		sess.Invalidate()
	}
}

// InvalidatePrincipal re-fetches one principal's session if active.
func (d *Directory) InvalidatePrincipal(principalID int64) {
	if sess, ok := d.Lookup(principalID); ok {
		sess.Invalidate()
	}
}

// HandleEvent applies a version bump.
func (d *Directory) HandleEvent(ev Event) {
	switch ev.Kind {
	case EventMatrix:
		d.logger.Info("rbac: matrix changed, refreshing sessions", slog.Int64("version", ev.Version))
		d.InvalidateAll()
	case EventRoles:
		d.InvalidatePrincipal(ev.PrincipalID)
	case EventResync:
		d.logger.Info("rbac: invalidation listener reconnected, refreshing sessions")
		d.InvalidateAll()
	}
}

// Run follows version bumps until ctx ends. A failed or lost subscription is
// retried with exponential backoff, and every resubscription refreshes all
// sessions because bumps published meanwhile were missed.
func (d *Directory) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.retryBase
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0
	policy.Reset()

	resubscribe := false
	for {
		done, err := d.loader.Versions().Subscribe(ctx, d.HandleEvent)
		if err == nil {
			policy.Reset()
			if resubscribe {
				d.logger.Info("rbac: invalidation listener resubscribed")
				d.InvalidateAll()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("rbac: invalidation listener lost its subscription")
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("rbac: invalidation listener subscribe failed", slog.Any("error", err))
		}
		resubscribe = true

		timer := time.NewTimer(policy.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// EvictIdle disposes sessions whose principal made no guarded request for
// idle. It returns the number of evicted sessions.
func (d *Directory) EvictIdle(idle time.Duration) int {
	cutoff := d.now().Add(-idle)
	d.mu.Lock()
	var stale []*Session
	for id, sess := range d.sessions {
		sess.mu.Lock()
		unused := sess.lastUsed.Before(cutoff)
		sess.mu.Unlock()
		if unused {
			stale = append(stale, sess)
			delete(d.sessions, id)
		}
	}
	d.mu.Unlock()
	for _, sess := range stale {
		sess.Dispose()
	}
	return len(stale)
}

// Sweep runs EvictIdle every interval until ctx ends.
func (d *Directory) Sweep(ctx context.Context, idle, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.EvictIdle(idle); n > 0 {
				d.logger.Debug("rbac: evicted idle permission sessions", slog.Int("count", n))
			}
		}
	}
}

// Close disposes every session.
func (d *Directory) Close() {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = make(map[int64]*Session)
	d.mu.Unlock()
	for _, sess := range sessions {
		sess.Dispose()
	}
	d.cancel()
}

func (d *Directory) snapshotSessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, 0, len(d.sessions))
	for _, sess := range d.sessions {
		out = append(out, sess)
	}
	return out
}

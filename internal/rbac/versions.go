package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	matrixVersionKey  = "rbac:matrix:version"
	roleVersionPrefix = "rbac:roles:version:"

	// MatrixChannel carries matrix version bumps.
	MatrixChannel = "rbac.matrix.bump"
	// RolesChannel carries "<principal>:<version>" role-set bumps.
	RolesChannel = "rbac.roles.bump"
)

// EventKind distinguishes invalidation broadcasts.
type EventKind int

const (
	// EventMatrix signals that the role-permission matrix changed.
	EventMatrix EventKind = iota + 1
	// EventRoles signals that one principal's role set changed.
	EventRoles
	// EventResync signals that the broadcast connection was re-established
	// and bumps may have been missed meanwhile.
	EventResync
)

// Event is a version bump delivered to listeners.
type Event struct {
	Kind        EventKind
	PrincipalID int64
	Version     int64
}

// Versions tracks the matrix version and per-principal role versions. Without a
// Redis client it keeps counters in memory and notifies in-process listeners.
type Versions struct {
	client *redis.Client
	logger *slog.Logger

	mu        sync.Mutex
	matrix    int64
	roles     map[int64]int64
	listeners map[int]func(Event)
	nextID    int
}

// NewVersions builds a version tracker. client may be nil.
func NewVersions(client *redis.Client, logger *slog.Logger) *Versions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Versions{
		client:    client,
		logger:    logger,
		matrix:    1,
		roles:     make(map[int64]int64),
		listeners: make(map[int]func(Event)),
	}
}

// MatrixVersion returns the current matrix version, initialising it when missing.
func (v *Versions) MatrixVersion(ctx context.Context) (int64, error) {
	if v.client == nil {
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.matrix, nil
	}
	return v.readOrInit(ctx, matrixVersionKey)
}

// RoleVersion returns the role-set version of a principal.
func (v *Versions) RoleVersion(ctx context.Context, principalID int64) (int64, error) {
	if v.client == nil {
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.roles[principalID] + 1, nil
	}
	return v.readOrInit(ctx, roleVersionKey(principalID))
}

// BumpMatrix increments the matrix version and broadcasts it.
func (v *Versions) BumpMatrix(ctx context.Context) (int64, error) {
	if v.client == nil {
		v.mu.Lock()
		v.matrix++
		ver := v.matrix
		v.mu.Unlock()
		v.notify(Event{Kind: EventMatrix, Version: ver})
		return ver, nil
	}
	ver, err := v.client.Incr(ctx, matrixVersionKey).Result()
	if err != nil {
		return 0, fmt.Errorf("rbac: bump matrix version: %w", err)
	}
	if err := v.client.Publish(ctx, MatrixChannel, strconv.FormatInt(ver, 10)).Err(); err != nil {
		return ver, fmt.Errorf("rbac: publish matrix bump: %w", err)
	}
	return ver, nil
}

// BumpRoles increments a principal's role version and broadcasts it.
func (v *Versions) BumpRoles(ctx context.Context, principalID int64) (int64, error) {
	if v.client == nil {
		v.mu.Lock()
		v.roles[principalID]++
		ver := v.roles[principalID] + 1
		v.mu.Unlock()
		v.notify(Event{Kind: EventRoles, PrincipalID: principalID, Version: ver})
		return ver, nil
	}
	ver, err := v.client.Incr(ctx, roleVersionKey(principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("rbac: bump role version: %w", err)
	}
	payload := strconv.FormatInt(principalID, 10) + ":" + strconv.FormatInt(ver, 10)
	if err := v.client.Publish(ctx, RolesChannel, payload).Err(); err != nil {
		return ver, fmt.Errorf("rbac: publish role bump: %w", err)
	}
	return ver, nil
}

// Listen delivers version bumps to fn until ctx ends.
func (v *Versions) Listen(ctx context.Context, fn func(Event)) error {
	_, err := v.Subscribe(ctx, fn)
	return err
}

// Subscribe delivers version bumps to fn until ctx ends. The returned channel
// is closed when delivery stops, either because ctx ended or because the
// Redis subscription was lost.
func (v *Versions) Subscribe(ctx context.Context, fn func(Event)) (<-chan struct{}, error) {
	if fn == nil {
		return nil, errors.New("rbac: listener required")
	}
	done := make(chan struct{})
	if v.client == nil {
		v.mu.Lock()
		id := v.nextID
		v.nextID++
		v.listeners[id] = fn
		v.mu.Unlock()
		go func() {
			defer close(done)
			<-ctx.Done()
			v.mu.Lock()
			delete(v.listeners, id)
			v.mu.Unlock()
		}()
		return done, nil
	}

	pubsub := v.client.Subscribe(ctx, MatrixChannel, RolesChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("rbac: subscribe: %w", err)
	}
	go func() {
		defer close(done)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.ChannelWithSubscriptions()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg *redis.Message
				switch m := raw.(type) {
				case *redis.Subscription:
					// Receive consumed the first confirmation; a count of one
					// arriving here means go-redis reconnected underneath us.
					if m.Kind == "subscribe" && m.Count == 1 {
						fn(Event{Kind: EventResync})
					}
					continue
				case *redis.Message:
					msg = m
				default:
					continue
				}
				ev, err := parseEvent(msg.Channel, msg.Payload)
				if err != nil {
					v.logger.Warn("rbac: malformed bump", slog.String("channel", msg.Channel), slog.Any("error", err))
					continue
				}
				fn(ev)
			}
		}
	}()
	return done, nil
}

func (v *Versions) notify(ev Event) {
	v.mu.Lock()
	fns := make([]func(Event), 0, len(v.listeners))
	for _, fn := range v.listeners {
		fns = append(fns, fn)
	}
	v.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (v *Versions) readOrInit(ctx context.Context, key string) (int64, error) {
	ver, err := v.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		if err := v.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, fmt.Errorf("rbac: init version: %w", err)
		}
		return v.client.Get(ctx, key).Int64()
	}
	if err != nil {
		return 0, fmt.Errorf("rbac: read version: %w", err)
	}
	return ver, nil
}

func roleVersionKey(principalID int64) string {
	return roleVersionPrefix + strconv.FormatInt(principalID, 10)
}

func parseEvent(channel, payload string) (Event, error) {
	switch channel {
	case MatrixChannel:
		ver, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventMatrix, Version: ver}, nil
	case RolesChannel:
		idRaw, verRaw, ok := strings.Cut(payload, ":")
		if !ok {
			return Event{}, fmt.Errorf("missing separator in %q", payload)
		}
		id, err := strconv.ParseInt(idRaw, 10, 64)
		if err != nil {
			return Event{}, err
		}
		ver, err := strconv.ParseInt(verRaw, 10, 64)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventRoles, PrincipalID: id, Version: ver}, nil
	default:
		return Event{}, fmt.Errorf("unknown channel %q", channel)
	}
}

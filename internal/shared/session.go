package shared

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix   = "session:"
	principalKeyPrefix = "session-owner:"
)

// SessionManager stores cookie sessions in Redis.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
	secure     bool
}

// Session is the per-request view of a stored session.
type Session struct {
	ID          string
	values      map[string]string
	principalID int64
	previousID  string
	// principalOwner remembers the signed-in principal of a destroyed session.
	principalOwner int64
	isNew          bool
	dirty          bool
	destroyed      bool
}

type sessionPayload struct {
	Values      map[string]string `json:"values"`
	PrincipalID int64             `json:"principal_id,omitempty"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, cookieName string, ttl time.Duration, secure bool) *SessionManager {
	if cookieName == "" {
		cookieName = "repairhub_session"
	}
	return &SessionManager{client: client, cookieName: cookieName, ttl: ttl, secure: secure}
}

// Load returns the session referenced by the request cookie, or a fresh one.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return sm.newSession(), nil
		}
		return nil, err
	}

	data, err := sm.client.Get(ctx, sessionKeyPrefix+cookie.Value).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sm.newSession(), nil
		}
		return nil, err
	}

	var stored sessionPayload
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	if stored.Values == nil {
		stored.Values = make(map[string]string)
	}
	return &Session{ID: cookie.Value, values: stored.Values, principalID: stored.PrincipalID}, nil
}

// Commit persists dirty sessions and writes the cookie.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess == nil {
		return nil
	}
	if sess.previousID != "" {
		if err := sm.client.Del(ctx, sessionKeyPrefix+sess.previousID).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		sess.previousID = ""
	}
	if sess.destroyed {
		if err := sm.client.Del(ctx, sessionKeyPrefix+sess.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if sess.principalOwner > 0 {
			if err := sm.client.SRem(ctx, principalSessionsKey(sess.principalOwner), sess.ID).Err(); err != nil {
				return err
			}
		}
		http.SetCookie(w, &http.Cookie{
			Name:     sm.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   sm.secure,
			SameSite: http.SameSiteLaxMode,
		})
		return nil
	}
	if !sess.dirty {
		return nil
	}
	data, err := json.Marshal(sessionPayload{Values: sess.values, PrincipalID: sess.principalID})
	if err != nil {
		return err
	}
	_, err = sm.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKeyPrefix+sess.ID, data, sm.ttl)
		if sess.principalID > 0 {
			index := principalSessionsKey(sess.principalID)
			pipe.SAdd(ctx, index, sess.ID)
			pipe.Expire(ctx, index, sm.ttl)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sess.dirty = false
	sess.isNew = false
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(sm.ttl),
	})
	return nil
}

// Destroy marks the session for deletion on commit.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess == nil {
		return
	}
	sess.destroyed = true
	sess.principalOwner = sess.principalID
	sess.principalID = 0
}

// DestroyPrincipal deletes every stored session signed in as principalID.
// Requests still carrying one of those cookies start over signed out.
func (sm *SessionManager) DestroyPrincipal(ctx context.Context, principalID int64) error {
	index := principalSessionsKey(principalID)
	ids, err := sm.client.SMembers(ctx, index).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionKeyPrefix+id)
	}
	keys = append(keys, index)
	return sm.client.Del(ctx, keys...).Err()
}

// CookieName returns the session cookie name.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

// SignIn binds the session to principalID under a new session id.
func (s *Session) SignIn(principalID int64) {
	if !s.isNew {
		s.previousID = s.ID
	}
	s.ID = uuid.NewString()
	s.principalID = principalID
	s.dirty = true
}

// PrincipalID returns the signed-in principal, if any.
func (s *Session) PrincipalID() (int64, bool) {
	if s == nil || s.destroyed || s.principalID <= 0 {
		return 0, false
	}
	return s.principalID, true
}

// User returns the principal id as a string, empty when signed out.
func (s *Session) User() string {
	id, ok := s.PrincipalID()
	if !ok {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// Set stores a key-value pair.
func (s *Session) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	s.dirty = true
}

// Get retrieves a value.
func (s *Session) Get(key string) string {
	return s.values[key]
}

// Delete removes a value.
func (s *Session) Delete(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	s.dirty = true
}

func principalSessionsKey(principalID int64) string {
	return principalKeyPrefix + strconv.FormatInt(principalID, 10)
}

func (sm *SessionManager) newSession() *Session {
	return &Session{ID: uuid.NewString(), values: make(map[string]string), isNew: true}
}

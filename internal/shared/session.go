package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionData is what the authentication collaborator stores for a signed-in user.
type SessionData struct {
	ID       string    `json:"-"`
	UserID   int64     `json:"user_id"`
	Email    string    `json:"email"`
	Roles    []string  `json:"roles"`
	IssuedAt time.Time `json:"issued_at"`
}

// SessionManager resolves sessions from Redis by cookie or bearer token.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, cookieName string, ttl time.Duration) *SessionManager {
	return &SessionManager{client: client, cookieName: cookieName, ttl: ttl}
}

// Issue stores a session and returns its identifier.
func (sm *SessionManager) Issue(ctx context.Context, data SessionData) (string, error) {
	if data.UserID <= 0 {
		return "", errors.New("session: user id required")
	}
	id := uuid.NewString()
	if data.IssuedAt.IsZero() {
		data.IssuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	if err := sm.client.Set(ctx, sm.redisKey(id), payload, sm.ttl).Err(); err != nil {
		return "", fmt.Errorf("session: store: %w", err)
	}
	return id, nil
}

// Load returns the session attached to the request, or nil when the request is anonymous
// or the session expired.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*SessionData, error) {
	id := sm.sessionID(r)
	if id == "" {
		return nil, nil
	}
	payload, err := sm.client.Get(ctx, sm.redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: load: %w", err)
	}
	var data SessionData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	data.ID = id
	// sliding expiry
	if err := sm.client.Expire(ctx, sm.redisKey(id), sm.ttl).Err(); err != nil {
		return nil, fmt.Errorf("session: touch: %w", err)
	}
	return &data, nil
}

// Revoke deletes a session.
func (sm *SessionManager) Revoke(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := sm.client.Del(ctx, sm.redisKey(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

func (sm *SessionManager) sessionID(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (sm *SessionManager) redisKey(id string) string {
	return "session:" + id
}

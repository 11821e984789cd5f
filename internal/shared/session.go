package shared

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionManager stores bearer-token sessions in Redis. A session maps
// an opaque token to the Identity it was issued for and disappears when
// the token expires or the user signs out.
type SessionManager struct {
	client *redis.Client
	ttl    time.Duration
}

type sessionPayload struct {
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, ttl time.Duration) *SessionManager {
	return &SessionManager{client: client, ttl: ttl}
}

// Create issues a new bearer token for the given user and persists the
// session. The returned Identity carries the token.
func (sm *SessionManager) Create(ctx context.Context, userID, tenantID string) (Identity, error) {
	token := generateToken()
	payload := sessionPayload{UserID: userID, TenantID: tenantID, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(payload)
	if err != nil {
		return Identity{}, err
	}
	if err := sm.client.Set(ctx, sm.redisKey(token), data, sm.ttl).Err(); err != nil {
		return Identity{}, err
	}
	return Identity{UserID: userID, TenantID: tenantID, Token: token}, nil
}

// Load resolves a bearer token back to its Identity. ErrUnauthorized is
// returned for unknown or expired tokens.
func (sm *SessionManager) Load(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	data, err := sm.client.Get(ctx, sm.redisKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Identity{}, ErrUnauthorized
		}
		return Identity{}, err
	}
	var stored sessionPayload
	if err := json.Unmarshal(data, &stored); err != nil {
		// Corrupt session payloads are treated as signed out.
		_ = sm.client.Del(ctx, sm.redisKey(token)).Err()
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: stored.UserID, TenantID: stored.TenantID, Token: token}, nil
}

// Destroy removes the session for the given token.
func (sm *SessionManager) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := sm.client.Del(ctx, sm.redisKey(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

func (sm *SessionManager) redisKey(token string) string {
	return "session:" + token
}

func generateToken() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vigil-grc/vigil/internal/shared"
)

// CacheTTL bounds the staleness of a cached permission snapshot.
// Permission changes are rare relative to session length, so one day
// avoids a fetch on every navigation without holding revoked grants
// for long.
const CacheTTL = 24 * time.Hour

// Fixed key slots within an identity-scoped prefix.
const (
	keyPermissions = "user_permissions"
	keyTimestamp   = "user_permissions_timestamp"
)

// CacheEntry is one persisted permission snapshot.
type CacheEntry struct {
	Matrix    PermissionMatrix
	Roles     []Role
	FetchedAt time.Time
}

// Store persists permission snapshots. Implementations must degrade to
// "absent" on storage or parse failures rather than surfacing errors to
// the evaluator.
type Store interface {
	Load(ctx context.Context) (CacheEntry, bool)
	Save(ctx context.Context, matrix PermissionMatrix, roles []Role) error
	Clear(ctx context.Context)
}

type cachePayload struct {
	UserRoles   []Role           `json:"user_roles"`
	Permissions PermissionMatrix `json:"permissions"`
}

// RedisStore keeps the snapshot under two fixed keys in Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisStore constructs a store scoped to the given key prefix.
func NewRedisStore(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    CacheTTL,
		logger: logger,
		now:    time.Now,
	}
}

// StoreFactory builds identity-scoped stores for the evaluator
// registry. Each session gets its own key prefix so one user's snapshot
// can never be read as another's.
func StoreFactory(client *redis.Client, logger *slog.Logger) func(shared.Identity) Store {
	return func(id shared.Identity) Store {
		return NewRedisStore(client, "authz:"+id.UserID+":"+id.TenantID, logger)
	}
}

// Load reads and validates the persisted snapshot. Expired or
// unparseable entries are purged and reported absent; storage errors
// degrade to absent without purging.
func (s *RedisStore) Load(ctx context.Context) (CacheEntry, bool) {
	rawTS, err := s.client.Get(ctx, s.key(keyTimestamp)).Result()
	if err != nil {
		if err != redis.Nil {
			s.warn("cache read timestamp", err)
		}
		return CacheEntry{}, false
	}
	millis, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		s.warn("cache parse timestamp", err)
		s.Clear(ctx)
		return CacheEntry{}, false
	}
	fetchedAt := time.UnixMilli(millis)

	// fetched_at + TTL <= now means the entry is gone, never returned.
	if !fetchedAt.Add(s.ttl).After(s.now()) {
		s.Clear(ctx)
		return CacheEntry{}, false
	}

	raw, err := s.client.Get(ctx, s.key(keyPermissions)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.warn("cache read payload", err)
			return CacheEntry{}, false
		}
		// Timestamp without payload is corruption; purge the orphan.
		s.Clear(ctx)
		return CacheEntry{}, false
	}

	var payload cachePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.warn("cache parse payload", err)
		s.Clear(ctx)
		return CacheEntry{}, false
	}

	return CacheEntry{
		Matrix:    payload.Permissions,
		Roles:     payload.UserRoles,
		FetchedAt: fetchedAt,
	}, true
}

// Save writes the snapshot plus a fresh timestamp. The payload goes
// first; if either write fails both keys are purged so a stale payload
// can never sit next to a fresh timestamp.
func (s *RedisStore) Save(ctx context.Context, matrix PermissionMatrix, roles []Role) error {
	if roles == nil {
		roles = []Role{}
	}
	if matrix == nil {
		matrix = PermissionMatrix{}
	}
	data, err := json.Marshal(cachePayload{UserRoles: roles, Permissions: matrix})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(keyPermissions), data, s.ttl).Err(); err != nil {
		s.Clear(ctx)
		return err
	}
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.client.Set(ctx, s.key(keyTimestamp), ts, s.ttl).Err(); err != nil {
		s.Clear(ctx)
		return err
	}
	return nil
}

// Clear removes both keys unconditionally.
func (s *RedisStore) Clear(ctx context.Context) {
	if err := s.client.Del(ctx, s.key(keyPermissions), s.key(keyTimestamp)).Err(); err != nil && err != redis.Nil {
		s.warn("cache clear", err)
	}
}

func (s *RedisStore) key(slot string) string {
	return s.prefix + ":" + slot
}

func (s *RedisStore) warn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, slog.Any("error", err))
	}
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrelai/synapse/internal/memory"
)

// defaultTTL is applied when [RedisConfig.TTL] is zero. Idle sessions
// expire after a day.
const defaultTTL = 24 * time.Hour

// activeSessionsKey is the set of currently active session IDs.
const activeSessionsKey = "active_sessions"

// RedisConfig configures a [RedisStore].
type RedisConfig struct {
	// URL is a redis:// connection string, e.g. "redis://localhost:6379/0".
	URL string

	// TTL applied to session/memory namespace keys. Defaults to 24h.
	TTL time.Duration
}

// RedisStore is the Redis-backed [Store] implementation: namespaced keys
// (`session:<id>`, `memory:<id>`) with TTL, plus the `active_sessions` set.
//
// RedisStore returns an error from every method on a backend failure — it
// is [Guarded] that is responsible for degrading those errors into
// best-effort no-ops per the Store interface's contract.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore parses cfg.URL and verifies connectivity with a Ping.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func sessionKey(id string) string      { return "session:" + id }
func memoryKey(id string) string       { return "memory:" + id }
func orchestratorKey(id string) string { return "orchestrator:" + id }

func (s *RedisStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}

	key := sessionKey(rec.ID)
	if err := s.client.HSet(ctx, key, map[string]any{
		"data":          string(data),
		"last_accessed": time.Now().UTC().Format(time.RFC3339),
	}).Err(); err != nil {
		return fmt.Errorf("store: hset session: %w", err)
	}
	if err := s.client.SAdd(ctx, activeSessionsKey, rec.ID).Err(); err != nil {
		return fmt.Errorf("store: register active session: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: expire session: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	key := sessionKey(id)
	data, err := s.client.HGet(ctx, key, "data").Result()
	if err == redis.Nil {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("store: hget session: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return SessionRecord{}, false, fmt.Errorf("store: unmarshal session: %w", err)
	}

	s.client.HSet(ctx, key, "last_accessed", time.Now().UTC().Format(time.RFC3339))
	s.client.Expire(ctx, key, s.ttl)

	return rec, true, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.SRem(ctx, activeSessionsKey, id).Err(); err != nil {
		return fmt.Errorf("store: remove active session: %w", err)
	}
	keys := []string{sessionKey(id), memoryKey(id), orchestratorKey(id)}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: delete session keys: %w", err)
	}
	return nil
}

func (s *RedisStore) ActiveSessions(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: smembers active sessions: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) SaveMemorySnapshot(ctx context.Context, id string, snap memory.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal memory snapshot: %w", err)
	}
	key := memoryKey(id)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: set memory snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadMemorySnapshot(ctx context.Context, id string) (memory.Snapshot, bool, error) {
	data, err := s.client.Get(ctx, memoryKey(id)).Bytes()
	if err == redis.Nil {
		return memory.Snapshot{}, false, nil
	}
	if err != nil {
		return memory.Snapshot{}, false, fmt.Errorf("store: get memory snapshot: %w", err)
	}
	var snap memory.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return memory.Snapshot{}, false, fmt.Errorf("store: unmarshal memory snapshot: %w", err)
	}
	return snap, true, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)

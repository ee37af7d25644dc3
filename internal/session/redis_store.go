package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRestoreNotFound is returned for unknown, expired or revoked restore JTIs.
var ErrRestoreNotFound = errors.New("restore token not found or expired")

// RestoreStore records which restore-token JTIs are still honoured.
type RestoreStore interface {
	SaveRestore(ctx context.Context, jti string, identity Identity, expiresAt time.Time) error
	LookupRestore(ctx context.Context, jti string) (Identity, error)
	RevokeRestore(ctx context.Context, jti string) error
	Ping(ctx context.Context) error
}

type restoreData struct {
	UserID    string    `json:"user_id"`
	Login     string    `json:"login"`
	CreatedAt time.Time `json:"created_at"`
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "restore:"}
}

func (s *RedisStore) key(jti string) string {
	return s.prefix + jti
}

func (s *RedisStore) SaveRestore(ctx context.Context, jti string, identity Identity, expiresAt time.Time) error {
	payload, err := json.Marshal(restoreData{
		UserID:    identity.UserID,
		Login:     identity.Login,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal restore data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("save restore token: already expired")
	}
	if err := s.client.Set(ctx, s.key(jti), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save restore token: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupRestore(ctx context.Context, jti string) (Identity, error) {
	raw, err := s.client.Get(ctx, s.key(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return Identity{}, ErrRestoreNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup restore token: %w", err)
	}

	var data restoreData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return Identity{}, fmt.Errorf("unmarshal restore data: %w", err)
	}
	return Identity{UserID: data.UserID, Login: data.Login}, nil
}

func (s *RedisStore) RevokeRestore(ctx context.Context, jti string) error {
	if err := s.client.Del(ctx, s.key(jti)).Err(); err != nil {
		return fmt.Errorf("revoke restore token: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryRestoreStore is the single-process fallback used when no Redis URL is
// configured.
type MemoryRestoreStore struct {
	mu      sync.Mutex
	entries map[string]memoryRestore
	now     func() time.Time
}

type memoryRestore struct {
	identity  Identity
	expiresAt time.Time
}

func NewMemoryRestoreStore() *MemoryRestoreStore {
	return &MemoryRestoreStore{entries: make(map[string]memoryRestore), now: time.Now}
}

func (s *MemoryRestoreStore) SaveRestore(_ context.Context, jti string, identity Identity, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[jti] = memoryRestore{identity: identity, expiresAt: expiresAt}
	return nil
}

func (s *MemoryRestoreStore) LookupRestore(_ context.Context, jti string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[jti]
	if !ok {
		return Identity{}, ErrRestoreNotFound
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.entries, jti)
		return Identity{}, ErrRestoreNotFound
	}
	return entry.identity, nil
}

func (s *MemoryRestoreStore) RevokeRestore(_ context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, jti)
	return nil
}

func (s *MemoryRestoreStore) Ping(context.Context) error { return nil }

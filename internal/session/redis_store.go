// Package session provides a Redis backend for login sessions with the same
// contract as the Postgres sessions table.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"weeklydiary/api/internal/store"
)

// touchScript updates last_seen only on a live key so a touch racing with
// expiry or logout cannot resurrect the session without a TTL.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('HSET', KEYS[1], 'last_seen', ARGV[1])
end
return 0
`)

// RedisStore keeps each session in a hash under session:<token hash>.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL; ttl is the fixed session lifetime.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "session:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// CreateSession writes the hash and sets its expiry once. Nothing later
// extends it, so the lifetime stays fixed from creation.
func (s *RedisStore) CreateSession(ctx context.Context, sess store.Session) error {
	key := s.key(sess.ID)
	created := strconv.FormatInt(sess.CreatedAt.UnixMilli(), 10)
	remaining := s.ttl - time.Since(sess.CreatedAt)
	if remaining <= 0 {
		return errors.New("session already expired")
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"user_id":    sess.UserID,
			"ip":         sess.IP,
			"user_agent": sess.UserAgent,
			"created_at": created,
			"last_seen":  created,
		})
		pipe.Expire(ctx, key, remaining)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LookupSession mirrors the Postgres check: the session must have been
// created after notBefore regardless of the key's remaining TTL.
func (s *RedisStore) LookupSession(ctx context.Context, tokenHash string, notBefore time.Time) (store.Session, error) {
	key := s.key(tokenHash)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return store.Session{}, fmt.Errorf("lookup session: %w", err)
	}
	if len(fields) == 0 {
		return store.Session{}, store.ErrNotFound
	}

	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return store.Session{}, fmt.Errorf("parse session created_at: %w", err)
	}
	lastSeen, err := parseMillis(fields["last_seen"])
	if err != nil {
		lastSeen = createdAt
	}
	if !createdAt.After(notBefore) {
		_ = s.DeleteSession(ctx, tokenHash)
		return store.Session{}, store.ErrNotFound
	}

	return store.Session{
		ID:        tokenHash,
		UserID:    fields["user_id"],
		IP:        fields["ip"],
		UserAgent: fields["user_agent"],
		CreatedAt: createdAt,
		LastSeen:  lastSeen,
	}, nil
}

func (s *RedisStore) TouchSession(ctx context.Context, tokenHash string, at time.Time) error {
	err := touchScript.Run(ctx, s.client, []string{s.key(tokenHash)}, strconv.FormatInt(at.UnixMilli(), 10)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Client exposes the connection so the overview cache and rate limiter can
// share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

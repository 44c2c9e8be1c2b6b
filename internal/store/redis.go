// Package store keeps finished session reports in Redis so dashboards can
// fetch the latest ones after the daemon has moved on.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/e7canasta/orion-mirror/internal/config"
	"github.com/e7canasta/orion-mirror/internal/session"
)

// ErrNotFound is returned by Get for an unknown or expired session.
var ErrNotFound = errors.New("store: report not found")

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "mirror"

// RedisStore wraps the Redis client with the report layout:
//
//	{prefix}:report:{session_id}  JSON envelope, optional TTL
//	{prefix}:reports              session ids, newest first, capped
type RedisStore struct {
	client     *redis.Client
	prefix     string
	historyLen int64
	ttl        time.Duration
}

// Connect dials Redis and checks the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client, DefaultPrefix, cfg.HistoryLen, time.Duration(cfg.TTLHours)*time.Hour), nil
}

// New wraps an existing client. A zero ttl keeps reports forever.
func New(client *redis.Client, prefix string, historyLen int, ttl time.Duration) *RedisStore {
	if historyLen <= 0 {
		historyLen = config.DefaultRedisHistoryLen
	}
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		historyLen: int64(historyLen),
		ttl:        ttl,
	}
}

func (s *RedisStore) reportKey(id string) string { return s.prefix + ":report:" + id }
func (s *RedisStore) listKey() string { return s.prefix + ":reports" }

// Save stores the envelope and pushes its id onto the history list
func (s *RedisStore) Save(ctx context.Context, env session.Envelope) error {
	if env.SessionID == "" {
		return fmt.Errorf("store: envelope has no session id")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.reportKey(env.SessionID), data, s.ttl)
		p.LRem(ctx, s.listKey(), 0, env.SessionID)
		p.LPush(ctx, s.listKey(), env.SessionID)
		p.LTrim(ctx, s.listKey(), 0, s.historyLen-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("error saving report %s: %w", env.SessionID, err)
	}
	return nil
}

// Get returns the report for a session
func (s *RedisStore) Get(ctx context.Context, sessionID string) (session.Envelope, error) {
	var env session.Envelope
	data, err := s.client.Get(ctx, s.reportKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return env, ErrNotFound
	}
	if err != nil {
		return env, fmt.Errorf("error reading report %s: %w", sessionID, err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("corrupt report %s: %w", sessionID, err)
	}
	return env, nil
}

// Recent returns up to n reports, newest first. Ids whose report expired
// are skipped.
func (s *RedisStore) Recent(ctx context.Context, n int) ([]session.Envelope, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := s.client.LRange(ctx, s.listKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("error listing reports: %w", err)
	}

	out := make([]session.Envelope, 0, len(ids))
	for _, id := range ids {
		env, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

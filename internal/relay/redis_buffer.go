package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"makeover/internal/events"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "makeover:events:"

// listStore is the slice of Redis the buffer needs.
type listStore interface {
	Push(ctx context.Context, key, value string, ttl time.Duration) error
	Range(ctx context.Context, key string) ([]string, error)
	Close() error
}

type redisListStore struct {
	cli *redis.Client
}

func (s *redisListStore) Push(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, value)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

func (s *redisListStore) Range(ctx context.Context, key string) ([]string, error) {
	return s.cli.LRange(ctx, key, 0, -1).Result()
}

func (s *redisListStore) Close() error { return s.cli.Close() }

// RedisBuffer shares pending events across relay instances. Redis expiry
// enforces the retention window.
type RedisBuffer struct {
	store     listStore
	retention time.Duration
}

// NewRedisBuffer connects to addr and verifies the connection.
func NewRedisBuffer(ctx context.Context, addr, password string, db int, retention time.Duration) (*RedisBuffer, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisBuffer(&redisListStore{cli: cli}, retention), nil
}

func newRedisBuffer(store listStore, retention time.Duration) *RedisBuffer {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisBuffer{store: store, retention: retention}
}

func (b *RedisBuffer) Append(ctx context.Context, projectID string, ev events.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.store.Push(ctx, redisKeyPrefix+projectID, string(raw), b.retention)
}

func (b *RedisBuffer) Replay(ctx context.Context, projectID string) ([]events.Event, error) {
	items, err := b.store.Range(ctx, redisKeyPrefix+projectID)
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([]events.Event, 0, len(items))
	for _, item := range items {
		var ev events.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode buffered event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (b *RedisBuffer) Close() error { return b.store.Close() }

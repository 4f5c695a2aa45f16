package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pkb/internal/domain"
	"pkb/internal/port"
)

const redisKeyPrefix = "pkb:emb:"

// RedisPersister shares cache entries between processes through Redis.
type RedisPersister struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisPersister wraps an existing client. A zero ttl keeps entries forever.
func NewRedisPersister(client redis.UniversalClient, ttl time.Duration) *RedisPersister {
	return &RedisPersister{client: client, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (p *RedisPersister) Get(ctx context.Context, key string) (domain.CacheEntry, bool, error) {
	var entry domain.CacheEntry
	data, err := p.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, true, fmt.Errorf("%w: %v", port.ErrCacheCorruption, err)
	}
	return entry, true, nil
}

func (p *RedisPersister) Put(ctx context.Context, key string, entry domain.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, redisKeyPrefix+key, data, p.ttl).Err()
}

func (p *RedisPersister) Delete(ctx context.Context, key string) error {
	return p.client.Del(ctx, redisKeyPrefix+key).Err()
}

func (p *RedisPersister) Scan(ctx context.Context, fn func(key string, entry domain.CacheEntry, decodeErr error) error) error {
	iter := p.client.Scan(ctx, 0, redisKeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		data, err := p.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		var entry domain.CacheEntry
		var decodeErr error
		if err := json.Unmarshal(data, &entry); err != nil {
			decodeErr = fmt.Errorf("%w: %v", port.ErrCacheCorruption, err)
		}
		if err := fn(strings.TrimPrefix(full, redisKeyPrefix), entry, decodeErr); err != nil {
			return err
		}
	}
	return iter.Err()
}

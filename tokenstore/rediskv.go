package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisKV stores the namespace as one Redis hash. Each Apply runs inside
// MULTI/EXEC, so HSET and HDEL of one write land together.
type RedisKV struct {
	client *redis.Client
	key    string
}

// NewRedisKV uses the hash at key on client.
func NewRedisKV(client *redis.Client, key string) (*RedisKV, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("redis key cannot be empty")
	}
	return &RedisKV{client: client, key: key}, nil
}

func (r *RedisKV) Load(ctx context.Context) (map[string]string, error) {
	values, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("redis load %s: %w", r.key, err)
	}
	return values, nil
}

func (r *RedisKV) Apply(ctx context.Context, set map[string]string, del []string) error {
	if len(set) == 0 && len(del) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, r.queue(ctx, set, del))
	if err != nil {
		return fmt.Errorf("redis apply %s: %w", r.key, err)
	}
	return nil
}

// ApplyIf WATCHes the hash, so a write by another client between the check
// and EXEC aborts the transaction; that case is retried a few times.
func (r *RedisKV) ApplyIf(ctx context.Context, field, expected string, set map[string]string, del []string) (bool, error) {
	const maxRetries = 4

	for i := 0; i < maxRetries; i++ {
		applied := false
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.HGet(ctx, r.key, field).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if current != expected {
				return nil
			}
			if len(set) > 0 || len(del) > 0 {
				if _, err := tx.TxPipelined(ctx, r.queue(ctx, set, del)); err != nil {
					return err
				}
			}
			applied = true
			return nil
		}, r.key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("redis apply %s: %w", r.key, err)
		}
		return applied, nil
	}
	return false, fmt.Errorf("redis apply %s: %w", r.key, redis.TxFailedErr)
}

func (r *RedisKV) queue(ctx context.Context, set map[string]string, del []string) func(redis.Pipeliner) error {
	return func(pipe redis.Pipeliner) error {
		if len(del) > 0 {
			pipe.HDel(ctx, r.key, del...)
		}
		if len(set) > 0 {
			pipe.HSet(ctx, r.key, set)
		}
		return nil
	}
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
)

// RedisResultBuffer parks command results for detached sessions in one list
// per session. The key expires with the resume grace period, so abandoned
// sessions cost nothing to clean up.
type RedisResultBuffer struct {
	client *redis.Client
	prefix string
}

func NewRedisResultBuffer(client *redis.Client) ports.ResultBuffer {
	return &RedisResultBuffer{
		client: client,
		prefix: "opsdeck:results:",
	}
}

func (r *RedisResultBuffer) sessionKey(id domain.SessionID) string {
	return r.prefix + string(id)
}

func (r *RedisResultBuffer) Put(ctx context.Context, id domain.SessionID, result domain.CommandResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	key := r.sessionKey(id)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to buffer result in Redis: %w", err)
	}
	return nil
}

func (r *RedisResultBuffer) Drain(ctx context.Context, id domain.SessionID) ([]domain.CommandResult, error) {
	key := r.sessionKey(id)
	pipe := r.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to drain results from Redis: %w", err)
	}

	raw := rangeCmd.Val()
	results := make([]domain.CommandResult, 0, len(raw))
	for _, item := range raw {
		var result domain.CommandResult
		if err := json.Unmarshal([]byte(item), &result); err != nil {
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

func (r *RedisResultBuffer) Discard(ctx context.Context, id domain.SessionID) error {
	if err := r.client.Del(ctx, r.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to discard results in Redis: %w", err)
	}
	return nil
}

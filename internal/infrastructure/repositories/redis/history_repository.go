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

// RedisHistoryRepository keeps one capped list per channel, newest at the
// tail. Trimming after every append bounds retention to the ring capacity.
type RedisHistoryRepository struct {
	client   *redis.Client
	prefix   string
	capacity int
}

func NewRedisHistoryRepository(client *redis.Client, capacity int) ports.HistoryRepository {
	if capacity < 1 {
		capacity = 1
	}
	return &RedisHistoryRepository{
		client:   client,
		prefix:   "opsdeck:history:",
		capacity: capacity,
	}
}

func (r *RedisHistoryRepository) channelKey(channel domain.Channel) string {
	return r.prefix + string(channel)
}

func (r *RedisHistoryRepository) Append(ctx context.Context, rec domain.MetricRecord) error {
	if _, err := domain.ParseChannel(string(rec.Channel)); err != nil {
		return domain.ErrUnknownChannel
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	key := r.channelKey(rec.Channel)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-r.capacity), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append record to Redis: %w", err)
	}
	return nil
}

func (r *RedisHistoryRepository) Since(ctx context.Context, channel domain.Channel, since time.Time) ([]domain.MetricRecord, error) {
	if _, err := domain.ParseChannel(string(channel)); err != nil {
		return nil, domain.ErrUnknownChannel
	}

	raw, err := r.client.LRange(ctx, r.channelKey(channel), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history from Redis: %w", err)
	}

	records := make([]domain.MetricRecord, 0, len(raw))
	for _, item := range raw {
		var rec domain.MetricRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			// Skip records that no longer parse
			continue
		}
		if rec.Timestamp.After(since) {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (r *RedisHistoryRepository) Latest(ctx context.Context, channel domain.Channel) (domain.MetricRecord, bool, error) {
	if _, err := domain.ParseChannel(string(channel)); err != nil {
		return domain.MetricRecord{}, false, domain.ErrUnknownChannel
	}

	raw, err := r.client.LIndex(ctx, r.channelKey(channel), -1).Result()
	if err == redis.Nil {
		return domain.MetricRecord{}, false, nil
	}
	if err != nil {
		return domain.MetricRecord{}, false, fmt.Errorf("failed to read latest record from Redis: %w", err)
	}

	var rec domain.MetricRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.MetricRecord{}, false, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, true, nil
}

func (r *RedisHistoryRepository) Snapshot(ctx context.Context) (map[domain.Channel]domain.MetricRecord, error) {
	snapshot := make(map[domain.Channel]domain.MetricRecord)
	for _, channel := range domain.Channels() {
		rec, ok, err := r.Latest(ctx, channel)
		if err != nil {
			return nil, err
		}
		if ok {
			snapshot[channel] = rec
		}
	}
	return snapshot, nil
}

package exportrisk

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisHistoryPrefix = "exportguard:history:"

// RedisHistoryStore keeps each user's recent export events in a Redis sorted
// set scored by event time in milliseconds. Events older than the retention
// window are trimmed on every append, so the set stays bounded without a
// background sweeper.
type RedisHistoryStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewRedisHistoryStore creates a Redis-backed export history. retention
// should be at least the engine's lookback.
func NewRedisHistoryStore(client redis.UniversalClient, retention time.Duration) *RedisHistoryStore {
	return &RedisHistoryStore{client: client, retention: retention}
}

// Retention reports how far back the store keeps events.
func (s *RedisHistoryStore) Retention() time.Duration {
	return s.retention
}

func historyKey(userID int64) string {
	return redisHistoryPrefix + strconv.FormatInt(userID, 10)
}

func (s *RedisHistoryStore) Append(ctx context.Context, event ExportEvent) error {
	member, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal export event: %w", err)
	}

	key := historyKey(event.UserID)
	cutoff := event.Timestamp.Add(-s.retention).UnixMilli()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(event.Timestamp.UnixMilli()),
			Member: member,
		})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, key, s.retention+time.Hour)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append export event: %w", err)
	}
	return nil
}

func (s *RedisHistoryStore) RecentEvents(ctx context.Context, userID int64, since time.Time) ([]ExportEvent, error) {
	members, err := s.client.ZRangeByScore(ctx, historyKey(userID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read export history: %w", err)
	}

	result := make([]ExportEvent, 0, len(members))
	for _, m := range members {
		var e ExportEvent
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, fmt.Errorf("failed to decode export event: %w", err)
		}
		// Scores are millisecond-truncated; re-check against the exact time.
		if e.Timestamp.Before(since) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// Ping reports whether Redis is reachable.
func (s *RedisHistoryStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

package subscription

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
)

// RedisSet stores subscriptions in a Redis sorted set scored by expiration
// time, so multiple reader instances feed one writer. Members are JSON
// subscription payloads; re-adding a member only bumps its score.
type RedisSet struct {
	client goredis.UniversalClient
	key    string
}

// RedisSetKey builds the persisted sorted-set key for an
// (adapter, endpoint, transport) scope.
func RedisSetKey(adapter, endpoint, transport string) string {
	return fmt.Sprintf("%s-%s-%s-subscriptionSet", adapter, endpoint, transport)
}

// NewRedisSet creates a redis-backed subscription set under the given key.
func NewRedisSet(client goredis.UniversalClient, key string) *RedisSet {
	return &RedisSet{client: client, key: key}
}

// Add inserts or refreshes a subscription; the score is the absolute expiry
// in unix milliseconds.
func (s *RedisSet) Add(ctx context.Context, key string, params map[string]any, ttl time.Duration) error {
	member, err := json.Marshal(Subscription{Key: key, Params: params})
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	score := float64(time.Now().Add(ttl).UnixMilli())
	if err := s.client.ZAdd(ctx, s.key, goredis.Z{Score: score, Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("zadd subscription: %w", err)
	}
	return nil
}

// GetAll removes entries whose score is in the past, then returns the rest.
func (s *RedisSet) GetAll(ctx context.Context) ([]Subscription, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := s.client.ZRemRangeByScore(ctx, s.key, "-inf", now).Err(); err != nil {
		return nil, fmt.Errorf("zremrangebyscore subscriptions: %w", err)
	}

	members, err := s.client.ZRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange subscriptions: %w", err)
	}

	subs := make([]Subscription, 0, len(members))
	for _, m := range members {
		var sub Subscription
		if err := json.Unmarshal([]byte(m), &sub); err != nil {
			// Skip unparseable members rather than wedging the refresh loop.
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Close implements Set. The underlying client is shared with the cache and
// closed by its owner.
func (s *RedisSet) Close() error {
	return nil
}

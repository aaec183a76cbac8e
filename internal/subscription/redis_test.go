package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisSet(t *testing.T) *RedisSet {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewRedisSet(client, RedisSetKey("TEST", "price", "rest"))
}

func TestRedisSetKey(t *testing.T) {
	assert.Equal(t, "TEST-price-rest-subscriptionSet", RedisSetKey("TEST", "price", "rest"))
}

func TestRedisSet_AddAndGetAll(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisSet(t)

	require.NoError(t, s.Add(ctx, "k1", map[string]any{"base": "eth"}, time.Minute))
	require.NoError(t, s.Add(ctx, "k2", map[string]any{"base": "btc"}, time.Minute))

	subs, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	keys := []string{subs[0].Key, subs[1].Key}
	assert.ElementsMatch(t, []string{"k1", "k2"}, keys)
}

func TestRedisSet_ReAddBumpsExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisSet(t)

	require.NoError(t, s.Add(ctx, "k", map[string]any{"base": "eth"}, time.Minute))
	require.NoError(t, s.Add(ctx, "k", map[string]any{"base": "eth"}, time.Minute))

	subs, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 1, "same member twice stays one entry")
}

func TestRedisSet_GetAllPrunesExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisSet(t)

	require.NoError(t, s.Add(ctx, "expired", map[string]any{}, -time.Second))
	require.NoError(t, s.Add(ctx, "live", map[string]any{}, time.Minute))

	subs, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "live", subs[0].Key)
}

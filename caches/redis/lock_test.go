package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) goredis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	return goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
}

func TestLock_Exclusive(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	first, err := AcquireLock(ctx, client, "TEST", 200*time.Millisecond, 2)
	require.NoError(t, err)

	_, err = AcquireLock(ctx, client, "TEST", 20*time.Millisecond, 2)
	assert.Error(t, err, "second writer cannot take a held lock")

	require.NoError(t, first.Release(ctx))

	second, err := AcquireLock(ctx, client, "TEST", 200*time.Millisecond, 2)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestLock_DifferentNamesDoNotContend(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	a, err := AcquireLock(ctx, client, "ALPHA", time.Second, 2)
	require.NoError(t, err)
	defer func() { _ = a.Release(ctx) }()

	b, err := AcquireLock(ctx, client, "BETA", time.Second, 2)
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx))
}

func TestLock_ReleaseDeletesKey(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	lock, err := AcquireLock(ctx, client, "TEST", time.Second, 2)
	require.NoError(t, err)
	assert.True(t, mr.Exists("TEST"))

	require.NoError(t, lock.Release(ctx))
	assert.False(t, mr.Exists("TEST"))
}

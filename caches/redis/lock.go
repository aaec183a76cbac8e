package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Lock is an exclusive lease in Redis backed by SET NX. A writer instance
// holds exactly one per (cache prefix, adapter name) so at most one process
// fills the shared cache.
type Lock struct {
	client goredis.UniversalClient
	key    string
	token  string
	ttl    time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// releaseScript deletes the lock only when we still own it.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// refreshScript extends the lease only when we still own it.
var refreshScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// AcquireLock attempts to take the named lease, retrying with a fixed delay
// of ttl/retries between attempts. It fails once ttl x retries has elapsed
// without acquisition. On success a background goroutine refreshes the lease
// at ttl/2 until ctx is cancelled or Release is called.
func AcquireLock(ctx context.Context, client goredis.UniversalClient, name string, ttl time.Duration, retries int) (*Lock, error) {
	if retries < 1 {
		retries = 1
	}
	token := uuid.NewString()

	retryDelay := ttl / time.Duration(retries)
	for attempt := 0; attempt < retries; attempt++ {
		ok, err := client.SetNX(ctx, name, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock setnx: %w", err)
		}
		if ok {
			refreshCtx, cancel := context.WithCancel(context.Background())
			l := &Lock{
				client: client,
				key:    name,
				token:  token,
				ttl:    ttl,
				cancel: cancel,
				done:   make(chan struct{}),
			}
			go l.refreshLoop(refreshCtx)
			return l, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, fmt.Errorf("could not acquire cache writer lock %q within %s", name, ttl*time.Duration(retries))
}

// refreshLoop extends the lease before it can lapse. Losing the lease (the
// refresh script returns 0) stops the loop; the next writer takes over.
func (l *Lock) refreshLoop(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			if err != nil || n == 0 {
				return
			}
		}
	}
}

// Release stops the refresh loop and deletes the lease if still owned.
func (l *Lock) Release(ctx context.Context) error {
	l.cancel()
	<-l.done
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Result()
	return err
}

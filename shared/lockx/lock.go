package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, bool, error) {
	if client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

func Release(ctx context.Context, client *redis.Client, lock *Lock) error {
	if client == nil {
		return errors.New("redis client not initialized")
	}
	if lock == nil {
		return errors.New("lock is nil")
	}
	return client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Err()
}

// RunKey namespaces a per-tenant guard for one kind of background job.
func RunKey(job string, tenantID uuid.UUID) string {
	return "telemetry:lock:" + job + ":" + tenantID.String()
}

// WithLock runs fn only when key could be acquired. The bool result is
// false when another holder owns the key. Release uses a context that
// survives cancellation of ctx.
func WithLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	lock, ok, err := Acquire(ctx, client, key, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = Release(releaseCtx, client, lock)
	}()
	return true, fn(ctx)
}

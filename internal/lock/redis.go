package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Skotchmaster/identity/internal/domain"
	"github.com/Skotchmaster/identity/internal/logging"
)

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var unlockLua = redis.NewScript(unlockScript)

// Redis is a Locker shared by every replica. The key expires after TTL so a
// crashed holder cannot wedge a user forever.
type Redis struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Retry  time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{Client: client, Prefix: "identity:lock:user:", TTL: ttl, Retry: 20 * time.Millisecond}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	name := r.Prefix + key
	token := uuid.NewString()

	retry := r.Retry
	if retry <= 0 {
		retry = 20 * time.Millisecond
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		ok, err := r.Client.SetNX(ctx, name, token, r.TTL).Result()
		if err != nil {
			if ctxErr := domain.Deadline(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: acquire lock: %w", domain.ErrPersistence, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, domain.Deadline(ctx)
		case <-ticker.C:
		}
	}

	l := logging.FromContext(ctx)
	return func() {
		// the caller's context may already be gone
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockLua.Run(releaseCtx, r.Client, []string{name}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.Warn("lock_release_failed", "key", name, "error", err)
		}
	}, nil
}

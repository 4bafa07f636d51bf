package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Leaser backed by SET NX PX.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, domain.Transient(fmt.Errorf("claim %s: %w", key, err))
	}
	if ok {
		return true, nil
	}
	// Re-claiming a lease we already hold extends it.
	cur, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, domain.Transient(fmt.Errorf("claim %s: %w", key, err))
	}
	if cur != owner {
		return false, nil
	}
	if err := r.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return false, domain.Transient(fmt.Errorf("extend %s: %w", key, err))
	}
	return true, nil
}

func (r *Redis) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return domain.Transient(fmt.Errorf("release %s: %w", key, err))
	}
	return nil
}

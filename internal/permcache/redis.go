package permcache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "gatekeeper:gen:"

// advanceScript raises every key to the supplied value when it is higher.
var advanceScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
  local val = tonumber(ARGV[i])
  local cur = tonumber(redis.call('GET', key) or '0')
  if val > cur then
    redis.call('SET', key, val)
  end
end
return 1
`)

// RedisGenerations shares the generation mirror between processes.
type RedisGenerations struct {
	client *redis.Client
	prefix string
}

// NewRedisGenerations constructs a RedisGenerations. An empty prefix uses
// "gatekeeper:gen:".
func NewRedisGenerations(client *redis.Client, prefix string) *RedisGenerations {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisGenerations{client: client, prefix: prefix}
}

func (r *RedisGenerations) key(k GenKey) string {
	return r.prefix + k.String()
}

// Current implements GenerationStore.
func (r *RedisGenerations) Current(ctx context.Context, keys []GenKey) ([]int64, error) {
	out := make([]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = r.key(k)
	}
	vals, err := r.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("permcache: mget generations: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("permcache: parse generation %s: %w", names[i], err)
		}
		out[i] = n
	}
	return out, nil
}

// Advance implements GenerationStore.
func (r *RedisGenerations) Advance(ctx context.Context, gens []Generation) error {
	if len(gens) == 0 {
		return nil
	}
	keys := make([]string, len(gens))
	args := make([]any, len(gens))
	for i, g := range gens {
		keys[i] = r.key(g.Key)
		args[i] = g.Value
	}
	if err := advanceScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("permcache: advance generations: %w", err)
	}
	return nil
}

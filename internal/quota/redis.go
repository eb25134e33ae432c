package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces ledger keys.
const DefaultKeyPrefix = "drive:quota:"

// releaseScript subtracts ARGV[1] from KEYS[1], clamping at zero.
// Returns {new value, value before the release if it was clamped else -1}.
var releaseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local nxt = cur - delta
if nxt < 0 then
  redis.call('SET', KEYS[1], 0)
  return {0, cur}
end
redis.call('SET', KEYS[1], nxt)
return {nxt, -1}
`)

// casScript sets KEYS[1] to ARGV[2] if it currently holds ARGV[1]. A missing
// key counts as zero. Returns 1 when the value was replaced.
var casScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// RedisLedger keeps one integer key per owner. Reserve uses INCRBY and
// Release a Lua script, so both are atomic across server instances sharing
// the same Redis.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	limits Limits
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger wraps an existing client.
func NewRedisLedger(client redis.UniversalClient, prefix string, limits Limits) *RedisLedger {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLedger{client: client, prefix: prefix, limits: limits}
}

func (l *RedisLedger) key(owner string) string {
	return l.prefix + owner
}

func (l *RedisLedger) Reserve(ctx context.Context, owner string, delta int64) (Usage, error) {
	if err := checkArgs(owner, delta); err != nil {
		return Usage{}, err
	}
	used, err := l.client.IncrBy(ctx, l.key(owner), delta).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("reserve quota: %w", err)
	}
	return l.usage(owner, used), nil
}

func (l *RedisLedger) Release(ctx context.Context, owner string, delta int64) (Usage, error) {
	if err := checkArgs(owner, delta); err != nil {
		return Usage{}, err
	}
	res, err := releaseScript.Run(ctx, l.client, []string{l.key(owner)}, delta).Int64Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("release quota: %w", err)
	}
	if len(res) != 2 {
		return Usage{}, fmt.Errorf("release quota: unexpected script reply %v", res)
	}
	u := l.usage(owner, res[0])
	if res[1] >= 0 {
		return u, fmt.Errorf("%w: owner %s released %d bytes with %d recorded",
			ErrInconsistent, owner, delta, res[1])
	}
	return u, nil
}

func (l *RedisLedger) Usage(ctx context.Context, owner string) (Usage, error) {
	used, err := l.client.Get(ctx, l.key(owner)).Int64()
	if errors.Is(err, redis.Nil) {
		return l.usage(owner, 0), nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("read quota: %w", err)
	}
	return l.usage(owner, used), nil
}

func (l *RedisLedger) CompareAndSet(ctx context.Context, owner string, expected, used int64) (bool, error) {
	if err := checkArgs(owner, used); err != nil {
		return false, err
	}
	swapped, err := casScript.Run(ctx, l.client, []string{l.key(owner)}, expected, used).Int64()
	if err != nil {
		return false, fmt.Errorf("compare and set quota: %w", err)
	}
	return swapped == 1, nil
}

func (l *RedisLedger) Owners(ctx context.Context) ([]string, error) {
	var out []string
	iter := l.client.Scan(ctx, 0, l.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), l.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan quota keys: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (l *RedisLedger) usage(owner string, used int64) Usage {
	return Usage{OwnerID: owner, UsedBytes: used, LimitBytes: l.limits.For(owner)}
}

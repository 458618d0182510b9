package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaMarkOnce 通过 SETNX 保证同一个 key 只会被标记一次。
const luaMarkOnce = `
local key = KEYS[1]
local ttlSec = tonumber(ARGV[1])

if redis.call('SETNX', key, '1') == 1 then
  if ttlSec > 0 then
    redis.call('EXPIRE', key, ttlSec)
  end
  return 1
end
return 0
`

// DefaultMarkTTL 去重标记的保留时长。
const DefaultMarkTTL = 7 * 24 * time.Hour

// MarkOnce 幂等标记：
// - 首次标记返回 true
// - 重复标记返回 false
func MarkOnce(ctx context.Context, rdb *rd.Client, key string, ttl time.Duration) (bool, error) {
	ttlSec := int64(ttl / time.Second)
	n, err := rdb.Eval(ctx, luaMarkOnce, []string{key}, ttlSec).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Unmark 处理失败时撤销标记，让下一次投递可以重试。
func Unmark(ctx context.Context, rdb *rd.Client, key string) error {
	return rdb.Del(ctx, key).Err()
}

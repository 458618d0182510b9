package redis

import (
	"context"
	"time"

	"coffee_core/internal/apperr"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// luaReleaseLockIfMatch 仅当锁值仍是自己的 token 时才删除，避免误删别人续上的锁。
const luaReleaseLockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// MemberLocker 基于 SET NX PX 的会员级分布式锁。
type MemberLocker struct {
	rdb   *rd.Client
	ttl   time.Duration
	wait  time.Duration
	retry time.Duration
}

// NewMemberLocker ttl 为锁的自动过期时间，防止持有者崩溃后死锁。
func NewMemberLocker(rdb *rd.Client, ttl time.Duration) *MemberLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &MemberLocker{
		rdb:   rdb,
		ttl:   ttl,
		wait:  2 * time.Second,
		retry: 25 * time.Millisecond,
	}
}

// Lock 在 wait 内反复尝试加锁；超时返回 ConflictError。
// 返回的 unlock 只会释放自己持有的锁。
func (l *MemberLocker) Lock(ctx context.Context, memberID string) (func(), error) {
	key := MemberLockKey(memberID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, apperr.Upstream(err, "acquire member lock %s", memberID)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, apperr.Conflict("member %s is busy, try again", memberID)
		}
		select {
		case <-ctx.Done():
			return nil, apperr.Upstream(ctx.Err(), "acquire member lock %s", memberID)
		case <-time.After(l.retry):
		}
	}

	return func() {
		// 请求 ctx 可能已取消，释放锁用独立的短超时。
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.rdb.Eval(rctx, luaReleaseLockIfMatch, []string{key}, token).Err()
	}, nil
}

package middleware

import (
	"fmt"
	"net/http"
	"time"

	rediskey "coffee_core/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前时间戳，ARGV[2]=窗口开始时间戳，ARGV[3]=窗口毫秒数，ARGV[4]=本次请求成员，ARGV[5]=上限
// 返回：当前窗口内的请求数（超限返回 -1）
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowMs = tonumber(ARGV[3])
local member = ARGV[4]

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)

if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, windowMs)
  return count + 1
else
  return -1
end
`

// RedisRateLimit Redis 分布式限流，按会员 id 计数（须挂在 Identity 之后）。
// 拿不到会员身份时按 IP 限流；Redis 出错时放行。
func RedisRateLimit(rdb *rd.Client, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var key string
		if actor, ok := ActorFrom(c); ok && actor.MemberID != "" && !actor.IsAdmin() {
			key = rediskey.RateLimitMemberKey(actor.MemberID)
		} else {
			key = rediskey.RateLimitIPKey(c.ClientIP())
		}

		nowTime := time.Now()
		now := nowTime.UnixMilli()
		windowMs := window.Milliseconds()
		if windowMs < 1 {
			windowMs = 1
		}
		member := fmt.Sprintf("%d-%d", now, nowTime.UnixNano())

		res, err := rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			now, now-windowMs, windowMs, member, limit).Int()
		if err != nil {
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}

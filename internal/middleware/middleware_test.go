package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	rediskey "coffee_core/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/whoami", func(c *gin.Context) {
		actor, _ := ActorFrom(c)
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": actor.String()})
	})
	return r
}

func do(r http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdentity(t *testing.T) {
	r := newEngine(Identity(""))

	w := do(r, map[string]string{HeaderMemberID: "m-1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "member:m-1")

	w = do(r, map[string]string{HeaderRole: "ADMIN"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"admin"`)

	w = do(r, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, map[string]string{HeaderRole: "barista", HeaderMemberID: "m-1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentityGatewayToken(t *testing.T) {
	r := newEngine(Identity("s3cret"))

	w := do(r, map[string]string{HeaderMemberID: "m-1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, map[string]string{HeaderMemberID: "m-1", HeaderGatewayToken: "s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	r := newEngine(Identity(""), RequireAdmin())

	assert.Equal(t, http.StatusForbidden, do(r, map[string]string{HeaderMemberID: "m-1"}).Code)
	assert.Equal(t, http.StatusOK, do(r, map[string]string{HeaderRole: "admin"}).Code)
}

func TestRedisRateLimitPerMember(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := newEngine(Identity(""), RedisRateLimit(rdb, 2, time.Minute))
	m1 := map[string]string{HeaderMemberID: "m-1"}

	assert.Equal(t, http.StatusOK, do(r, m1).Code)
	assert.Equal(t, http.StatusOK, do(r, m1).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, m1).Code)

	// 其他会员不受影响。
	assert.Equal(t, http.StatusOK, do(r, map[string]string{HeaderMemberID: "m-2"}).Code)
}

func TestRedisRateLimitKeyLivesForFullWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := newEngine(Identity(""), RedisRateLimit(rdb, 5, 1500*time.Millisecond))
	require.Equal(t, http.StatusOK, do(r, map[string]string{HeaderMemberID: "m-1"}).Code)

	// 亚秒部分不能被截断。
	assert.Equal(t, 1500*time.Millisecond, mr.TTL(rediskey.RateLimitMemberKey("m-1")))
}

func TestRedisRateLimitFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	r := newEngine(Identity(""), RedisRateLimit(rdb, 1, time.Minute))
	m1 := map[string]string{HeaderMemberID: "m-1"}
	assert.Equal(t, http.StatusOK, do(r, m1).Code)
	assert.Equal(t, http.StatusOK, do(r, m1).Code)
}

func TestAccessLogPassesThrough(t *testing.T) {
	r := newEngine(AccessLog(zap.NewNop()), Identity(""))
	w := do(r, map[string]string{HeaderMemberID: "m-1"})
	require.Equal(t, http.StatusOK, w.Code)
}

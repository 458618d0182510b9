package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"coffee_core/internal/model"

	"github.com/gin-gonic/gin"
)

const (
	HeaderMemberID     = "X-Member-Id"
	HeaderRole         = "X-Role"
	HeaderGatewayToken = "X-Gateway-Token"

	actorKey = "coffee_core.actor"
)

// Identity 读取外部身份服务写入的身份头并放入上下文。
// gatewayToken 非空时要求请求带上相同的 X-Gateway-Token，防止绕过网关伪造身份头。
func Identity(gatewayToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gatewayToken != "" {
			got := c.GetHeader(HeaderGatewayToken)
			if subtle.ConstantTimeCompare([]byte(got), []byte(gatewayToken)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid gateway token"})
				return
			}
		}

		actor := model.Actor{
			Role:     model.Role(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderRole)))),
			MemberID: strings.TrimSpace(c.GetHeader(HeaderMemberID)),
		}
		if actor.Role == "" && actor.MemberID != "" {
			actor.Role = model.RoleMember
		}
		if err := actor.Validate(); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": err.Error()})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// RequireAdmin 仅允许后台角色访问。
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok || !actor.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": 403, "msg": "admin role required"})
			return
		}
		c.Next()
	}
}

// ActorFrom 取出 Identity 写入的调用方。
func ActorFrom(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	return actor, ok
}

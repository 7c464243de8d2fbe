package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rtsync/internal/service"
)

// BridgeAuth 校验本地桥的访问令牌，支持Authorization头和token查询参数
func BridgeAuth(auth *service.BridgeAuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth == nil || !auth.Enabled() {
			c.Next()
			return
		}

		token := c.Query("token")
		if header := c.GetHeader("Authorization"); header != "" {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}

		if err := auth.Validate(token); err != nil {
			logrus.WithFields(logrus.Fields{
				"error":     err.Error(),
				"path":      c.Request.URL.Path,
				"client_ip": c.ClientIP(),
			}).Warn("桥接口认证失败")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "认证失败",
				"message": err.Error(),
				"code":    http.StatusUnauthorized,
			})
			return
		}
		c.Next()
	}
}

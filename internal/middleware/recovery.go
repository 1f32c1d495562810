package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"shop/pkg/log"
	"shop/pkg/utils"
)

// Recovery turns a panic into a 500 response without exposing the stack.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithContext(c.Request.Context()).WithFields(map[string]interface{}{
			"error":  recovered,
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
			"ip":     c.ClientIP(),
			"stack":  string(debug.Stack()),
		}).Error("Panic recovered")

		utils.ErrorResponse(c, utils.CodeInternalError, "Internal server error")
		c.Abort()
	})
}

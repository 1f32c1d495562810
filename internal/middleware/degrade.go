package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"shop/pkg/degrade"
	"shop/pkg/log"
	"shop/pkg/utils"
)

// Degrade answers 503 while an operator has switched feature off. If the
// switch cannot be read the request goes through.
func Degrade(dm *degrade.DegradeManager, feature string) gin.HandlerFunc {
	return func(c *gin.Context) {
		strategy, err := dm.Check(c.Request.Context(), feature)
		if err != nil {
			log.WithContext(c.Request.Context()).WithError(err).WithField("feature", feature).Warn("Degrade switch unreadable")
			c.Next()
			return
		}
		if strategy == nil {
			c.Next()
			return
		}

		if strategy.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(strategy.RetryAfter))
		}
		message := strategy.Message
		if message == "" {
			message = "Service temporarily unavailable"
		}
		utils.ErrorResponse(c, utils.CodeServiceDegraded, message)
		c.Abort()
	}
}

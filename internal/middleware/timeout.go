package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"shop/pkg/utils"
)

// Timeout puts a deadline on the request context. Handlers observe it through
// c.Request.Context(); if the deadline passes before anything was written the
// client gets a 504.
func Timeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Writer.Written() {
			utils.ErrorResponse(c, utils.CodeRequestTimeout, "Request timeout")
			c.Abort()
		}
	}
}

package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"shop/internal/config"
)

var defaultCORSHeaders = []string{
	"Origin",
	"Content-Length",
	"Content-Type",
	"Authorization",
	"Accept",
	"X-Requested-With",
	IdempotencyKeyHeader,
}

// CORS builds the CORS middleware from security settings. An empty origin
// list allows every origin.
func CORS(cfg config.SecurityConfig) gin.HandlerFunc {
	c := cors.DefaultConfig()

	if len(cfg.CORS.AllowOrigins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cfg.CORS.AllowOrigins
	}
	if len(cfg.CORS.AllowMethods) > 0 {
		c.AllowMethods = cfg.CORS.AllowMethods
	} else {
		c.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	}
	if len(cfg.CORS.AllowHeaders) > 0 {
		c.AllowHeaders = cfg.CORS.AllowHeaders
	} else {
		c.AllowHeaders = defaultCORSHeaders
	}
	// gin-contrib/cors refuses credentials with a wildcard origin
	c.AllowCredentials = cfg.CORS.AllowCredentials && !c.AllowAllOrigins
	if cfg.CORS.MaxAge > 0 {
		c.MaxAge = time.Duration(cfg.CORS.MaxAge) * time.Second
	}

	return cors.New(c)
}

package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"shop/pkg/log"
	"shop/pkg/utils"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// HealthHandler serves liveness and dependency health.
type HealthHandler struct {
	service string
	checks  map[string]HealthCheck
	timeout time.Duration
}

// NewHealthHandler creates a health handler for the named service.
func NewHealthHandler(service string, timeout time.Duration) *HealthHandler {
	return &HealthHandler{
		service: service,
		checks:  make(map[string]HealthCheck),
		timeout: timeout,
	}
}

// Register adds a dependency check. It is not safe to call once serving.
func (h *HealthHandler) Register(name string, check HealthCheck) *HealthHandler {
	h.checks[name] = check
	return h
}

// Ping is the liveness probe.
func (h *HealthHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// Health runs every check and answers 503 when any fails.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	components := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			healthy = false
			components[name] = "down: " + err.Error()
			log.WithError(err).WithField("component", name).Warn("Health check failed")
			continue
		}
		components[name] = "up"
	}

	status, httpStatus, code := "ok", http.StatusOK, utils.CodeSuccess
	if !healthy {
		status, httpStatus, code = "degraded", http.StatusServiceUnavailable, utils.CodeInternalError
	}
	c.JSON(httpStatus, utils.Response{
		Success: healthy,
		Code:    code,
		Message: status,
		Data: gin.H{
			"service":    h.service,
			"status":     status,
			"components": components,
		},
		Timestamp: time.Now().Unix(),
	})
}

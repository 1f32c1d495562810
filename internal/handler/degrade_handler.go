package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"shop/pkg/degrade"
	"shop/pkg/log"
	"shop/pkg/utils"
)

// Features operators can switch off.
const (
	FeatureCheckout      = "checkout"
	FeatureNotifications = "notifications"
)

var knownFeatures = map[string]bool{
	FeatureCheckout:      true,
	FeatureNotifications: true,
}

// DegradeHandler lets admins pause checkout or notification intake.
type DegradeHandler struct {
	manager *degrade.DegradeManager
}

// NewDegradeHandler creates a degrade handler
func NewDegradeHandler(manager *degrade.DegradeManager) *DegradeHandler {
	return &DegradeHandler{manager: manager}
}

// EnableDegradeRequest switches a feature off, optionally for TTLSeconds.
type EnableDegradeRequest struct {
	Message    string `json:"message" binding:"required"`
	RetryAfter int    `json:"retry_after" binding:"gte=0"`
	TTLSeconds int    `json:"ttl_seconds" binding:"gte=0"`
}

func (h *DegradeHandler) List(c *gin.Context) {
	status, err := h.manager.GetDegradeStatus(c.Request.Context())
	if err != nil {
		utils.Error(c, utils.WrapError(err, utils.CodeInternalError, "failed to read degrade switches"))
		return
	}
	utils.SuccessResponse(c, status)
}

func (h *DegradeHandler) Enable(c *gin.Context) {
	feature := c.Param("feature")
	if !knownFeatures[feature] {
		utils.ErrorResponse(c, utils.CodeInvalidParam, "unknown feature: "+feature)
		return
	}

	var req EnableDegradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, utils.FormatValidationError(err))
		return
	}

	strategy := degrade.DegradeStrategy{Message: req.Message, RetryAfter: req.RetryAfter}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.manager.EnableDegrade(c.Request.Context(), feature, strategy, ttl); err != nil {
		utils.Error(c, utils.WrapError(err, utils.CodeInternalError, "failed to enable degrade"))
		return
	}

	log.WithContext(c.Request.Context()).WithFields(map[string]interface{}{
		"feature": feature,
		"ttl":     ttl.String(),
	}).Warn("Feature degraded by operator")
	utils.SuccessResponse(c, gin.H{"feature": feature, "degraded": true})
}

func (h *DegradeHandler) Disable(c *gin.Context) {
	feature := c.Param("feature")
	if err := h.manager.DisableDegrade(c.Request.Context(), feature); err != nil {
		utils.Error(c, utils.WrapError(err, utils.CodeInternalError, "failed to disable degrade"))
		return
	}

	log.WithContext(c.Request.Context()).WithField("feature", feature).Info("Feature restored by operator")
	utils.SuccessResponse(c, gin.H{"feature": feature, "degraded": false})
}

package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"shop/internal/middleware"
	"shop/internal/model"
	"shop/internal/service/reward"
	"shop/pkg/utils"
)

// RewardHandler serves reward balances from the reward store.
type RewardHandler struct {
	rewards reward.RewardService
}

// NewRewardHandler creates a reward handler
func NewRewardHandler(rewards reward.RewardService) *RewardHandler {
	return &RewardHandler{rewards: rewards}
}

// RewardSummary is a user's balance with their latest accruals.
type RewardSummary struct {
	UserID string                `json:"user_id"`
	Points int64                 `json:"points"`
	Recent []*model.RewardRecord `json:"recent"`
}

// Mine returns the caller's summary.
func (h *RewardHandler) Mine(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		utils.ErrorResponse(c, utils.CodeUnauthorized, "Unauthorized")
		return
	}
	h.summary(c, userID)
}

// ForUser returns any user's summary. Admin only.
func (h *RewardHandler) ForUser(c *gin.Context) {
	h.summary(c, c.Param("user_id"))
}

func (h *RewardHandler) summary(c *gin.Context, userID string) {
	ctx := c.Request.Context()
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	points, err := h.rewards.Balance(ctx, userID)
	if err != nil {
		utils.Error(c, utils.WrapError(err, utils.CodeInternalError, "failed to load reward balance"))
		return
	}
	recent, err := h.rewards.History(ctx, userID, limit)
	if err != nil {
		utils.Error(c, utils.WrapError(err, utils.CodeInternalError, "failed to load reward history"))
		return
	}
	if recent == nil {
		recent = []*model.RewardRecord{}
	}

	utils.SuccessResponse(c, RewardSummary{UserID: userID, Points: points, Recent: recent})
}

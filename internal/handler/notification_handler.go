package handler

import (
	"github.com/gin-gonic/gin"

	"shop/internal/model"
	"shop/pkg/log"
	"shop/pkg/queue"
	"shop/pkg/utils"
)

// NotificationHandler lets the cart and auth services request emails by
// publishing to the email queues.
type NotificationHandler struct {
	publisher         queue.Publisher
	emailCartQueue    string
	registerUserQueue string
}

// NewNotificationHandler creates a notification handler
func NewNotificationHandler(publisher queue.Publisher, emailCartQueue, registerUserQueue string) *NotificationHandler {
	return &NotificationHandler{
		publisher:         publisher,
		emailCartQueue:    emailCartQueue,
		registerUserQueue: registerUserQueue,
	}
}

// CartEmailRequest asks for the cart summary to be mailed to the cart's address.
type CartEmailRequest struct {
	RequestID string             `json:"request_id"`
	Cart      model.CartSnapshot `json:"cart" binding:"required"`
}

// UserRegisteredRequest announces a new account.
type UserRegisteredRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// EmailCart queues a cart summary email.
func (h *NotificationHandler) EmailCart(c *gin.Context) {
	var req CartEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, utils.FormatValidationError(err))
		return
	}
	if req.Cart.CartHeader.Email == "" {
		utils.ErrorResponse(c, utils.CodeInvalidParam, "cart email is required")
		return
	}

	msg := model.CartEmailMessage{RequestID: req.RequestID, Cart: req.Cart}
	h.publish(c, h.emailCartQueue, msg)
}

// UserRegistered queues the registration notice.
func (h *NotificationHandler) UserRegistered(c *gin.Context) {
	var req UserRegisteredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, utils.FormatValidationError(err))
		return
	}

	h.publish(c, h.registerUserQueue, model.UserRegisteredMessage{Email: req.Email})
}

func (h *NotificationHandler) publish(c *gin.Context, destination string, payload interface{}) {
	if err := h.publisher.Publish(c.Request.Context(), destination, payload); err != nil {
		log.WithContext(c.Request.Context()).WithError(err).WithField("destination", destination).Error("Failed to queue notification")
		utils.Error(c, utils.WrapError(err, utils.CodeMessagePublish, "failed to queue notification"))
		return
	}
	utils.SuccessResponse(c, gin.H{"queued": true, "destination": destination})
}

package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"shop/internal/middleware"
	"shop/internal/model"
	"shop/internal/service/order"
	"shop/pkg/log"
	"shop/pkg/utils"
)

// OrderHandler serves the order saga over HTTP.
type OrderHandler struct {
	orderService order.OrderService
}

// NewOrderHandler creates an order handler
func NewOrderHandler(orderService order.OrderService) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
	}
}

// PaymentSessionRequest carries the URLs the gateway redirects back to.
type PaymentSessionRequest struct {
	SuccessURL string `json:"success_url" binding:"required,url"`
	CancelURL  string `json:"cancel_url" binding:"required,url"`
}

// UpdateStatusRequest asks for a saga transition.
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// CreateOrder creates a Pending order from the cart snapshot in the body.
// Customers may only order for themselves.
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var cart model.CartSnapshot
	if err := c.ShouldBindJSON(&cart); err != nil {
		utils.Error(c, utils.FormatValidationError(err))
		return
	}

	callerID, _ := middleware.GetUserID(c)
	if cart.CartHeader.UserID == "" {
		cart.CartHeader.UserID = callerID
	}
	if cart.CartHeader.UserID != callerID && !middleware.IsAdmin(c) {
		utils.Error(c, utils.ErrForbidden)
		return
	}
	if cart.CartHeader.Email == "" {
		cart.CartHeader.Email = c.GetString(middleware.UserEmailKey)
	}

	o, err := h.orderService.CreateOrder(c.Request.Context(), &cart)
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.SuccessResponse(c, o)
}

// GetOrder returns one order. Other users' orders look missing to customers.
func (h *OrderHandler) GetOrder(c *gin.Context) {
	o, ok := h.loadOwnedOrder(c)
	if !ok {
		return
	}
	utils.SuccessResponse(c, o)
}

// ListOrders lists the caller's orders; admins see every order or filter by user_id.
func (h *OrderHandler) ListOrders(c *gin.Context) {
	callerID, _ := middleware.GetUserID(c)

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	filter := order.ListFilter{Page: page, PageSize: pageSize}
	userID := c.Query("user_id")
	switch {
	case middleware.IsAdmin(c):
		filter.UserID = userID
		filter.All = userID == ""
	case userID != "" && userID != callerID:
		utils.Error(c, utils.ErrForbidden)
		return
	default:
		filter.UserID = callerID
	}

	orders, total, err := h.orderService.ListOrders(c.Request.Context(), filter)
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.SuccessPageResponse(c, orders, total, page, pageSize)
}

// CreatePaymentSession opens a checkout session for a Pending order.
func (h *OrderHandler) CreatePaymentSession(c *gin.Context) {
	var req PaymentSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, utils.FormatValidationError(err))
		return
	}

	o, ok := h.loadOwnedOrder(c)
	if !ok {
		return
	}

	session, err := h.orderService.CreatePaymentSession(c.Request.Context(), o.ID, req.SuccessURL, req.CancelURL)
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.SuccessResponse(c, session)
}

// ValidatePayment asks the gateway whether the order was paid and approves it
// if so. An unpaid order is reported with approved=false, not as an error.
func (h *OrderHandler) ValidatePayment(c *gin.Context) {
	o, ok := h.loadOwnedOrder(c)
	if !ok {
		return
	}

	result, err := h.orderService.ValidatePayment(c.Request.Context(), o.ID)
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.SuccessResponse(c, result)
}

// UpdateStatus moves an order along the saga. Admin only.
func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	id, err := utils.ValidateID(c.Param("id"))
	if err != nil {
		utils.Error(c, err)
		return
	}

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, utils.FormatValidationError(err))
		return
	}
	status, ok := model.ParseOrderStatus(req.Status)
	if !ok {
		utils.ErrorResponse(c, utils.CodeInvalidParam, "unknown status: "+req.Status)
		return
	}

	o, err := h.orderService.UpdateStatus(c.Request.Context(), id, status)
	if err != nil {
		log.WithContext(c.Request.Context()).WithError(err).WithFields(map[string]interface{}{
			"order_id": id,
			"status":   status,
		}).Warn("Status update rejected")
		utils.Error(c, err)
		return
	}
	utils.SuccessResponse(c, o)
}

// loadOwnedOrder reads the :id order and writes the error response itself
// when the order is missing or belongs to someone else.
func (h *OrderHandler) loadOwnedOrder(c *gin.Context) (*model.OrderHeader, bool) {
	id, err := utils.ValidateID(c.Param("id"))
	if err != nil {
		utils.Error(c, err)
		return nil, false
	}

	o, err := h.orderService.GetOrder(c.Request.Context(), id)
	if err != nil {
		utils.Error(c, err)
		return nil, false
	}

	callerID, _ := middleware.GetUserID(c)
	if o.UserID != callerID && !middleware.IsAdmin(c) {
		utils.Error(c, utils.ErrOrderNotFound)
		return nil, false
	}
	return o, true
}

package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"shop/internal/coupon"
	"shop/internal/model"
	"shop/internal/monitor"
	"shop/internal/payment"
	"shop/internal/repository"
	"shop/pkg/log"
	"shop/pkg/queue"
	"shop/pkg/snowflake"
	"shop/pkg/utils"
)

var hundred = decimal.NewFromInt(100)

// PaymentSession is the checkout session created for an order.
type PaymentSession struct {
	OrderID     int64  `json:"order_id"`
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// ValidationResult reports the order after a payment check. Approved is set only
// while the order counts as paid; a Cancelled or Refunded order reports its
// stored Status with Approved false. PaymentStatus is the gateway status when
// the gateway was queried.
type ValidationResult struct {
	Order         *model.OrderHeader `json:"order"`
	Status        model.OrderStatus  `json:"status"`
	Approved      bool               `json:"approved"`
	PaymentStatus string             `json:"payment_status,omitempty"`
}

// ListFilter selects orders. All lists every user's orders; otherwise UserID is required.
type ListFilter struct {
	UserID   string
	All      bool
	Page     int
	PageSize int
}

// OrderService runs the order fulfillment saga.
type OrderService interface {
	// Create a Pending order from a cart snapshot
	CreateOrder(ctx context.Context, cart *model.CartSnapshot) (*model.OrderHeader, error)

	// Open a checkout session at the payment gateway for a Pending order
	CreatePaymentSession(ctx context.Context, orderID int64, successURL, cancelURL string) (*PaymentSession, error)

	// Approve the order if its payment succeeded and publish the order-completed event
	ValidatePayment(ctx context.Context, orderID int64) (*ValidationResult, error)

	// Move an order along the saga; cancelling refunds first
	UpdateStatus(ctx context.Context, orderID int64, status model.OrderStatus) (*model.OrderHeader, error)

	GetOrder(ctx context.Context, orderID int64) (*model.OrderHeader, error)

	ListOrders(ctx context.Context, filter ListFilter) ([]*model.OrderHeader, int64, error)
}

// Config names the topic approved orders are announced on.
type Config struct {
	OrderCreatedTopic string
	Metrics           *monitor.MetricsCollector
}

// orderService order service implementation
type orderService struct {
	orders    repository.OrderRepository
	outbox    repository.OutboxRepository
	gateway   payment.Gateway
	coupons   coupon.Provider
	publisher queue.Publisher
	ids       *snowflake.Node
	topic     string
	metrics   *monitor.MetricsCollector
	now       func() time.Time
}

// NewOrderService creates an order service. coupons may be nil, in which case
// the discount carried by the cart snapshot is trusted.
func NewOrderService(
	orders repository.OrderRepository,
	outbox repository.OutboxRepository,
	gateway payment.Gateway,
	coupons coupon.Provider,
	publisher queue.Publisher,
	ids *snowflake.Node,
	cfg Config,
) OrderService {
	return &orderService{
		orders:    orders,
		outbox:    outbox,
		gateway:   gateway,
		coupons:   coupons,
		publisher: publisher,
		ids:       ids,
		topic:     cfg.OrderCreatedTopic,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// CreateOrder creates an order
func (s *orderService) CreateOrder(ctx context.Context, cart *model.CartSnapshot) (*model.OrderHeader, error) {
	order, err := s.createOrder(ctx, cart)
	s.metrics.RecordOrderCreated(err)
	return order, err
}

func (s *orderService) createOrder(ctx context.Context, cart *model.CartSnapshot) (*model.OrderHeader, error) {
	if err := validateCart(cart); err != nil {
		return nil, err
	}

	header := cart.CartHeader
	subtotal := cart.Subtotal()

	discount, err := s.discount(ctx, header, subtotal)
	if err != nil {
		return nil, err
	}

	total := subtotal.Sub(discount).Round(2)
	if total.IsNegative() {
		return nil, utils.NewError(utils.CodeInvalidCart, "discount exceeds cart subtotal")
	}

	id, err := s.ids.Generate()
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeInternalError, "failed to generate order id")
	}

	now := s.now()
	order := &model.OrderHeader{
		ID:         id,
		UserID:     header.UserID,
		Email:      header.Email,
		Name:       header.Name,
		Phone:      header.Phone,
		CouponCode: header.CouponCode,
		Discount:   discount.Round(2),
		OrderTotal: total,
		Status:     model.OrderStatusPending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		Details:    make([]model.OrderDetail, 0, len(cart.CartDetails)),
	}
	for _, d := range cart.CartDetails {
		order.Details = append(order.Details, model.OrderDetail{
			ProductID:   d.ProductID,
			ProductName: d.ProductName,
			Price:       d.Price.Round(2),
			Count:       d.Count,
		})
	}

	if err := s.orders.Create(ctx, order); err != nil {
		log.WithContext(ctx).WithError(err).WithField("user_id", header.UserID).Error("Failed to create order")
		return nil, utils.WrapError(err, utils.CodeDatabaseError, "failed to create order")
	}

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": order.ID,
		"user_id":  order.UserID,
		"total":    order.OrderTotal.StringFixed(2),
		"coupon":   order.CouponCode,
	}).Info("Order created")
	return order, nil
}

func validateCart(cart *model.CartSnapshot) error {
	if cart == nil || len(cart.CartDetails) == 0 {
		return utils.NewError(utils.CodeInvalidCart, "cart has no items")
	}
	if cart.CartHeader.UserID == "" {
		return utils.NewError(utils.CodeInvalidCart, "cart has no user")
	}
	if cart.CartHeader.Discount.IsNegative() {
		return utils.NewError(utils.CodeInvalidCart, "discount must not be negative")
	}
	if !isCents(cart.CartHeader.Discount) {
		return utils.NewError(utils.CodeInvalidCart, "discount has more than 2 decimal places")
	}
	for _, d := range cart.CartDetails {
		if d.Count <= 0 {
			return utils.NewError(utils.CodeInvalidCart, fmt.Sprintf("product %d: count must be positive", d.ProductID))
		}
		if d.Price.IsNegative() {
			return utils.NewError(utils.CodeInvalidCart, fmt.Sprintf("product %d: price must not be negative", d.ProductID))
		}
		if !isCents(d.Price) {
			return utils.NewError(utils.CodeInvalidCart, fmt.Sprintf("product %d: price has more than 2 decimal places", d.ProductID))
		}
	}
	return nil
}

// isCents reports whether amount is a whole number of minor units, so the stored
// details, the order total and the gateway charge all agree.
func isCents(amount decimal.Decimal) bool {
	return amount.Equal(amount.Round(2))
}

// discount resolves the coupon against the subtotal. Without a provider the
// snapshot's discount stands.
func (s *orderService) discount(ctx context.Context, header model.CartHeader, subtotal decimal.Decimal) (decimal.Decimal, error) {
	if header.CouponCode == "" || s.coupons == nil {
		return header.Discount, nil
	}

	c, err := s.coupons.GetCoupon(ctx, header.CouponCode)
	if errors.Is(err, coupon.ErrNotFound) {
		return decimal.Zero, utils.WrapError(err, utils.CodeUnknownCoupon, fmt.Sprintf("unknown coupon %q", header.CouponCode))
	}
	if err != nil {
		return decimal.Zero, utils.WrapError(err, utils.CodeInternalError, "coupon lookup failed")
	}
	return c.Discount(subtotal), nil
}

// CreatePaymentSession creates a checkout session
func (s *orderService) CreatePaymentSession(ctx context.Context, orderID int64, successURL, cancelURL string) (*PaymentSession, error) {
	if successURL == "" || cancelURL == "" {
		return nil, utils.NewError(utils.CodeInvalidParam, "success_url and cancel_url are required")
	}

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsPending() {
		return nil, utils.NewError(utils.CodeInvalidTransition, fmt.Sprintf("order is %s, not Pending", order.Status))
	}

	req := payment.CheckoutRequest{
		OrderID:    order.ID,
		Email:      order.Email,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		LineItems:  make([]payment.LineItem, 0, len(order.Details)),
	}
	for _, d := range order.Details {
		name := d.ProductName
		if name == "" {
			name = fmt.Sprintf("product #%d", d.ProductID)
		}
		req.LineItems = append(req.LineItems, payment.LineItem{
			Name:       name,
			UnitAmount: minorUnits(d.Price),
			Quantity:   int64(d.Count),
		})
	}
	if order.Discount.IsPositive() {
		req.DiscountAmount = minorUnits(order.Discount)
		req.CouponCode = order.CouponCode
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, req)
	if err != nil {
		log.WithContext(ctx).WithError(err).WithField("order_id", orderID).Error("Failed to create checkout session")
		return nil, utils.WrapError(err, utils.CodePaymentGateway, "failed to create checkout session")
	}

	if err := s.orders.SetPaymentSession(ctx, order.ID, order.Version, session.SessionID); err != nil {
		return nil, err
	}

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":   order.ID,
		"session_id": session.SessionID,
	}).Info("Checkout session created")

	return &PaymentSession{
		OrderID:     order.ID,
		SessionID:   session.SessionID,
		RedirectURL: session.RedirectURL,
	}, nil
}

// minorUnits converts an amount to the smallest currency unit, truncating.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Truncate(0).IntPart()
}

// ValidatePayment validates the payment of an order
func (s *orderService) ValidatePayment(ctx context.Context, orderID int64) (*ValidationResult, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		s.metrics.RecordPaymentValidation("error")
		return nil, err
	}

	if !order.IsPending() {
		return s.settledResult(order), nil
	}
	if !order.HasPaymentSession() {
		s.metrics.RecordPaymentValidation("error")
		return nil, utils.ErrNoPaymentSession
	}

	status, err := s.gateway.GetPaymentIntentStatus(ctx, order.PaymentSessionID)
	if err != nil {
		s.metrics.RecordPaymentValidation("error")
		return nil, utils.WrapError(err, utils.CodePaymentGateway, "failed to query payment status")
	}

	if !status.Succeeded() {
		s.metrics.RecordPaymentValidation("pending")
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"order_id": order.ID,
			"status":   status.Status,
		}).Info("Payment not completed yet")
		return &ValidationResult{Order: order, Status: order.Status, PaymentStatus: status.Status}, nil
	}

	msg := model.RewardsMessage{
		OrderID:         order.ID,
		UserID:          order.UserID,
		RewardsActivity: order.RewardPoints(),
		Email:           order.Email,
		EventType:       model.EventOrderCompleted,
		DedupKey:        model.OrderEventKey(model.EventOrderCompleted, order.ID),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeInternalError, "failed to encode order event")
	}
	event := &model.OutboxMessage{
		Destination: s.topic,
		DedupKey:    msg.DedupKey,
		Payload:     string(payload),
		Status:      model.OutboxStatusPending,
		CreatedAt:   s.now(),
	}

	if err := s.orders.Approve(ctx, order.ID, order.Version, status.IntentID, event); err != nil {
		if errors.Is(err, utils.ErrConcurrentUpdate) {
			return s.afterLostApproval(ctx, order.ID, err)
		}
		s.metrics.RecordPaymentValidation("error")
		return nil, utils.WrapError(err, utils.CodeDatabaseError, "failed to approve order")
	}

	order.Status = model.OrderStatusApproved
	order.PaymentIntentID = status.IntentID
	order.Version++
	s.metrics.RecordPaymentValidation("approved")
	s.metrics.RecordStatusChange(string(model.OrderStatusPending), string(model.OrderStatusApproved))

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":  order.ID,
		"intent_id": status.IntentID,
		"points":    msg.RewardsActivity,
	}).Info("Order approved")

	s.publishEvent(ctx, event, msg)

	return &ValidationResult{Order: order, Status: order.Status, Approved: true, PaymentStatus: status.Status}, nil
}

// afterLostApproval resolves a version conflict during approval. A concurrent
// validator that approved the same order makes this call idempotent.
func (s *orderService) afterLostApproval(ctx context.Context, orderID int64, cause error) (*ValidationResult, error) {
	current, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, cause
	}
	if current.IsPending() {
		s.metrics.RecordPaymentValidation("error")
		return nil, cause
	}
	return s.settledResult(current), nil
}

// settledResult reports an order that already left Pending without asking the gateway.
func (s *orderService) settledResult(order *model.OrderHeader) *ValidationResult {
	if order.IsPaid() {
		s.metrics.RecordPaymentValidation("already_approved")
	} else {
		s.metrics.RecordPaymentValidation("closed")
	}
	return &ValidationResult{Order: order, Status: order.Status, Approved: order.IsPaid()}
}

// publishEvent sends the order-completed event and settles its outbox row.
// A failed publish stays pending for the relay.
func (s *orderService) publishEvent(ctx context.Context, event *model.OutboxMessage, msg model.RewardsMessage) {
	if err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
		log.WithContext(ctx).WithError(err).WithField("order_id", msg.OrderID).Warn("Order event left for outbox relay")
		if event.ID != 0 {
			if merr := s.outbox.MarkFailed(ctx, event.ID, err, false); merr != nil {
				log.WithContext(ctx).WithError(merr).Error("Failed to record outbox failure")
			}
		}
		return
	}

	if err := s.outbox.MarkSentByKey(ctx, event.DedupKey); err != nil {
		log.WithContext(ctx).WithError(err).WithField("dedup_key", event.DedupKey).Warn("Failed to mark outbox event sent")
	}
}

// UpdateStatus updates the status of an order
func (s *orderService) UpdateStatus(ctx context.Context, orderID int64, status model.OrderStatus) (*model.OrderHeader, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if status == model.OrderStatusApproved {
		return nil, utils.NewError(utils.CodeInvalidTransition, "orders are approved by payment validation only")
	}
	if !order.Status.CanTransitionTo(status) {
		return nil, utils.NewError(utils.CodeInvalidTransition,
			fmt.Sprintf("cannot move order from %s to %s", order.Status, status))
	}

	if status == model.OrderStatusCancelled {
		if err := s.refund(ctx, order); err != nil {
			return nil, err
		}
	}

	if err := s.orders.UpdateStatus(ctx, order.ID, order.Version, status); err != nil {
		log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"order_id": order.ID,
			"status":   status,
		}).Error("Failed to update order status")
		return nil, err
	}

	from := order.Status
	order.Status = status
	order.Version++
	s.metrics.RecordStatusChange(string(from), string(status))

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": order.ID,
		"from":     from,
		"to":       status,
	}).Info("Order status changed")
	return order, nil
}

// refund returns the full payment. The idempotency key makes a retried
// cancellation reuse the first refund.
func (s *orderService) refund(ctx context.Context, order *model.OrderHeader) error {
	if order.PaymentIntentID == "" {
		err := utils.NewError(utils.CodePaymentGateway, "order has no payment to refund")
		s.metrics.RecordRefund(err)
		return err
	}

	result, err := s.gateway.Refund(ctx, payment.RefundRequest{
		IntentID:       order.PaymentIntentID,
		Reason:         payment.ReasonRequestedByCustomer,
		IdempotencyKey: fmt.Sprintf("refund:%d", order.ID),
	})
	s.metrics.RecordRefund(err)
	if err != nil {
		log.WithContext(ctx).WithError(err).WithField("order_id", order.ID).Error("Refund failed")
		return utils.WrapError(err, utils.CodePaymentGateway, "refund failed")
	}

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":  order.ID,
		"refund_id": result.RefundID,
		"status":    result.Status,
	}).Info("Order refunded")
	return nil
}

// GetOrder gets an order by id
func (s *orderService) GetOrder(ctx context.Context, orderID int64) (*model.OrderHeader, error) {
	return s.orders.GetByID(ctx, orderID)
}

// ListOrders lists orders
func (s *orderService) ListOrders(ctx context.Context, filter ListFilter) ([]*model.OrderHeader, int64, error) {
	if !filter.All && filter.UserID == "" {
		return nil, 0, utils.NewError(utils.CodeInvalidParam, "user id is required")
	}

	f := repository.OrderFilter{Page: filter.Page, PageSize: filter.PageSize}
	if !filter.All {
		f.UserID = filter.UserID
	}
	return s.orders.List(ctx, f)
}

package payment

import (
	"context"
	"errors"
)

// PaymentIntentSucceeded is the gateway status of a captured payment.
const PaymentIntentSucceeded = "succeeded"

// ReasonRequestedByCustomer is the refund reason used for cancellations.
const ReasonRequestedByCustomer = "requested_by_customer"

// ErrGatewayUnavailable wraps transport failures and an open circuit.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// LineItem is one checkout line priced in the smallest currency unit.
type LineItem struct {
	Name       string
	UnitAmount int64
	Quantity   int64
}

// CheckoutRequest describes the session to create for an order.
type CheckoutRequest struct {
	OrderID        int64
	Email          string
	LineItems      []LineItem
	CouponCode     string
	DiscountAmount int64
	SuccessURL     string
	CancelURL      string
}

// CheckoutSession is a created gateway session.
type CheckoutSession struct {
	SessionID   string
	RedirectURL string
}

// PaymentIntentStatus is the state of the payment behind a session.
type PaymentIntentStatus struct {
	IntentID string
	Status   string
}

// Succeeded reports whether the funds were captured.
func (s *PaymentIntentStatus) Succeeded() bool {
	return s != nil && s.Status == PaymentIntentSucceeded
}

// RefundRequest asks for a full refund of an intent.
type RefundRequest struct {
	IntentID       string
	Reason         string
	IdempotencyKey string
}

// RefundResult is the created refund.
type RefundResult struct {
	RefundID string
	Status   string
}

// Gateway is the external payment provider. Implementations are safe for concurrent use.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	GetPaymentIntentStatus(ctx context.Context, sessionID string) (*PaymentIntentStatus, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

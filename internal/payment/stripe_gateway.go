package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"shop/internal/config"
	"shop/pkg/breaker"
	"shop/pkg/log"
)

type sessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type intentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeGateway implements Gateway on Stripe Checkout behind a circuit breaker.
type StripeGateway struct {
	sessions sessionAPI
	intents  intentAPI
	refunds  refundAPI
	currency string
	breaker  *breaker.CircuitBreaker
}

// NewStripeGateway creates a Stripe gateway from configuration.
func NewStripeGateway(cfg config.PaymentConfig) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("payment.secret_key is required for stripe")
	}

	backends := stripe.NewBackends(&http.Client{Timeout: cfg.Timeout})
	sc := client.New(cfg.SecretKey, backends)
	return newStripeGateway(sc.CheckoutSessions, sc.PaymentIntents, sc.Refunds, cfg), nil
}

func newStripeGateway(sessions sessionAPI, intents intentAPI, refunds refundAPI, cfg config.PaymentConfig) *StripeGateway {
	var readyToTrip func(breaker.Counts) bool
	if !cfg.Breaker.Enabled {
		readyToTrip = func(breaker.Counts) bool { return false }
	}
	return &StripeGateway{
		sessions: sessions,
		intents:  intents,
		refunds:  refunds,
		currency: cfg.Currency,
		breaker: breaker.NewCircuitBreaker("payment-gateway", breaker.Config{
			MaxRequests:         cfg.Breaker.MaxRequests,
			Interval:            cfg.Breaker.Interval,
			Timeout:             cfg.Breaker.Timeout,
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			ReadyToTrip:         readyToTrip,
			IsSuccessful:        isClientError,
			OnStateChange: func(name string, from, to breaker.State) {
				log.WithFields(map[string]interface{}{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Circuit breaker state changed")
			},
		}),
	}
}

// isClientError treats card and request errors as answers from a healthy gateway.
func isClientError(err error) bool {
	if err == nil {
		return true
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.Type == stripe.ErrorTypeCard || se.Type == stripe.ErrorTypeInvalidRequest
	}
	return false
}

func (g *StripeGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := g.breaker.Execute(ctx, fn)
	if err == nil {
		return nil
	}
	if breaker.IsCircuitBreakerError(err) || !isClientError(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrGatewayUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(strconv.FormatInt(req.OrderID, 10)),
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	for _, item := range req.LineItems {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.currency),
				UnitAmount: stripe.Int64(item.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
			Quantity: stripe.Int64(item.Quantity),
		})
	}
	if req.DiscountAmount > 0 && req.CouponCode != "" {
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{{Coupon: stripe.String(req.CouponCode)}}
	}
	params.AddMetadata("order_id", strconv.FormatInt(req.OrderID, 10))
	params.Context = ctx

	var session *stripe.CheckoutSession
	err := g.call(ctx, "create checkout session", func(context.Context) error {
		var err error
		session, err = g.sessions.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &CheckoutSession{SessionID: session.ID, RedirectURL: session.URL}, nil
}

func (g *StripeGateway) GetPaymentIntentStatus(ctx context.Context, sessionID string) (*PaymentIntentStatus, error) {
	sessionParams := &stripe.CheckoutSessionParams{}
	sessionParams.Context = ctx

	var session *stripe.CheckoutSession
	if err := g.call(ctx, "get checkout session", func(context.Context) error {
		var err error
		session, err = g.sessions.Get(sessionID, sessionParams)
		return err
	}); err != nil {
		return nil, err
	}

	// no intent until the payer submits the form
	if session.PaymentIntent == nil || session.PaymentIntent.ID == "" {
		return &PaymentIntentStatus{Status: string(session.Status)}, nil
	}

	intentParams := &stripe.PaymentIntentParams{}
	intentParams.Context = ctx

	var intent *stripe.PaymentIntent
	if err := g.call(ctx, "get payment intent", func(context.Context) error {
		var err error
		intent, err = g.intents.Get(session.PaymentIntent.ID, intentParams)
		return err
	}); err != nil {
		return nil, err
	}
	return &PaymentIntentStatus{IntentID: intent.ID, Status: string(intent.Status)}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.IntentID == "" {
		return nil, errors.New("refund: payment intent id is required")
	}
	reason := req.Reason
	if reason == "" {
		reason = string(stripe.RefundReasonRequestedByCustomer)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
		Reason:        stripe.String(reason),
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	var refund *stripe.Refund
	if err := g.call(ctx, "refund", func(context.Context) error {
		var err error
		refund, err = g.refunds.New(params)
		return err
	}); err != nil {
		return nil, err
	}
	return &RefundResult{RefundID: refund.ID, Status: string(refund.Status)}, nil
}

// BreakerState exposes the circuit state for health reporting.
func (g *StripeGateway) BreakerState() breaker.State {
	return g.breaker.State()
}

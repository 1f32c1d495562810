package order

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"shop/internal/config"
	"shop/internal/coupon"
	"shop/internal/model"
	"shop/internal/payment"
	"shop/internal/repository"
	"shop/pkg/lock"
	"shop/pkg/snowflake"
	"shop/pkg/utils"
)

const topic = "order-created"

// memOrders is an in-memory OrderRepository with version checks.
type memOrders struct {
	mu     sync.Mutex
	orders map[int64]*model.OrderHeader
	outbox *memOutbox
	// beforeWrite runs on the stored row before a version check
	beforeWrite func(o *model.OrderHeader)
}

func newMemOrders(outbox *memOutbox) *memOrders {
	return &memOrders{orders: make(map[int64]*model.OrderHeader), outbox: outbox}
}

func cloneOrder(o *model.OrderHeader) *model.OrderHeader {
	c := *o
	c.Details = append([]model.OrderDetail(nil), o.Details...)
	return &c
}

func (r *memOrders) Create(_ context.Context, order *model.OrderHeader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *memOrders) GetByID(_ context.Context, id int64) (*model.OrderHeader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, utils.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (r *memOrders) List(_ context.Context, f repository.OrderFilter) ([]*model.OrderHeader, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.OrderHeader
	for _, o := range r.orders {
		if f.UserID == "" || o.UserID == f.UserID {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, int64(len(out)), nil
}

func (r *memOrders) cas(id, version int64, apply func(o *model.OrderHeader)) error {
	o, ok := r.orders[id]
	if !ok {
		return utils.ErrOrderNotFound
	}
	if r.beforeWrite != nil {
		r.beforeWrite(o)
	}
	if o.Version != version {
		return utils.ErrConcurrentUpdate
	}
	apply(o)
	o.Version++
	return nil
}

func (r *memOrders) SetPaymentSession(_ context.Context, id, version int64, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cas(id, version, func(o *model.OrderHeader) { o.PaymentSessionID = sessionID })
}

func (r *memOrders) UpdateStatus(_ context.Context, id, version int64, status model.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cas(id, version, func(o *model.OrderHeader) { o.Status = status })
}

func (r *memOrders) Approve(ctx context.Context, id, version int64, intentID string, event *model.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.cas(id, version, func(o *model.OrderHeader) {
		o.Status = model.OrderStatusApproved
		o.PaymentIntentID = intentID
	}); err != nil {
		return err
	}
	r.outbox.insert(event)
	return nil
}

func (r *memOrders) ListPendingWithSession(_ context.Context, scan repository.PendingScan) ([]*model.OrderHeader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.OrderHeader
	for _, o := range r.orders {
		if !o.IsPending() || !o.HasPaymentSession() || !o.CreatedAt.Before(scan.Until) {
			continue
		}
		if !scan.Since.IsZero() && o.CreatedAt.Before(scan.Since) {
			continue
		}
		if a := scan.After; a != nil && !(o.CreatedAt.After(a.CreatedAt) || (o.CreatedAt.Equal(a.CreatedAt) && o.ID > a.ID)) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > scan.Limit {
		out = out[:scan.Limit]
	}
	return out, nil
}

func (r *memOrders) CountPendingWithoutSession(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, o := range r.orders {
		if o.IsPending() && !o.HasPaymentSession() && o.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// memOutbox is an in-memory OutboxRepository keyed like the unique dedup index.
type memOutbox struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*model.OutboxMessage
}

func newMemOutbox() *memOutbox {
	return &memOutbox{rows: make(map[int64]*model.OutboxMessage)}
}

func (o *memOutbox) insert(event *model.OutboxMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, row := range o.rows {
		if row.DedupKey == event.DedupKey {
			return
		}
	}
	o.nextID++
	event.ID = o.nextID
	c := *event
	o.rows[c.ID] = &c
}

func (o *memOutbox) ListPending(_ context.Context, cutoff time.Time, limit int) ([]*model.OutboxMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*model.OutboxMessage
	for _, row := range o.rows {
		if row.Status == model.OutboxStatusPending && row.CreatedAt.Before(cutoff) {
			c := *row
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attempts != out[j].Attempts {
			return out[i].Attempts < out[j].Attempts
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *memOutbox) MarkSent(_ context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if row, ok := o.rows[id]; ok {
		row.Status = model.OutboxStatusSent
	}
	return nil
}

func (o *memOutbox) MarkSentByKey(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, row := range o.rows {
		if row.DedupKey == key {
			row.Status = model.OutboxStatusSent
		}
	}
	return nil
}

func (o *memOutbox) MarkFailed(_ context.Context, id int64, cause error, park bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if row, ok := o.rows[id]; ok && row.Status == model.OutboxStatusPending {
		row.Attempts++
		row.LastError = cause.Error()
		if park {
			row.Status = model.OutboxStatusParked
		}
	}
	return nil
}

func (o *memOutbox) CountPending(context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int64
	for _, row := range o.rows {
		if row.Status == model.OutboxStatusPending {
			n++
		}
	}
	return n, nil
}

func (o *memOutbox) byKey(key string) *model.OutboxMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, row := range o.rows {
		if row.DedupKey == key {
			c := *row
			return &c
		}
	}
	return nil
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.CheckoutSession), args.Error(1)
}

func (m *MockGateway) GetPaymentIntentStatus(ctx context.Context, sessionID string) (*payment.PaymentIntentStatus, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.PaymentIntentStatus), args.Error(1)
}

func (m *MockGateway) Refund(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.RefundResult), args.Error(1)
}

type published struct {
	destination string
	payload     []byte
}

// recordingPublisher captures payloads; err makes every publish fail and
// rejects makes publishes of matching payloads fail.
type recordingPublisher struct {
	mu      sync.Mutex
	msgs    []published
	err     error
	rejects func(payload []byte) bool
}

func (p *recordingPublisher) Publish(_ context.Context, destination string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	var body []byte
	switch v := payload.(type) {
	case json.RawMessage:
		body = v
	default:
		body, _ = json.Marshal(v)
	}
	if p.rejects != nil && p.rejects(body) {
		return errors.New("broker rejected message")
	}
	p.msgs = append(p.msgs, published{destination: destination, payload: body})
	return nil
}

func (p *recordingPublisher) sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type fixture struct {
	svc       *orderService
	orders    *memOrders
	outbox    *memOutbox
	gateway   *MockGateway
	publisher *recordingPublisher
}

func newFixture(t *testing.T, coupons coupon.Provider) *fixture {
	t.Helper()
	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)

	outbox := newMemOutbox()
	orders := newMemOrders(outbox)
	gateway := new(MockGateway)
	publisher := &recordingPublisher{}

	svc := NewOrderService(orders, outbox, gateway, coupons, publisher, ids, Config{OrderCreatedTopic: topic}).(*orderService)
	return &fixture{svc: svc, orders: orders, outbox: outbox, gateway: gateway, publisher: publisher}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cart(userID, couponCode string, lines ...model.CartDetail) *model.CartSnapshot {
	return &model.CartSnapshot{
		CartHeader:  model.CartHeader{UserID: userID, CouponCode: couponCode, Email: "buyer@example.com"},
		CartDetails: lines,
	}
}

func line(productID int64, price string, count int) model.CartDetail {
	return model.CartDetail{ProductID: productID, ProductName: "item", Price: dec(price), Count: count}
}

func abc123() coupon.Provider {
	return coupon.NewStaticProvider([]config.StaticCoupon{{Code: "ABC123", DiscountAmount: 10, MinAmount: 20}})
}

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("TotalWithoutCoupon", func(t *testing.T) {
		f := newFixture(t, nil)
		order, err := f.svc.CreateOrder(ctx, cart("user-1", "", line(1, "12.50", 2)))
		require.NoError(t, err)

		assert.NotZero(t, order.ID)
		assert.Equal(t, model.OrderStatusPending, order.Status)
		assert.Equal(t, int64(1), order.Version)
		assert.Equal(t, "25.00", order.OrderTotal.StringFixed(2))
		assert.Equal(t, 25, order.RewardPoints())
		assert.Equal(t, "buyer@example.com", order.Email)

		stored, err := f.orders.GetByID(ctx, order.ID)
		require.NoError(t, err)
		require.Len(t, stored.Details, 1)
		assert.Equal(t, 2, stored.Details[0].Count)
	})

	t.Run("CouponAboveMinimum", func(t *testing.T) {
		f := newFixture(t, abc123())
		order, err := f.svc.CreateOrder(ctx, cart("user-1", "ABC123", line(1, "12.50", 2)))
		require.NoError(t, err)

		assert.Equal(t, "10.00", order.Discount.StringFixed(2))
		assert.Equal(t, "15.00", order.OrderTotal.StringFixed(2))
		assert.Equal(t, "ABC123", order.CouponCode)
	})

	t.Run("CouponAtMinimumIgnored", func(t *testing.T) {
		f := newFixture(t, abc123())
		order, err := f.svc.CreateOrder(ctx, cart("user-1", "ABC123", line(1, "10.00", 2)))
		require.NoError(t, err)

		assert.True(t, order.Discount.IsZero())
		assert.Equal(t, "20.00", order.OrderTotal.StringFixed(2))
	})

	t.Run("UnknownCoupon", func(t *testing.T) {
		f := newFixture(t, abc123())
		_, err := f.svc.CreateOrder(ctx, cart("user-1", "NOPE", line(1, "30", 1)))
		assert.ErrorIs(t, err, utils.ErrUnknownCoupon)
		assert.ErrorIs(t, err, coupon.ErrNotFound)
	})

	t.Run("SnapshotDiscountWithoutProvider", func(t *testing.T) {
		f := newFixture(t, nil)
		c := cart("user-1", "ABC123", line(1, "19.99", 3))
		c.CartHeader.Discount = dec("5")

		order, err := f.svc.CreateOrder(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, "54.97", order.OrderTotal.StringFixed(2))
		assert.Equal(t, 54, order.RewardPoints())
	})

	t.Run("TrailingZerosAreWholeCents", func(t *testing.T) {
		f := newFixture(t, nil)
		order := createOrder(t, f, cart("user-1", "", line(1, "0.1200", 2)))

		assert.Equal(t, "0.24", order.OrderTotal.StringFixed(2))
		assert.Equal(t, int64(12), minorUnits(order.Details[0].Price))
		assert.True(t, order.OrderTotal.Equal(order.Details[0].LineTotal()))
	})

	t.Run("InvalidCarts", func(t *testing.T) {
		negativeDiscount := cart("user-1", "", line(1, "5", 1))
		negativeDiscount.CartHeader.Discount = dec("-1")
		excessiveDiscount := cart("user-1", "", line(1, "5", 1))
		excessiveDiscount.CartHeader.Discount = dec("6")
		subCentDiscount := cart("user-1", "", line(1, "5", 1))
		subCentDiscount.CartHeader.Discount = dec("0.005")

		tests := []struct {
			name string
			cart *model.CartSnapshot
		}{
			{"nil", nil},
			{"no lines", cart("user-1", "")},
			{"no user", cart("", "", line(1, "5", 1))},
			{"zero count", cart("user-1", "", line(1, "5", 0))},
			{"negative price", cart("user-1", "", line(1, "-5", 1))},
			{"negative discount", negativeDiscount},
			{"sub-cent price", cart("user-1", "", line(1, "0.125", 2))},
			{"sub-cent discount", subCentDiscount},
			{"negative total", excessiveDiscount},
		}

		f := newFixture(t, nil)
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.CreateOrder(ctx, tt.cart)
				assert.ErrorIs(t, err, utils.ErrInvalidCart)
			})
		}
		assert.Empty(t, f.orders.orders)
	})
}

func createOrder(t *testing.T, f *fixture, c *model.CartSnapshot) *model.OrderHeader {
	t.Helper()
	order, err := f.svc.CreateOrder(context.Background(), c)
	require.NoError(t, err)
	return order
}

func TestCreatePaymentSession(t *testing.T) {
	ctx := context.Background()

	t.Run("MapsLineItemsAndDiscount", func(t *testing.T) {
		f := newFixture(t, abc123())
		order := createOrder(t, f, cart("user-1", "ABC123", line(7, "12.50", 2)))

		f.gateway.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req payment.CheckoutRequest) bool {
			return req.OrderID == order.ID &&
				len(req.LineItems) == 1 &&
				req.LineItems[0].UnitAmount == 1250 &&
				req.LineItems[0].Quantity == 2 &&
				req.DiscountAmount == 1000 &&
				req.CouponCode == "ABC123" &&
				req.SuccessURL == "https://shop/success" &&
				req.Email == "buyer@example.com"
		})).Return(&payment.CheckoutSession{SessionID: "cs_1", RedirectURL: "https://pay/cs_1"}, nil).Once()

		session, err := f.svc.CreatePaymentSession(ctx, order.ID, "https://shop/success", "https://shop/cancel")
		require.NoError(t, err)
		assert.Equal(t, "cs_1", session.SessionID)
		assert.Equal(t, "https://pay/cs_1", session.RedirectURL)

		stored, err := f.orders.GetByID(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, "cs_1", stored.PaymentSessionID)
		assert.Equal(t, int64(2), stored.Version)
		assert.Equal(t, model.OrderStatusPending, stored.Status)
		f.gateway.AssertExpectations(t)
	})

	t.Run("NoDiscountWithoutCoupon", func(t *testing.T) {
		f := newFixture(t, nil)
		order := createOrder(t, f, cart("user-1", "", line(1, "1.00", 1)))

		f.gateway.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req payment.CheckoutRequest) bool {
			return req.DiscountAmount == 0 && req.CouponCode == "" && req.LineItems[0].UnitAmount == 100
		})).Return(&payment.CheckoutSession{SessionID: "cs_2"}, nil).Once()

		_, err := f.svc.CreatePaymentSession(ctx, order.ID, "s", "c")
		require.NoError(t, err)
		f.gateway.AssertExpectations(t)
	})

	t.Run("RequiresURLs", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.svc.CreatePaymentSession(ctx, 1, "", "c")
		assert.ErrorIs(t, err, utils.ErrInvalidParam)
	})

	t.Run("UnknownOrder", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.svc.CreatePaymentSession(ctx, 42, "s", "c")
		assert.ErrorIs(t, err, utils.ErrOrderNotFound)
	})

	t.Run("OrderNotPending", func(t *testing.T) {
		f := newFixture(t, nil)
		order := createOrder(t, f, cart("user-1", "", line(1, "5", 1)))
		f.orders.orders[order.ID].Status = model.OrderStatusApproved

		_, err := f.svc.CreatePaymentSession(ctx, order.ID, "s", "c")
		assert.ErrorIs(t, err, utils.ErrInvalidTransition)
		f.gateway.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
	})

	t.Run("GatewayFailure", func(t *testing.T) {
		f := newFixture(t, nil)
		order := createOrder(t, f, cart("user-1", "", line(1, "5", 1)))
		f.gateway.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(nil, payment.ErrGatewayUnavailable).Once()

		_, err := f.svc.CreatePaymentSession(ctx, order.ID, "s", "c")
		assert.ErrorIs(t, err, utils.ErrPaymentGateway)
		assert.ErrorIs(t, err, payment.ErrGatewayUnavailable)

		stored, _ := f.orders.GetByID(ctx, order.ID)
		assert.Empty(t, stored.PaymentSessionID)
	})
}

// pendingWithSession creates an order of 25.00 and gives it session cs_test.
func pendingWithSession(t *testing.T, f *fixture) *model.OrderHeader {
	t.Helper()
	order := createOrder(t, f, cart("user-1", "", line(1, "12.50", 2)))
	f.orders.mu.Lock()
	f.orders.orders[order.ID].PaymentSessionID = "cs_test"
	f.orders.mu.Unlock()
	return order
}

func TestValidatePayment(t *testing.T) {
	ctx := context.Background()

	t.Run("SucceededApprovesAndPublishesOnce", func(t *testing.T) {
		f := newFixture(t, nil)
		order := pendingWithSession(t, f)
		f.gateway.On("GetPaymentIntentStatus", mock.Anything, "cs_test").
			Return(&payment.PaymentIntentStatus{IntentID: "pi_1", Status: payment.PaymentIntentSucceeded}, nil).Once()

		res, err := f.svc.ValidatePayment(ctx, order.ID)
		require.NoError(t, err)
		assert.True(t, res.Approved)
		assert.Equal(t, model.OrderStatusApproved, res.Order.Status)
		assert.Equal(t, "pi_1", res.Order.PaymentIntentID)

		stored, _ := f.orders.GetByID(ctx, order.ID)
		assert.Equal(t, model.OrderStatusApproved, stored.Status)
		assert.Equal(t, "pi_1", stored.PaymentIntentID)

		sent := f.publisher.sent()
		require.Len(t, sent, 1)
		assert.Equal(t, topic, sent[0].destination)

		var msg model.RewardsMessage
		require.NoError(t, json.Unmarshal(sent[0].payload, &msg))
		assert.Equal(t, order.ID, msg.OrderID)
		assert.Equal(t, "user-1", msg.UserID)
		assert.Equal(t, 25, msg.RewardsActivity)
		assert.Equal(t, model.OrderEventKey(model.EventOrderCompleted, order.ID), msg.DedupKey)

		row := f.outbox.byKey(msg.DedupKey)
		require.NotNil(t, row)
		assert.Equal(t, model.OutboxStatusSent, row.Status)

		again, err := f.svc.ValidatePayment(ctx, order.ID)
		require.NoError(t, err)
		assert.True(t, again.Approved)
		assert.Len(t, f.publisher.sent(), 1, "repeat validation publishes nothing")
		f.gateway.AssertNumberOfCalls(t, "GetPaymentIntentStatus", 1)
	})

	t.Run("NotSucceededStaysPending", func(t *testing.T) {
		f := newFixture(t, nil)
		order := pendingWithSession(t, f)
		f.gateway.On("GetPaymentIntentStatus", mock.Anything, "cs_test").
			Return(&payment.PaymentIntentStatus{IntentID: "pi_2", Status: "requires_payment_method"}, nil).Once()

		res, err := f.svc.ValidatePayment(ctx, order.ID)
		require.NoError(t, err)
		assert.False(t, res.Approved)
		assert.Equal(t, "requires_payment_method", res.PaymentStatus)
		assert.Equal(t, model.OrderStatusPending, res.Order.Status)

		assert.Empty(t, f.publisher.sent())
		assert.Nil(t, f.outbox.byKey(model.OrderEventKey(model.EventOrderCompleted, order.ID)))
	})

	t.Run("NoSession", func(t *testing.T) {
		f := newFixture(t, nil)
		order := createOrder(t, f, cart("user-1", "", line(1, "5", 1)))

		_, err := f.svc.ValidatePayment(ctx, order.ID)
		assert.ErrorIs(t, err, utils.ErrNoPaymentSession)
	})

	t.Run("GatewayFailure", func(t *testing.T) {
		f := newFixture(t, nil)
		order := pendingWithSession(t, f)
		f.gateway.On("GetPaymentIntentStatus", mock.Anything, "cs_test").Return(nil, payment.ErrGatewayUnavailable).Once()

		_, err := f.svc.ValidatePayment(ctx, order.ID)
		assert.ErrorIs(t, err, utils.ErrPaymentGateway)

		stored, _ := f.orders.GetByID(ctx, order.ID)
		assert.Equal(t, model.OrderStatusPending, stored.Status)
	})

	t.Run("PublishFailureLeavesOutboxPending", func(t *testing.T) {
		f := newFixture(t, nil)
		order := pendingWithSession(t, f)
		f.publisher.err = errors.New("broker down")
		f.gateway.On("GetPaymentIntentStatus", mock.Anything, "cs_test").
			Return(&payment.PaymentIntentStatus{IntentID: "pi_3", Status: payment.PaymentIntentSucceeded}, nil).Once()

		res, err := f.svc.ValidatePayment(ctx, order.ID)
		require.NoError(t, err)
		assert.True(t, res.Approved)

		key := model.OrderEventKey(model.EventOrderCompleted, order.ID)
		row := f.outbox.byKey(key)
		require.NotNil(t, row)
		assert.Equal(t, model.OutboxStatusPending, row.Status)
		assert.Equal(t, 1, row.Attempts)

		f.publisher.err = nil
		relay := NewOutboxRelay(f.outbox, f.publisher, lock.Noop{},
			config.OutboxConfig{Interval: time.Second, BatchSize: 10, MaxAttempts: 5}, nil)
		relay.now = func() time.Time { return time.Now().Add(time.Minute) }

		n, err := relay.RelayOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, model.OutboxStatusSent, f.outbox.byKey(key).Status)

		sent := f.publisher.sent()
		require.Len(t, sent, 1)
		var msg model.RewardsMessage
		require.NoError(t, json.Unmarshal(sent[0].payload, &msg))
		assert.Equal(t, key, msg.DedupKey)
	})

	t.Run("SettledOrdersReportStoredStatus", func(t *testing.T) {
		tests := []struct {
			status   model.OrderStatus
			approved bool
		}{
			{model.OrderStatusApproved, true},
			{model.OrderStatusReadyForPickup, true},
			{model.OrderStatusCompleted, true},
			{model.OrderStatusCancelled, false},
			{model.OrderStatusRefunded, false},
		}
		for _, tt := range tests {
			t.Run(string(tt.status), func(t *testing.T) {
				f := newFixture(t, nil)
				order := approvedOrder(t, f)
				f.orders.mu.Lock()
				f.orders.orders[order.ID].Status = tt.status
				f.orders.mu.Unlock()

				res, err := f.svc.ValidatePayment(ctx, order.ID)
				require.NoError(t, err)
				assert.Equal(t, tt.approved, res.Approved)
				assert.Equal(t, tt.status, res.Status)
				assert.Equal(t, tt.status, res.Order.Status)
				f.gateway.AssertNotCalled(t, "GetPaymentIntentStatus", mock.Anything, mock.Anything)
			})
		}
	})

	t.Run("CancelledDuringApproval", func(t *testing.T) {
		f := newFixture(t, nil)
		order := pendingWithSession(t, f)
		f.gateway.On("GetPaymentIntentStatus", mock.Anything, "cs_test").
			Return(&payment.PaymentIntentStatus{IntentID: "pi_5", Status: payment.PaymentIntentSucceeded}, nil).Once()
		f.orders.beforeWrite = func(o *model.OrderHeader) {
			o.Status = model.OrderStatusCancelled
			o.Version++
		}

		res, err := f.svc.ValidatePayment(ctx, order.ID)
		require.NoError(t, err)
		assert.False(t, res.Approved)
		assert.Equal(t, model.OrderStatusCancelled, res.Status)
		assert.Empty(t, f.publisher.sent())
	})

	t.Run("ConcurrentApprovalIsIdempotent", func(t *testing.T) {
		f := newFixture(t, nil)
		order := pendingWithSession(t, f)
		f.gateway.On("GetPaymentIntentStatus", mock.Anything, "cs_test").
			Return(&payment.PaymentIntentStatus{IntentID: "pi_4", Status: payment.PaymentIntentSucceeded}, nil).Once()
		f.orders.beforeWrite = func(o *model.OrderHeader) {
			o.Status = model.OrderStatusApproved
			o.Version++
		}

		res, err := f.svc.ValidatePayment(ctx, order.ID)
		require.NoError(t, err)
		assert.True(t, res.Approved)
		assert.Equal(t, model.OrderStatusApproved, res.Status)
		assert.Empty(t, f.publisher.sent(), "the winner publishes")
	})
}

func approvedOrder(t *testing.T, f *fixture) *model.OrderHeader {
	t.Helper()
	order := createOrder(t, f, cart("user-1", "", line(1, "12.50", 2)))
	f.orders.mu.Lock()
	stored := f.orders.orders[order.ID]
	stored.Status = model.OrderStatusApproved
	stored.PaymentIntentID = "pi_paid"
	stored.Version = 3
	f.orders.mu.Unlock()
	return order
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("CancelRefundsOnce", func(t *testing.T) {
		f := newFixture(t, nil)
		order := approvedOrder(t, f)
		f.gateway.On("Refund", mock.Anything, payment.RefundRequest{
			IntentID:       "pi_paid",
			Reason:         payment.ReasonRequestedByCustomer,
			IdempotencyKey: "refund:" + strconv.FormatInt(order.ID, 10),
		}).Return(&payment.RefundResult{RefundID: "re_1", Status: "succeeded"}, nil).Once()

		updated, err := f.svc.UpdateStatus(ctx, order.ID, model.OrderStatusCancelled)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusCancelled, updated.Status)
		assert.Equal(t, int64(4), updated.Version)

		stored, _ := f.orders.GetByID(ctx, order.ID)
		assert.Equal(t, model.OrderStatusCancelled, stored.Status)
		f.gateway.AssertNumberOfCalls(t, "Refund", 1)
	})

	t.Run("RefundFailureKeepsStatus", func(t *testing.T) {
		f := newFixture(t, nil)
		order := approvedOrder(t, f)
		f.gateway.On("Refund", mock.Anything, mock.Anything).Return(nil, errors.New("card_declined")).Once()

		_, err := f.svc.UpdateStatus(ctx, order.ID, model.OrderStatusCancelled)
		assert.ErrorIs(t, err, utils.ErrPaymentGateway)

		stored, _ := f.orders.GetByID(ctx, order.ID)
		assert.Equal(t, model.OrderStatusApproved, stored.Status)
	})

	t.Run("PassThroughReadyForPickup", func(t *testing.T) {
		f := newFixture(t, nil)
		order := approvedOrder(t, f)

		updated, err := f.svc.UpdateStatus(ctx, order.ID, model.OrderStatusReadyForPickup)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusReadyForPickup, updated.Status)

		updated, err = f.svc.UpdateStatus(ctx, order.ID, model.OrderStatusCompleted)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusCompleted, updated.Status)
		f.gateway.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
	})

	t.Run("InvalidTransitions", func(t *testing.T) {
		f := newFixture(t, nil)
		pending := createOrder(t, f, cart("user-1", "", line(1, "5", 1)))

		_, err := f.svc.UpdateStatus(ctx, pending.ID, model.OrderStatusCompleted)
		assert.ErrorIs(t, err, utils.ErrInvalidTransition)

		_, err = f.svc.UpdateStatus(ctx, pending.ID, model.OrderStatusApproved)
		assert.ErrorIs(t, err, utils.ErrInvalidTransition, "approval goes through payment validation")

		done := approvedOrder(t, f)
		_, err = f.svc.UpdateStatus(ctx, done.ID, model.OrderStatusCompleted)
		require.NoError(t, err)
		_, err = f.svc.UpdateStatus(ctx, done.ID, model.OrderStatusCancelled)
		assert.ErrorIs(t, err, utils.ErrInvalidTransition)
		f.gateway.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
	})

	t.Run("LostRace", func(t *testing.T) {
		f := newFixture(t, nil)
		order := approvedOrder(t, f)
		f.orders.beforeWrite = func(o *model.OrderHeader) { o.Version++ }

		_, err := f.svc.UpdateStatus(ctx, order.ID, model.OrderStatusCompleted)
		assert.ErrorIs(t, err, utils.ErrConcurrentUpdate)
	})
}

func TestListOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	createOrder(t, f, cart("user-1", "", line(1, "5", 1)))
	createOrder(t, f, cart("user-2", "", line(1, "5", 1)))

	_, _, err := f.svc.ListOrders(ctx, ListFilter{})
	assert.ErrorIs(t, err, utils.ErrInvalidParam)

	own, total, err := f.svc.ListOrders(ctx, ListFilter{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "user-1", own[0].UserID)

	_, total, err = f.svc.ListOrders(ctx, ListFilter{UserID: "user-1", All: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestReconciler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	paid := pendingWithSession(t, f)
	unpaid := createOrder(t, f, cart("user-2", "", line(1, "5", 1)))
	createOrder(t, f, cart("user-3", "", line(1, "5", 1)))
	f.orders.orders[unpaid.ID].PaymentSessionID = "cs_unpaid"

	f.gateway.On("GetPaymentIntentStatus", mock.Anything, "cs_test").
		Return(&payment.PaymentIntentStatus{IntentID: "pi_r", Status: payment.PaymentIntentSucceeded}, nil)
	f.gateway.On("GetPaymentIntentStatus", mock.Anything, "cs_unpaid").
		Return(&payment.PaymentIntentStatus{Status: "open"}, nil)

	r := NewReconciler(f.orders, f.svc, lock.Noop{},
		config.ReconcileConfig{Interval: time.Minute, MinAge: 5 * time.Minute, BatchSize: 10}, nil)

	approved, err := r.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, approved, "orders younger than min age are left alone")

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	approved, err = r.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, approved)

	stored, _ := f.orders.GetByID(ctx, paid.ID)
	assert.Equal(t, model.OrderStatusApproved, stored.Status)
	stored, _ = f.orders.GetByID(ctx, unpaid.ID)
	assert.Equal(t, model.OrderStatusPending, stored.Status)
	assert.Len(t, f.publisher.sent(), 1)
}

// backdate moves an order into the reconciler's window with the given session.
func backdate(f *fixture, id int64, createdAt time.Time, sessionID string) {
	f.orders.mu.Lock()
	defer f.orders.mu.Unlock()
	f.orders.orders[id].CreatedAt = createdAt
	f.orders.orders[id].PaymentSessionID = sessionID
}

func TestReconcilerWalksBacklog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	base := time.Now().Add(-2 * time.Hour)

	for i := 0; i < 12; i++ {
		o := createOrder(t, f, cart("user-2", "", line(1, "5", 1)))
		backdate(f, o.ID, base.Add(time.Duration(i)*time.Second), "cs_open_"+strconv.Itoa(i))
	}
	paid := createOrder(t, f, cart("user-1", "", line(1, "5", 1)))
	backdate(f, paid.ID, base.Add(time.Minute), "cs_paid")

	f.gateway.On("GetPaymentIntentStatus", mock.Anything, "cs_paid").
		Return(&payment.PaymentIntentStatus{IntentID: "pi_late", Status: payment.PaymentIntentSucceeded}, nil)
	f.gateway.On("GetPaymentIntentStatus", mock.Anything, mock.AnythingOfType("string")).
		Return(&payment.PaymentIntentStatus{Status: "open"}, nil)

	r := NewReconciler(f.orders, f.svc, lock.Noop{},
		config.ReconcileConfig{Interval: time.Minute, MinAge: 5 * time.Minute, MaxAge: 48 * time.Hour, BatchSize: 5}, nil)

	total := 0
	for round := 0; round < 3; round++ {
		approved, err := r.ReconcileOnce(ctx)
		require.NoError(t, err)
		total += approved
	}
	assert.Equal(t, 1, total, "a paid order behind a full batch of unpaid ones is reached")
	assert.Nil(t, r.cursor, "a short page starts the next scan from the oldest order")

	stored, _ := f.orders.GetByID(ctx, paid.ID)
	assert.Equal(t, model.OrderStatusApproved, stored.Status)
	f.gateway.AssertNumberOfCalls(t, "GetPaymentIntentStatus", 13)
}

func TestReconcilerSkipsOrdersPastMaxAge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	abandoned := createOrder(t, f, cart("user-1", "", line(1, "5", 1)))
	backdate(f, abandoned.ID, time.Now().Add(-72*time.Hour), "cs_expired")

	r := NewReconciler(f.orders, f.svc, lock.Noop{},
		config.ReconcileConfig{Interval: time.Minute, MinAge: 5 * time.Minute, MaxAge: 48 * time.Hour, BatchSize: 5}, nil)

	approved, err := r.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, approved)
	f.gateway.AssertNotCalled(t, "GetPaymentIntentStatus", mock.Anything, mock.Anything)

	stored, _ := f.orders.GetByID(ctx, abandoned.ID)
	assert.Equal(t, model.OrderStatusPending, stored.Status)
}

func TestOutboxRelayParksPoisonedEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	base := time.Now().Add(-time.Hour)

	f.outbox.insert(&model.OutboxMessage{Destination: topic, DedupKey: "poison", Payload: `{"poison":true}`,
		Status: model.OutboxStatusPending, CreatedAt: base})
	for i, key := range []string{"good-1", "good-2"} {
		f.outbox.insert(&model.OutboxMessage{Destination: topic, DedupKey: key, Payload: `{"ok":true}`,
			Status: model.OutboxStatusPending, CreatedAt: base.Add(time.Duration(i+1) * time.Second)})
	}
	f.publisher.rejects = func(body []byte) bool { return bytes.Contains(body, []byte("poison")) }

	relay := NewOutboxRelay(f.outbox, f.publisher, lock.Noop{},
		config.OutboxConfig{Interval: time.Second, BatchSize: 1, MaxAttempts: 3}, nil)

	for round := 0; round < 3; round++ {
		_, err := relay.RelayOnce(ctx)
		require.NoError(t, err)
	}
	assert.Len(t, f.publisher.sent(), 2, "newer events are delivered while the oldest keeps failing")
	assert.Equal(t, model.OutboxStatusSent, f.outbox.byKey("good-1").Status)
	assert.Equal(t, model.OutboxStatusSent, f.outbox.byKey("good-2").Status)

	for round := 0; round < 2; round++ {
		_, err := relay.RelayOnce(ctx)
		require.NoError(t, err)
	}
	poison := f.outbox.byKey("poison")
	assert.Equal(t, model.OutboxStatusParked, poison.Status)
	assert.Equal(t, 3, poison.Attempts)
	assert.Equal(t, "broker rejected message", poison.LastError)

	n, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, f.outbox.byKey("poison").Attempts, "parked events are not retried")

	pending, err := f.outbox.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

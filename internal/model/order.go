package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// OrderStatus is the saga state of an order.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "Pending"
	OrderStatusApproved       OrderStatus = "Approved"
	OrderStatusReadyForPickup OrderStatus = "ReadyForPickup"
	OrderStatusCompleted      OrderStatus = "Completed"
	OrderStatusCancelled      OrderStatus = "Cancelled"
	OrderStatusRefunded       OrderStatus = "Refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusApproved},
	OrderStatusApproved:       {OrderStatusReadyForPickup, OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusReadyForPickup: {OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded},
}

// ParseOrderStatus accepts the canonical names case-insensitively.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	for _, st := range []OrderStatus{
		OrderStatusPending, OrderStatusApproved, OrderStatusReadyForPickup,
		OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded,
	} {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

// CanTransitionTo reports whether the saga allows moving from s to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition exists.
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// OrderHeader is an order created from a cart snapshot. The total is fixed at
// creation; Version guards every status write.
type OrderHeader struct {
	ID               int64           `gorm:"primaryKey;autoIncrement:false;comment:snowflake order id" json:"id"`
	UserID           string          `gorm:"type:varchar(64);not null;index;comment:owning user" json:"user_id"`
	Email            string          `gorm:"type:varchar(255);comment:contact email" json:"email,omitempty"`
	Name             string          `gorm:"type:varchar(100)" json:"name,omitempty"`
	Phone            string          `gorm:"type:varchar(32)" json:"phone,omitempty"`
	CouponCode       string          `gorm:"type:varchar(50)" json:"coupon_code,omitempty"`
	Discount         decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"discount"`
	OrderTotal       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"order_total"`
	Status           OrderStatus     `gorm:"type:varchar(20);not null;index:idx_status_created,priority:1" json:"status"`
	PaymentSessionID string          `gorm:"type:varchar(255)" json:"payment_session_id,omitempty"`
	PaymentIntentID  string          `gorm:"type:varchar(255)" json:"payment_intent_id,omitempty"`
	Version          int64           `gorm:"not null;default:1;comment:optimistic lock" json:"version"`
	CreatedAt        time.Time       `gorm:"not null;index:idx_status_created,priority:2" json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`

	Details []OrderDetail `gorm:"foreignKey:OrderHeaderID;constraint:OnDelete:CASCADE" json:"details,omitempty"`
}

// TableName set name
func (OrderHeader) TableName() string {
	return "order_headers"
}

// OrderDetail is one line of an order, priced at order time.
type OrderDetail struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderHeaderID int64           `gorm:"not null;index" json:"order_header_id"`
	ProductID     int64           `gorm:"not null" json:"product_id"`
	ProductName   string          `gorm:"type:varchar(200)" json:"product_name,omitempty"`
	Price         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	Count         int             `gorm:"not null" json:"count"`
}

// TableName set name
func (OrderDetail) TableName() string {
	return "order_details"
}

// LineTotal returns price times count.
func (d OrderDetail) LineTotal() decimal.Decimal {
	return d.Price.Mul(decimal.NewFromInt(int64(d.Count)))
}

// IsPending check order is pending
func (o *OrderHeader) IsPending() bool {
	return o.Status == OrderStatusPending
}

// IsPaid reports whether the order was approved and has not been cancelled or refunded since.
func (o *OrderHeader) IsPaid() bool {
	switch o.Status {
	case OrderStatusApproved, OrderStatusReadyForPickup, OrderStatusCompleted:
		return true
	}
	return false
}

// HasPaymentSession reports whether a checkout session was created.
func (o *OrderHeader) HasPaymentSession() bool {
	return o.PaymentSessionID != ""
}

// RewardPoints is the whole-number part of the order total.
func (o *OrderHeader) RewardPoints() int {
	return int(o.OrderTotal.Truncate(0).IntPart())
}

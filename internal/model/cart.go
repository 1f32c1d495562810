package model

import "github.com/shopspring/decimal"

// CartSnapshot is the frozen cart an order is created from.
type CartSnapshot struct {
	CartHeader  CartHeader   `json:"cart_header" binding:"required"`
	CartDetails []CartDetail `json:"cart_details" binding:"required,min=1,dive"`
}

// CartHeader carries the buyer and coupon part of a cart.
type CartHeader struct {
	UserID     string          `json:"user_id"`
	CouponCode string          `json:"coupon_code"`
	Discount   decimal.Decimal `json:"discount" binding:"money"`
	CartTotal  decimal.Decimal `json:"cart_total"`
	Email      string          `json:"email" binding:"omitempty,email"`
	Name       string          `json:"name"`
	Phone      string          `json:"phone"`
}

// CartDetail is one product line of a cart.
type CartDetail struct {
	ProductID   int64           `json:"product_id" binding:"required,gt=0"`
	ProductName string          `json:"product_name"`
	Price       decimal.Decimal `json:"price" binding:"money"`
	Count       int             `json:"count" binding:"required,gt=0"`
}

// Subtotal sums price times count over every line.
func (c CartSnapshot) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, d := range c.CartDetails {
		total = total.Add(d.Price.Mul(decimal.NewFromInt(int64(d.Count))))
	}
	return total
}

package coupon

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"shop/internal/config"
)

// ErrNotFound is returned for a code the coupon service does not know.
var ErrNotFound = errors.New("coupon not found")

// Coupon is a fixed-amount discount with a minimum cart subtotal.
type Coupon struct {
	Code           string          `json:"coupon_code"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	MinAmount      decimal.Decimal `json:"min_amount"`
}

// Discount returns the amount taken off subtotal. The coupon applies only when
// subtotal is strictly greater than the minimum amount.
func (c *Coupon) Discount(subtotal decimal.Decimal) decimal.Decimal {
	if c == nil || !subtotal.GreaterThan(c.MinAmount) {
		return decimal.Zero
	}
	return c.DiscountAmount
}

// Provider looks up coupons by code.
type Provider interface {
	GetCoupon(ctx context.Context, code string) (*Coupon, error)
}

// NewProvider returns an HTTP provider when a base url is configured and a
// static provider otherwise.
func NewProvider(cfg config.CouponConfig) (Provider, error) {
	if cfg.BaseURL != "" {
		return NewHTTPProvider(cfg)
	}
	return NewStaticProvider(cfg.Static), nil
}

// StaticProvider serves coupons listed in configuration.
type StaticProvider struct {
	coupons map[string]Coupon
}

// NewStaticProvider creates a static provider; codes match case-insensitively.
func NewStaticProvider(coupons []config.StaticCoupon) *StaticProvider {
	p := &StaticProvider{coupons: make(map[string]Coupon, len(coupons))}
	for _, c := range coupons {
		p.coupons[normalize(c.Code)] = Coupon{
			Code:           c.Code,
			DiscountAmount: decimal.NewFromFloat(c.DiscountAmount),
			MinAmount:      decimal.NewFromFloat(c.MinAmount),
		}
	}
	return p
}

func (p *StaticProvider) GetCoupon(_ context.Context, code string) (*Coupon, error) {
	c, ok := p.coupons[normalize(code)]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

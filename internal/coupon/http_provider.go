package coupon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/shopspring/decimal"

	"shop/internal/config"
	"shop/pkg/log"
)

// notFoundMarker is cached for unknown codes so repeated typos do not hit the service.
var notFoundMarker = []byte("-")

// HTTPProvider queries the coupon service and caches answers locally.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	cache   *bigcache.BigCache
}

// couponResponse is the envelope returned by the coupon service.
type couponResponse struct {
	Result  *couponDTO `json:"result"`
	Success bool       `json:"success"`
	Message string     `json:"message"`
}

type couponDTO struct {
	CouponCode     string          `json:"couponCode"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	MinAmount      decimal.Decimal `json:"minAmount"`
}

// NewHTTPProvider creates an HTTP provider with a cache living for cfg.CacheTTL.
func NewHTTPProvider(cfg config.CouponConfig) (*HTTPProvider, error) {
	cacheCfg := bigcache.DefaultConfig(cfg.CacheTTL)
	cacheCfg.CleanWindow = cfg.CacheTTL
	cacheCfg.Shards = 16
	cacheCfg.MaxEntriesInWindow = 1024
	cacheCfg.Verbose = false

	cache, err := bigcache.New(context.Background(), cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create coupon cache: %w", err)
	}

	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		cache:   cache,
	}, nil
}

func (p *HTTPProvider) GetCoupon(ctx context.Context, code string) (*Coupon, error) {
	key := normalize(code)
	if key == "" {
		return nil, ErrNotFound
	}

	if cached, err := p.cache.Get(key); err == nil {
		return decodeCached(cached)
	}

	c, err := p.fetch(ctx, code)
	switch {
	case errors.Is(err, ErrNotFound):
		_ = p.cache.Set(key, notFoundMarker)
		return nil, err
	case err != nil:
		return nil, err
	}

	if body, err := json.Marshal(c); err == nil {
		if err := p.cache.Set(key, body); err != nil {
			log.WithError(err).Warn("Failed to cache coupon")
		}
	}
	return c, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, code string) (*Coupon, error) {
	endpoint := p.baseURL + "/api/coupon/GetByCode/" + url.PathEscape(code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coupon service: %w", err)
	}
	defer resp.Body.Close()

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"code":     code,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("Coupon lookup")

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coupon service: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out couponResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("coupon service: decode response: %w", err)
	}
	if !out.Success || out.Result == nil || out.Result.CouponCode == "" {
		return nil, ErrNotFound
	}

	return &Coupon{
		Code:           out.Result.CouponCode,
		DiscountAmount: out.Result.DiscountAmount,
		MinAmount:      out.Result.MinAmount,
	}, nil
}

func decodeCached(b []byte) (*Coupon, error) {
	if string(b) == string(notFoundMarker) {
		return nil, ErrNotFound
	}
	var c Coupon
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Close releases the cache.
func (p *HTTPProvider) Close() error {
	return p.cache.Close()
}

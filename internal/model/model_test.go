package model

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to OrderStatus }{
		{OrderStatusPending, OrderStatusApproved},
		{OrderStatusApproved, OrderStatusReadyForPickup},
		{OrderStatusApproved, OrderStatusCompleted},
		{OrderStatusApproved, OrderStatusCancelled},
		{OrderStatusApproved, OrderStatusRefunded},
		{OrderStatusReadyForPickup, OrderStatusCompleted},
		{OrderStatusReadyForPickup, OrderStatusCancelled},
	}
	for _, tt := range allowed {
		assert.True(t, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	rejected := []struct{ from, to OrderStatus }{
		{OrderStatusPending, OrderStatusCompleted},
		{OrderStatusPending, OrderStatusCancelled},
		{OrderStatusApproved, OrderStatusPending},
		{OrderStatusCompleted, OrderStatusCancelled},
		{OrderStatusCancelled, OrderStatusApproved},
		{OrderStatusRefunded, OrderStatusCompleted},
		{OrderStatusReadyForPickup, OrderStatusApproved},
	}
	for _, tt := range rejected {
		assert.False(t, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	assert.True(t, OrderStatusCompleted.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.False(t, OrderStatusReadyForPickup.IsTerminal())
}

func TestParseOrderStatus(t *testing.T) {
	st, ok := ParseOrderStatus("readyforpickup")
	assert.True(t, ok)
	assert.Equal(t, OrderStatusReadyForPickup, st)

	_, ok = ParseOrderStatus("Shipped")
	assert.False(t, ok)
}

func TestRewardPoints(t *testing.T) {
	cases := map[string]int{"25.00": 25, "24.99": 24, "0.50": 0, "100.01": 100}
	for total, want := range cases {
		o := OrderHeader{OrderTotal: decimal.RequireFromString(total)}
		assert.Equal(t, want, o.RewardPoints(), total)
	}
}

func TestCartSubtotal(t *testing.T) {
	cart := CartSnapshot{CartDetails: []CartDetail{
		{ProductID: 1, Price: decimal.RequireFromString("10.00"), Count: 2},
		{ProductID: 2, Price: decimal.RequireFromString("5.00"), Count: 1},
	}}
	assert.True(t, decimal.NewFromInt(25).Equal(cart.Subtotal()))
}

func TestUserRegisteredMessageDecoding(t *testing.T) {
	var fromString UserRegisteredMessage
	require.NoError(t, json.Unmarshal([]byte(`"new@shop.test"`), &fromString))
	assert.Equal(t, "new@shop.test", fromString.Email)

	var fromObject UserRegisteredMessage
	require.NoError(t, json.Unmarshal([]byte(`{"email":"other@shop.test"}`), &fromObject))
	assert.Equal(t, "other@shop.test", fromObject.Email)

	var bad UserRegisteredMessage
	assert.Error(t, json.Unmarshal([]byte(`[1]`), &bad))
}

func TestMessageKeys(t *testing.T) {
	assert.Equal(t, "order.completed:42", RewardsMessage{OrderID: 42}.Key())
	assert.Equal(t, "custom", RewardsMessage{OrderID: 42, DedupKey: "custom"}.Key())
	assert.Equal(t, "", CartEmailMessage{}.Key())
	assert.Equal(t, "cart.email:r-1", CartEmailMessage{RequestID: "r-1"}.Key())
	assert.Equal(t, "user.registered:a@b.c", UserRegisteredMessage{Email: "A@B.c"}.Key())
}

func TestDecimalJSONWithoutQuotes(t *testing.T) {
	body, err := json.Marshal(OrderHeader{OrderTotal: decimal.RequireFromString("15.5")})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"order_total":15.5`)
}

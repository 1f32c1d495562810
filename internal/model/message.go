package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event types used in deduplication keys.
const (
	EventOrderCompleted = "order.completed"
	EventCartEmail      = "cart.email"
	EventUserRegistered = "user.registered"
)

// RewardsMessage is published once an order is approved. Reward and email
// consumers subscribe to it.
type RewardsMessage struct {
	OrderID         int64  `json:"order_id"`
	UserID          string `json:"user_id"`
	RewardsActivity int    `json:"rewards_activity"`
	Email           string `json:"email,omitempty"`
	EventType       string `json:"event_type,omitempty"`
	DedupKey        string `json:"dedup_key,omitempty"`
}

// Key returns the deduplication key, deriving it from the order id when absent.
func (m RewardsMessage) Key() string {
	if m.DedupKey != "" {
		return m.DedupKey
	}
	return OrderEventKey(EventOrderCompleted, m.OrderID)
}

// OrderEventKey builds the dedup key for an order-scoped event.
func OrderEventKey(eventType string, orderID int64) string {
	return eventType + ":" + strconv.FormatInt(orderID, 10)
}

// CartEmailMessage asks for an itemised cart summary to be mailed to the cart owner.
type CartEmailMessage struct {
	RequestID string       `json:"request_id,omitempty"`
	Cart      CartSnapshot `json:"cart"`
}

// Key returns the deduplication key, or empty when the sender gave no request id.
func (m CartEmailMessage) Key() string {
	if m.RequestID == "" {
		return ""
	}
	return EventCartEmail + ":" + m.RequestID
}

// UserRegisteredMessage announces a new account.
type UserRegisteredMessage struct {
	Email string `json:"email"`
}

// UnmarshalJSON accepts either {"email": "..."} or a bare JSON string.
func (m *UserRegisteredMessage) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		return json.Unmarshal(data, &m.Email)
	}
	type plain UserRegisteredMessage
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("user registered message: %w", err)
	}
	*m = UserRegisteredMessage(p)
	return nil
}

// Key identifies the registration; an address registers once.
func (m UserRegisteredMessage) Key() string {
	return EventUserRegistered + ":" + strings.ToLower(m.Email)
}

package events

import "time"

// Event enumerates high-level topics inside the relay.
type Event string

const (
	EventWebhookReceived Event = "webhook.received"
	EventOrderPlaced     Event = "order.placed"
	EventOrderFailed     Event = "order.failed"
	EventPositionUpdated Event = "position.updated"
)

// WebhookReceived is published as soon as an alert is logged, before
// validation.
type WebhookReceived struct {
	LogID      string    `json:"log_id"`
	UserID     string    `json:"user_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// OrderPlaced is published when a broker accepts an order.
type OrderPlaced struct {
	OrderID       string  `json:"order_id"`
	UserID        string  `json:"user_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	Status        string  `json:"status"`
	BrokerOrderID string  `json:"broker_order_id"`
	ExecutedPrice float64 `json:"executed_price"`
}

// OrderFailed is published when placement fails at the broker.
type OrderFailed struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Symbol  string `json:"symbol"`
	Reason  string `json:"reason"`
}

// PositionUpdated is published after a fill is reconciled. Qty of zero
// means the position was closed.
type PositionUpdated struct {
	UserID   string  `json:"user_id"`
	Symbol   string  `json:"symbol"`
	Product  string  `json:"product"`
	Qty      float64 `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
}

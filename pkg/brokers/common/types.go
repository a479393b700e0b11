package common

import "fmt"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket      OrderType = "MARKET"
	OrderTypeLimit       OrderType = "LIMIT"
	OrderTypeStopLoss    OrderType = "SL"
	OrderTypeStopLossMkt OrderType = "SL-M"
)

// OrderStatus normalizes broker status into a small set.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusExecuted  OrderStatus = "EXECUTED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// OrderRequest captures an order intent to be sent to a broker.
type OrderRequest struct {
	Symbol   string
	Exchange string // NSE/BSE; brokers default to NSE when empty
	Side     Side
	Type     OrderType
	Qty      float64
	Price    float64 // required for LIMIT
	Product  string  // CNC/MIS; defaults to CNC
	ClientID string  // optional client order tag
}

// OrderResult returns the broker ack plus the fill state known so far.
type OrderResult struct {
	BrokerOrderID string
	Status        OrderStatus
	ExecutedPrice float64
}

// Session is the outcome of an OAuth-style token exchange.
type Session struct {
	AccessToken string
	PublicToken string
	UserID      string
	UserName    string
}

// Profile describes the broker-side account.
type Profile struct {
	UserID   string
	UserName string
	Email    string
	Broker   string
}

// Position is a broker-reported net position.
type Position struct {
	Symbol    string
	Exchange  string
	Product   string
	Qty       float64
	AvgPrice  float64
	LastPrice float64
	PnL       float64
}

// Holding is a broker-reported demat holding.
type Holding struct {
	Symbol    string
	Exchange  string
	Qty       float64
	AvgPrice  float64
	LastPrice float64
	PnL       float64
}

// Quote is a market snapshot for one instrument.
type Quote struct {
	Symbol    string
	LastPrice float64
	Open      float64
	High      float64
	Low       float64
	Close     float64
}

// Error is a broker-reported failure carrying the human-readable message
// that ends up in the order row and webhook log.
type Error struct {
	Broker  string
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Broker, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Broker, e.Message)
}

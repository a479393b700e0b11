package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload marks alerts that fail validation. The wrapped
// message names the offending field.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// maxPayloadBytes caps alert bodies; TradingView alerts are tiny.
const maxPayloadBytes = 8 * 1024

// Alert is the TradingView alert body the relay accepts.
type Alert struct {
	Symbol    string  `json:"symbol"`
	Action    string  `json:"action"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
	OrderType string  `json:"order_type,omitempty"`
	Exchange  string  `json:"exchange,omitempty"`
	Product   string  `json:"product,omitempty"`
}

// ParseAlert decodes and validates a raw alert body. Validation happens
// after the payload is logged, so a bad alert still leaves a trace.
func ParseAlert(raw []byte) (Alert, error) {
	var a Alert
	if len(raw) == 0 {
		return a, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if len(raw) > maxPayloadBytes {
		return a, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidPayload, maxPayloadBytes)
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	a.Action = strings.ToUpper(strings.TrimSpace(a.Action))
	a.OrderType = strings.ToUpper(strings.TrimSpace(a.OrderType))
	a.Exchange = strings.ToUpper(strings.TrimSpace(a.Exchange))
	a.Product = strings.ToUpper(strings.TrimSpace(a.Product))

	if a.Symbol == "" {
		return a, fmt.Errorf("%w: symbol is required", ErrInvalidPayload)
	}
	if a.Action != "BUY" && a.Action != "SELL" {
		return a, fmt.Errorf("%w: action must be BUY or SELL", ErrInvalidPayload)
	}
	if a.Quantity <= 0 {
		return a, fmt.Errorf("%w: quantity must be positive", ErrInvalidPayload)
	}
	switch a.OrderType {
	case "":
		a.OrderType = "MARKET"
	case "MARKET", "LIMIT":
	default:
		return a, fmt.Errorf("%w: order_type must be MARKET or LIMIT", ErrInvalidPayload)
	}
	if a.OrderType == "LIMIT" && a.Price <= 0 {
		return a, fmt.Errorf("%w: price is required for LIMIT orders", ErrInvalidPayload)
	}
	if a.Product == "" {
		a.Product = "CNC"
	}
	return a, nil
}

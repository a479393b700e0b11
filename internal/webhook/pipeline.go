// Package webhook turns TradingView alerts into broker orders and keeps
// the position book consistent with the fills.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"trade-relay/internal/events"
	"trade-relay/internal/gateway"
	"trade-relay/internal/monitor"
	"trade-relay/pkg/brokers/common"
	"trade-relay/pkg/db"
)

// Pipeline processes one alert end to end: audit log, validation,
// connection resolution, order placement, position reconciliation.
type Pipeline struct {
	queries *db.UserQueries
	pool    *gateway.Pool
	bus     *events.Bus
	metrics *monitor.SystemMetrics

	// locks serializes order placement per (user, symbol) so two alerts
	// for the same instrument cannot interleave their position updates.
	locks keyedLocks
}

// Result reports what one alert produced.
type Result struct {
	LogID         string       `json:"log_id"`
	OrderID       string       `json:"order_id,omitempty"`
	BrokerOrderID string       `json:"broker_order_id,omitempty"`
	Status        string       `json:"status,omitempty"`
	ExecutedPrice float64      `json:"executed_price,omitempty"`
	Position      *db.Position `json:"position,omitempty"`
}

// NewPipeline wires a pipeline. Bus and metrics are optional.
func NewPipeline(queries *db.UserQueries, pool *gateway.Pool, bus *events.Bus, metrics *monitor.SystemMetrics) *Pipeline {
	return &Pipeline{
		queries: queries,
		pool:    pool,
		bus:     bus,
		metrics: metrics,
	}
}

// Process handles one raw alert for a user.
//
// The webhook log is written before any validation, so even garbage
// payloads are auditable. Errors are classified for the HTTP layer:
// ErrInvalidPayload and the connection sentinels from db are client
// errors, *common.Error is a broker failure, anything else is internal.
func (p *Pipeline) Process(ctx context.Context, userID string, rawBody []byte) (*Result, error) {
	if p.metrics != nil {
		defer monitor.NewTimer(p.metrics.WebhookLatency).Stop()
		p.metrics.IncrementWebhooks()
	}

	logID := uuid.NewString()
	if err := p.queries.CreateWebhookLog(ctx, db.WebhookLog{
		ID:      logID,
		UserID:  userID,
		Payload: string(rawBody),
		Status:  db.LogStatusReceived,
	}); err != nil {
		return nil, fmt.Errorf("log webhook: %w", err)
	}
	p.publish(events.EventWebhookReceived, events.WebhookReceived{LogID: logID, UserID: userID, ReceivedAt: time.Now()})

	res := &Result{LogID: logID}

	alert, err := ParseAlert(rawBody)
	if err != nil {
		p.finishLog(ctx, logID, db.LogStatusError, err)
		return res, err
	}

	conn, err := p.queries.GetActiveConnection(ctx, userID)
	if err != nil {
		p.finishLog(ctx, logID, db.LogStatusError, err)
		return res, err
	}

	orderID := uuid.NewString()
	order := db.Order{
		ID:           orderID,
		UserID:       userID,
		ConnectionID: conn.ID,
		WebhookLogID: logID,
		Symbol:       alert.Symbol,
		Side:         alert.Action,
		Qty:          alert.Quantity,
		OrderType:    alert.OrderType,
		Price:        alert.Price,
		Status:       db.OrderStatusPending,
	}
	if err := p.queries.CreateOrder(ctx, order); err != nil {
		p.finishLog(ctx, logID, db.LogStatusError, err)
		return res, fmt.Errorf("create order: %w", err)
	}
	res.OrderID = orderID

	broker, err := p.pool.GetOrCreate(ctx, userID, conn.ID)
	if err != nil {
		p.failOrder(ctx, orderID, logID, userID, alert.Symbol, err)
		return res, fmt.Errorf("broker client: %w", err)
	}

	// Alerts for the same (user, symbol) run one at a time past this
	// point, so fills reconcile in placement order.
	unlock := p.locks.lock(userID + "|" + alert.Symbol)
	defer unlock()

	var brokerTimer *monitor.Timer
	if p.metrics != nil {
		brokerTimer = monitor.NewTimer(p.metrics.BrokerLatency)
	}
	fill, err := broker.PlaceOrder(ctx, common.OrderRequest{
		Symbol:   alert.Symbol,
		Exchange: alert.Exchange,
		Side:     common.Side(alert.Action),
		Type:     common.OrderType(alert.OrderType),
		Qty:      alert.Quantity,
		Price:    alert.Price,
		Product:  alert.Product,
		ClientID: orderID,
	})
	if brokerTimer != nil {
		brokerTimer.Stop()
	}
	if err != nil {
		p.failOrder(ctx, orderID, logID, userID, alert.Symbol, err)
		return res, err
	}

	status := mapBrokerStatus(fill.Status)
	if err := p.queries.UpdateOrderResult(ctx, orderID, fill.BrokerOrderID, status, fill.ExecutedPrice, ""); err != nil {
		// The broker accepted the order; losing the local update is an
		// internal error, not a broker one.
		p.finishLog(ctx, logID, db.LogStatusError, err)
		return res, fmt.Errorf("record order result: %w", err)
	}
	res.BrokerOrderID = fill.BrokerOrderID
	res.Status = status
	res.ExecutedPrice = fill.ExecutedPrice

	p.publish(events.EventOrderPlaced, events.OrderPlaced{
		OrderID:       orderID,
		UserID:        userID,
		Symbol:        alert.Symbol,
		Side:          alert.Action,
		Qty:           alert.Quantity,
		Status:        status,
		BrokerOrderID: fill.BrokerOrderID,
		ExecutedPrice: fill.ExecutedPrice,
	})
	if p.metrics != nil {
		p.metrics.IncrementOrdersPlaced()
	}

	if status == db.OrderStatusExecuted {
		pos, err := p.queries.ApplyFill(ctx, userID, alert.Symbol, alert.Product, alert.Action, alert.Quantity, fill.ExecutedPrice)
		if err != nil {
			p.finishLog(ctx, logID, db.LogStatusError, err)
			return res, fmt.Errorf("reconcile position: %w", err)
		}
		res.Position = pos

		update := events.PositionUpdated{UserID: userID, Symbol: alert.Symbol, Product: alert.Product}
		if pos != nil {
			update.Qty = pos.Qty
			update.AvgPrice = pos.AvgPrice
		}
		p.publish(events.EventPositionUpdated, update)
	}

	p.finishLog(ctx, logID, db.LogStatusSuccess, nil)
	return res, nil
}

// failOrder records a broker-side failure on the order and the log.
func (p *Pipeline) failOrder(ctx context.Context, orderID, logID, userID, symbol string, cause error) {
	if err := p.queries.UpdateOrderResult(ctx, orderID, "", db.OrderStatusFailed, 0, cause.Error()); err != nil && !errors.Is(err, db.ErrOrderNotPending) {
		log.Printf("pipeline: mark order %s failed: %v", orderID, err)
	}
	p.finishLog(ctx, logID, db.LogStatusError, cause)
	p.publish(events.EventOrderFailed, events.OrderFailed{
		OrderID: orderID,
		UserID:  userID,
		Symbol:  symbol,
		Reason:  cause.Error(),
	})
	if p.metrics != nil {
		p.metrics.IncrementOrdersFailed()
	}
}

func (p *Pipeline) finishLog(ctx context.Context, logID, status string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := p.queries.SetWebhookLogStatus(ctx, logID, status, msg); err != nil {
		log.Printf("pipeline: finalize log %s: %v", logID, err)
	}
	if p.metrics != nil && status == db.LogStatusError {
		p.metrics.IncrementErrors()
	}
}

func (p *Pipeline) publish(e events.Event, payload any) {
	if p.bus != nil {
		p.bus.Publish(e, payload)
	}
}

func mapBrokerStatus(s common.OrderStatus) string {
	switch s {
	case common.StatusExecuted:
		return db.OrderStatusExecuted
	case common.StatusRejected:
		return db.OrderStatusRejected
	case common.StatusCancelled:
		return db.OrderStatusCancelled
	default:
		return db.OrderStatusPending
	}
}

// keyedLocks hands out one mutex per key. Entries are not reaped; the
// key space is bounded by (user, symbol) pairs actually traded.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

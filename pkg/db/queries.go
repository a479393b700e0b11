// Package db persists users, broker connections, orders, positions,
// holdings, and webhook logs. UserQueries scopes every read and write to
// an owning user for tenant isolation.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
	// ErrNoActiveConnection means the user has no active broker connection;
	// the pipeline never guesses a broker.
	ErrNoActiveConnection = errors.New("no active broker connection")
	// ErrAmbiguousConnection means more than one connection is active and
	// the webhook route cannot disambiguate.
	ErrAmbiguousConnection = errors.New("multiple active broker connections")
	// ErrOrderNotPending means a result update hit an order that already
	// reached a terminal status; terminal orders never change again.
	ErrOrderNotPending = errors.New("order is not pending")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Broker connections
// ----------------------------------------

// CreateConnection inserts a connection with encrypted credentials.
func (q *UserQueries) CreateConnection(ctx context.Context, c BrokerConnection) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO broker_connections (
			id, user_id, broker, api_key_encrypted, api_secret_encrypted,
			key_version, access_token_encrypted, public_token, is_active,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, c.ID, c.UserID, c.Broker, c.APIKeyEncrypted, c.APISecretEncrypted,
		c.KeyVersion, c.AccessTokenEncrypted, c.PublicToken, c.IsActive)
	return err
}

// GetConnectionsByUser returns all connections for a user, newest first.
func (q *UserQueries) GetConnectionsByUser(ctx context.Context, userID string) ([]BrokerConnection, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, broker, api_key_encrypted, api_secret_encrypted,
		       COALESCE(key_version, 1), COALESCE(access_token_encrypted, ''),
		       COALESCE(public_token, ''), is_active, created_at, updated_at
		FROM broker_connections
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var conns []BrokerConnection
	for rows.Next() {
		var c BrokerConnection
		if err := rows.Scan(&c.ID, &c.UserID, &c.Broker, &c.APIKeyEncrypted, &c.APISecretEncrypted,
			&c.KeyVersion, &c.AccessTokenEncrypted, &c.PublicToken, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// GetConnectionByID returns a connection by ID, verifying user ownership.
func (q *UserQueries) GetConnectionByID(ctx context.Context, userID, connectionID string) (*BrokerConnection, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var c BrokerConnection
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, broker, api_key_encrypted, api_secret_encrypted,
		       COALESCE(key_version, 1), COALESCE(access_token_encrypted, ''),
		       COALESCE(public_token, ''), is_active, created_at, updated_at
		FROM broker_connections
		WHERE id = ? AND user_id = ?
	`, connectionID, userID).Scan(&c.ID, &c.UserID, &c.Broker, &c.APIKeyEncrypted, &c.APISecretEncrypted,
		&c.KeyVersion, &c.AccessTokenEncrypted, &c.PublicToken, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query connection: %w", err)
	}
	return &c, nil
}

// GetActiveConnection resolves the user's single active connection.
// Zero active rows is ErrNoActiveConnection; more than one (different
// brokers) is ErrAmbiguousConnection.
func (q *UserQueries) GetActiveConnection(ctx context.Context, userID string) (*BrokerConnection, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, broker, api_key_encrypted, api_secret_encrypted,
		       COALESCE(key_version, 1), COALESCE(access_token_encrypted, ''),
		       COALESCE(public_token, ''), is_active, created_at, updated_at
		FROM broker_connections
		WHERE user_id = ? AND is_active = 1
		LIMIT 2
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query active connection: %w", err)
	}
	defer rows.Close()

	var conns []BrokerConnection
	for rows.Next() {
		var c BrokerConnection
		if err := rows.Scan(&c.ID, &c.UserID, &c.Broker, &c.APIKeyEncrypted, &c.APISecretEncrypted,
			&c.KeyVersion, &c.AccessTokenEncrypted, &c.PublicToken, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(conns) {
	case 0:
		return nil, ErrNoActiveConnection
	case 1:
		return &conns[0], nil
	default:
		return nil, ErrAmbiguousConnection
	}
}

// SetConnectionTokens stores the access/public tokens after a session exchange.
func (q *UserQueries) SetConnectionTokens(ctx context.Context, userID, connectionID, accessTokenEncrypted, publicToken string) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE broker_connections
		SET access_token_encrypted = ?, public_token = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, accessTokenEncrypted, publicToken, connectionID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateConnection marks a connection as inactive for a user.
func (q *UserQueries) DeactivateConnection(ctx context.Context, userID, connectionID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE broker_connections
		SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, connectionID, userID)
	return err
}

// ----------------------------------------
// Orders
// ----------------------------------------

// OrderFilter narrows order list queries.
type OrderFilter struct {
	Status string
	Symbol string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// CreateOrder inserts a new order row, normally in PENDING status.
func (q *UserQueries) CreateOrder(ctx context.Context, o Order) error {
	if o.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, connection_id, webhook_log_id, broker_order_id,
			symbol, side, qty, order_type, price, executed_price, status, error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, o.ID, o.UserID, o.ConnectionID, o.WebhookLogID, o.BrokerOrderID,
		o.Symbol, o.Side, o.Qty, o.OrderType, o.Price, o.ExecutedPrice, o.Status, o.Error)
	return err
}

// UpdateOrderResult records the broker outcome for a pending order.
// Status transitions are monotonic: a terminal order is left untouched
// and ErrOrderNotPending is returned.
func (q *UserQueries) UpdateOrderResult(ctx context.Context, orderID, brokerOrderID, status string, executedPrice float64, errMsg string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE orders
		SET broker_order_id = ?, status = ?, executed_price = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, brokerOrderID, status, executedPrice, errMsg, orderID, OrderStatusPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOrderNotPending
	}
	return nil
}

// GetOrderByID returns an order, verifying user ownership.
func (q *UserQueries) GetOrderByID(ctx context.Context, userID, orderID string) (*Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var o Order
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, connection_id, COALESCE(webhook_log_id, ''), COALESCE(broker_order_id, ''),
		       symbol, side, qty, order_type, price, COALESCE(executed_price, 0), status, COALESCE(error, ''),
		       created_at, updated_at
		FROM orders
		WHERE id = ? AND user_id = ?
	`, orderID, userID).Scan(&o.ID, &o.UserID, &o.ConnectionID, &o.WebhookLogID, &o.BrokerOrderID,
		&o.Symbol, &o.Side, &o.Qty, &o.OrderType, &o.Price, &o.ExecutedPrice, &o.Status, &o.Error,
		&o.CreatedAt, &o.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// GetOrdersByUser returns a page of orders, newest first, with optional
// status/symbol/date filters.
func (q *UserQueries) GetOrdersByUser(ctx context.Context, userID string, f OrderFilter) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	query := `
		SELECT id, user_id, connection_id, COALESCE(webhook_log_id, ''), COALESCE(broker_order_id, ''),
		       symbol, side, qty, order_type, price, COALESCE(executed_price, 0), status, COALESCE(error, ''),
		       created_at, updated_at
		FROM orders
		WHERE user_id = ?`
	args := []any{userID}

	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, f.Symbol)
	}
	if !f.From.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, f.To)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.ConnectionID, &o.WebhookLogID, &o.BrokerOrderID,
			&o.Symbol, &o.Side, &o.Qty, &o.OrderType, &o.Price, &o.ExecutedPrice, &o.Status, &o.Error,
			&o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ----------------------------------------
// Positions
// ----------------------------------------

// GetPositionsByUser returns all open positions for a user.
func (q *UserQueries) GetPositionsByUser(ctx context.Context, userID string) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, symbol, product, qty, avg_price, updated_at
		FROM positions
		WHERE user_id = ?
		ORDER BY symbol
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.UserID, &p.Symbol, &p.Product, &p.Qty, &p.AvgPrice, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetPosition returns one position or nil if the book is flat there.
func (q *UserQueries) GetPosition(ctx context.Context, userID, symbol, product string) (*Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var p Position
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, symbol, product, qty, avg_price, updated_at
		FROM positions
		WHERE user_id = ? AND symbol = ? AND product = ?
	`, userID, symbol, product).Scan(&p.UserID, &p.Symbol, &p.Product, &p.Qty, &p.AvgPrice, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	return &p, nil
}

// ApplyFill reconciles the position book with one executed fill inside a
// single transaction, so concurrent webhooks for the same (user, symbol)
// cannot lose an update:
//   - no position + BUY  -> open at the fill price
//   - no position + SELL -> no-op (shorts are not modeled)
//   - existing + BUY     -> weighted-average price, quantity added
//   - existing + SELL    -> quantity reduced, average unchanged
//   - quantity nets to 0 -> row deleted (flat)
//
// Returns the resulting position, or nil when flat or untouched.
func (q *UserQueries) ApplyFill(ctx context.Context, userID, symbol, product, side string, qty, price float64) (*Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin fill tx: %w", err)
	}
	defer tx.Rollback()

	var curQty, curAvg float64
	err = tx.QueryRowContext(ctx, `
		SELECT qty, avg_price FROM positions
		WHERE user_id = ? AND symbol = ? AND product = ?
	`, userID, symbol, product).Scan(&curQty, &curAvg)

	exists := true
	if err == sql.ErrNoRows {
		exists = false
	} else if err != nil {
		return nil, fmt.Errorf("read position: %w", err)
	}

	var newQty, newAvg float64
	switch side {
	case "BUY":
		if !exists {
			newQty, newAvg = qty, price
		} else {
			newQty = curQty + qty
			newAvg = (curAvg*curQty + price*qty) / newQty
		}
	case "SELL":
		if !exists {
			// Cannot open a short in this model; ignore the fill.
			return nil, tx.Commit()
		}
		newQty = curQty - qty
		newAvg = curAvg
	default:
		return nil, fmt.Errorf("unknown side %q", side)
	}

	if newQty == 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM positions WHERE user_id = ? AND symbol = ? AND product = ?
		`, userID, symbol, product); err != nil {
			return nil, fmt.Errorf("delete flat position: %w", err)
		}
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO positions (user_id, symbol, product, qty, avg_price, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, symbol, product) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			updated_at = CURRENT_TIMESTAMP
	`, userID, symbol, product, newQty, newAvg); err != nil {
		return nil, fmt.Errorf("upsert position: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fill tx: %w", err)
	}

	return &Position{
		UserID:    userID,
		Symbol:    symbol,
		Product:   product,
		Qty:       newQty,
		AvgPrice:  newAvg,
		UpdatedAt: time.Now(),
	}, nil
}

// ----------------------------------------
// Holdings
// ----------------------------------------

// ReplaceHoldings swaps a user's holdings snapshot for the broker's latest.
func (q *UserQueries) ReplaceHoldings(ctx context.Context, userID string, holdings []Holding) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin holdings tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM holdings WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear holdings: %w", err)
	}
	for _, h := range holdings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO holdings (user_id, symbol, qty, avg_price, last_price, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		`, userID, h.Symbol, h.Qty, h.AvgPrice, h.LastPrice); err != nil {
			return fmt.Errorf("insert holding %s: %w", h.Symbol, err)
		}
	}
	return tx.Commit()
}

// GetHoldingsByUser returns the stored holdings snapshot.
func (q *UserQueries) GetHoldingsByUser(ctx context.Context, userID string) ([]Holding, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, symbol, qty, avg_price, COALESCE(last_price, 0), updated_at
		FROM holdings
		WHERE user_id = ?
		ORDER BY symbol
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query holdings: %w", err)
	}
	defer rows.Close()

	var holdings []Holding
	for rows.Next() {
		var h Holding
		if err := rows.Scan(&h.UserID, &h.Symbol, &h.Qty, &h.AvgPrice, &h.LastPrice, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// ----------------------------------------
// Webhook logs
// ----------------------------------------

// CreateWebhookLog appends an audit record; called before any validation
// so every inbound alert leaves a trace.
func (q *UserQueries) CreateWebhookLog(ctx context.Context, l WebhookLog) error {
	if l.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (id, user_id, payload, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, l.ID, l.UserID, l.Payload, l.Status, l.Error)
	return err
}

// SetWebhookLogStatus finalizes a log entry's processing outcome.
func (q *UserQueries) SetWebhookLogStatus(ctx context.Context, logID, status, errMsg string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE webhook_logs SET status = ?, error = ? WHERE id = ?
	`, status, errMsg, logID)
	return err
}

// GetWebhookLogsByUser returns recent webhook logs, newest first.
func (q *UserQueries) GetWebhookLogsByUser(ctx context.Context, userID string, limit int) ([]WebhookLog, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, payload, status, COALESCE(error, ''), created_at
		FROM webhook_logs
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query webhook logs: %w", err)
	}
	defer rows.Close()

	var logs []WebhookLog
	for rows.Next() {
		var l WebhookLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.Payload, &l.Status, &l.Error, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

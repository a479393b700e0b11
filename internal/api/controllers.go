package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"trade-relay/internal/webhook"
	"trade-relay/pkg/brokers"
	"trade-relay/pkg/brokers/common"
	"trade-relay/pkg/db"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// connectionView is what the dashboard sees; encrypted material never
// leaves the database.
type connectionView struct {
	ID        string    `json:"id"`
	Broker    string    `json:"broker"`
	IsActive  bool      `json:"is_active"`
	HasToken  bool      `json:"has_token"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toConnectionView(conn db.BrokerConnection) connectionView {
	return connectionView{
		ID:        conn.ID,
		Broker:    conn.Broker,
		IsActive:  conn.IsActive,
		HasToken:  conn.AccessTokenEncrypted != "",
		CreatedAt: conn.CreatedAt,
		UpdatedAt: conn.UpdatedAt,
	}
}

// handleWebhook is the public alert entry point. The raw body is logged
// before validation, so error responses still leave an audit row.
func (s *Server) handleWebhook(c *gin.Context) {
	userID := c.Param("userId")

	user, err := s.DB.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if user == nil {
		respondError(c, http.StatusNotFound, "UNKNOWN_USER", "unknown webhook target")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64*1024))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "could not read request body")
		return
	}

	res, err := s.Pipeline.Process(c.Request.Context(), userID, body)
	if err != nil {
		var brokerErr *common.Error
		switch {
		case errors.Is(err, webhook.ErrInvalidPayload):
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		case errors.Is(err, db.ErrNoActiveConnection):
			respondError(c, http.StatusBadRequest, "NO_ACTIVE_CONNECTION", "no active broker connection for this user")
		case errors.Is(err, db.ErrAmbiguousConnection):
			respondError(c, http.StatusBadRequest, "AMBIGUOUS_CONNECTION", "more than one active broker connection; deactivate one")
		case errors.As(err, &brokerErr):
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":     "BROKER_ERROR",
				"error":    brokerErr.Message,
				"order_id": res.OrderID,
				"log_id":   res.LogID,
			})
		default:
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "webhook processing failed")
		}
		return
	}

	c.JSON(http.StatusOK, res)
}

// listConnections returns the user's broker connections.
func (s *Server) listConnections(c *gin.Context) {
	userID := CurrentUserID(c)
	conns, err := s.DB.Queries().GetConnectionsByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, toConnectionView(conn))
	}
	c.JSON(http.StatusOK, gin.H{"connections": views})
}

// createConnection stores encrypted broker credentials and returns the
// broker login URL for the token exchange step.
func (s *Server) createConnection(c *gin.Context) {
	userID := CurrentUserID(c)

	var req struct {
		Broker    string `json:"broker" binding:"required,min=1"`
		APIKey    string `json:"api_key" binding:"required,min=1"`
		APISecret string `json:"api_secret" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "broker, api_key and api_secret are required")
		return
	}
	req.Broker = strings.ToLower(strings.TrimSpace(req.Broker))
	if !s.Registry.Supported(req.Broker) {
		respondError(c, http.StatusBadRequest, "UNSUPPORTED_BROKER", "unsupported broker: "+req.Broker)
		return
	}

	keyEnc, err := s.Keys.Encrypt(req.APIKey)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", err.Error())
		return
	}
	secretEnc, err := s.Keys.Encrypt(req.APISecret)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", err.Error())
		return
	}

	conn := db.BrokerConnection{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Broker:             req.Broker,
		APIKeyEncrypted:    keyEnc,
		APISecretEncrypted: secretEnc,
		KeyVersion:         s.Keys.CurrentVersion(),
		IsActive:           true,
	}
	if err := s.DB.Queries().CreateConnection(c.Request.Context(), conn); err != nil {
		// The partial unique index rejects a second active connection
		// for the same broker.
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "unique") {
			respondError(c, http.StatusConflict, "CONNECTION_EXISTS", "an active connection for this broker already exists")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	client, err := s.Registry.Build(req.Broker, brokers.Credentials{APIKey: req.APIKey, APISecret: req.APISecret})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"connection": toConnectionView(conn),
		"login_url":  client.LoginURL(),
	})
}

// generateSession exchanges the broker's request token for an access
// token and stores it encrypted.
func (s *Server) generateSession(c *gin.Context) {
	userID := CurrentUserID(c)
	connectionID := c.Param("id")

	var req struct {
		RequestToken string `json:"request_token" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "request_token is required")
		return
	}

	ctx := c.Request.Context()
	conn, err := s.DB.Queries().GetConnectionByID(ctx, userID, connectionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "connection not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	apiKey, err := s.Keys.Decrypt(conn.APIKeyEncrypted)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DECRYPTION_ERROR", err.Error())
		return
	}
	apiSecret, err := s.Keys.Decrypt(conn.APISecretEncrypted)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DECRYPTION_ERROR", err.Error())
		return
	}

	client, err := s.Registry.Build(conn.Broker, brokers.Credentials{APIKey: apiKey, APISecret: apiSecret})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	session, err := client.GenerateSession(ctx, req.RequestToken)
	if err != nil {
		respondError(c, http.StatusBadGateway, "BROKER_ERROR", err.Error())
		return
	}

	tokenEnc, err := s.Keys.Encrypt(session.AccessToken)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", err.Error())
		return
	}
	if err := s.DB.Queries().SetConnectionTokens(ctx, userID, connectionID, tokenEnc, session.PublicToken); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	// The cached client, if any, carries the old token.
	s.Pool.Remove(connectionID)

	c.JSON(http.StatusOK, gin.H{
		"broker_user_id":   session.UserID,
		"broker_user_name": session.UserName,
	})
}

// deactivateConnection turns a connection off and evicts its client.
func (s *Server) deactivateConnection(c *gin.Context) {
	userID := CurrentUserID(c)
	connectionID := c.Param("id")

	if err := s.DB.Queries().DeactivateConnection(c.Request.Context(), userID, connectionID); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	s.Pool.Remove(connectionID)

	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}

// listOrders returns a filtered page of the user's orders.
func (s *Server) listOrders(c *gin.Context) {
	userID := CurrentUserID(c)

	filter := db.OrderFilter{
		Status: strings.ToUpper(c.Query("status")),
		Symbol: strings.ToUpper(c.Query("symbol")),
	}
	if v := c.Query("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := c.Query("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	if v := c.Query("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = ts
		}
	}
	if v := c.Query("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = ts
		}
	}

	orders, err := s.DB.Queries().GetOrdersByUser(c.Request.Context(), userID, filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if orders == nil {
		orders = []db.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder returns one order.
func (s *Server) getOrder(c *gin.Context) {
	userID := CurrentUserID(c)
	order, err := s.DB.Queries().GetOrderByID(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "order not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, order)
}

// listPositions returns the user's open positions.
func (s *Server) listPositions(c *gin.Context) {
	userID := CurrentUserID(c)
	positions, err := s.DB.Queries().GetPositionsByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if positions == nil {
		positions = []db.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

// listHoldings returns the stored holdings snapshot.
func (s *Server) listHoldings(c *gin.Context) {
	userID := CurrentUserID(c)
	holdings, err := s.DB.Queries().GetHoldingsByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if holdings == nil {
		holdings = []db.Holding{}
	}
	c.JSON(http.StatusOK, gin.H{"holdings": holdings})
}

// syncHoldings refreshes the snapshot from the active broker.
func (s *Server) syncHoldings(c *gin.Context) {
	userID := CurrentUserID(c)
	ctx := c.Request.Context()

	client, connErr := s.activeBroker(c, userID)
	if connErr {
		return
	}

	brokerHoldings, err := client.Holdings(ctx)
	if err != nil {
		respondError(c, http.StatusBadGateway, "BROKER_ERROR", err.Error())
		return
	}

	holdings := make([]db.Holding, 0, len(brokerHoldings))
	for _, h := range brokerHoldings {
		holdings = append(holdings, db.Holding{
			UserID:    userID,
			Symbol:    h.Symbol,
			Qty:       h.Qty,
			AvgPrice:  h.AvgPrice,
			LastPrice: h.LastPrice,
		})
	}
	if err := s.DB.Queries().ReplaceHoldings(ctx, userID, holdings); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": len(holdings)})
}

// listWebhookLogs returns the user's recent alert audit trail.
func (s *Server) listWebhookLogs(c *gin.Context) {
	userID := CurrentUserID(c)
	limit := 0
	if v := c.Query("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	logs, err := s.DB.Queries().GetWebhookLogsByUser(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if logs == nil {
		logs = []db.WebhookLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// getQuotes proxies market snapshots from the active broker, serving
// recently fetched symbols from the quote cache.
func (s *Server) getQuotes(c *gin.Context) {
	userID := CurrentUserID(c)

	raw := c.Query("symbols")
	if raw == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "symbols query parameter is required")
		return
	}

	quotes := make(map[string]common.Quote)
	var missing []string
	for _, s2 := range strings.Split(raw, ",") {
		key := strings.ToUpper(strings.TrimSpace(s2))
		if key == "" {
			continue
		}
		if !strings.Contains(key, ":") {
			key = "NSE:" + key
		}
		if q, ok := s.Quotes.Get(key); ok {
			quotes[key] = q
			continue
		}
		missing = append(missing, key)
	}

	if len(missing) > 0 {
		client, connErr := s.activeBroker(c, userID)
		if connErr {
			return
		}
		fresh, err := client.Quote(c.Request.Context(), missing...)
		if err != nil {
			respondError(c, http.StatusBadGateway, "BROKER_ERROR", err.Error())
			return
		}
		for key, q := range fresh {
			s.Quotes.Set(key, q)
			quotes[key] = q
		}
	}

	c.JSON(http.StatusOK, gin.H{"quotes": quotes})
}

// getBrokerProfile returns the broker-side account profile.
func (s *Server) getBrokerProfile(c *gin.Context) {
	userID := CurrentUserID(c)

	client, connErr := s.activeBroker(c, userID)
	if connErr {
		return
	}

	profile, err := client.Profile(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusBadGateway, "BROKER_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, profile)
}

// activeBroker resolves the user's single active connection to a pooled
// client, writing the error response itself when that fails.
func (s *Server) activeBroker(c *gin.Context, userID string) (common.Broker, bool) {
	ctx := c.Request.Context()
	conn, err := s.DB.Queries().GetActiveConnection(ctx, userID)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNoActiveConnection):
			respondError(c, http.StatusBadRequest, "NO_ACTIVE_CONNECTION", "no active broker connection")
		case errors.Is(err, db.ErrAmbiguousConnection):
			respondError(c, http.StatusBadRequest, "AMBIGUOUS_CONNECTION", "more than one active broker connection")
		default:
			respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		}
		return nil, true
	}

	client, err := s.Pool.GetOrCreate(ctx, userID, conn.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return nil, true
	}
	return client, false
}

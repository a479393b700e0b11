package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"trade-relay/internal/events"
	"trade-relay/internal/gateway"
	"trade-relay/internal/monitor"
	"trade-relay/internal/notify"
	"trade-relay/internal/webhook"
	"trade-relay/pkg/brokers"
	"trade-relay/pkg/crypto"
	"trade-relay/pkg/db"
)

func newTestAPIServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	keys, err := crypto.NewKeyManager("api-test-secret")
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	registry, err := brokers.NewRegistry("", 0)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	pool := gateway.NewPool(database.Queries(), keys, registry, gateway.DefaultConfig())
	pipeline := webhook.NewPipeline(database.Queries(), pool, bus, metrics)

	server := NewServer(Deps{
		Bus:       bus,
		DB:        database,
		Keys:      keys,
		Pool:      pool,
		Registry:  registry,
		Pipeline:  pipeline,
		Metrics:   metrics,
		Mailer:    notify.NewMailer(notify.Config{}),
		JWTSecret: "test-secret",
		BaseURL:   "http://localhost:8080",
	})

	httpServer := httptest.NewServer(server.Router)
	cleanup := func() {
		httpServer.Close()
		bus.Close()
		_ = database.Close()
	}
	return httpServer, cleanup
}

func doJSONRequest(t *testing.T, method, url, token string, payload any, out any) int {
	t.Helper()

	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return res.StatusCode
}

// registerAndLogin creates an account and returns (token, userID).
func registerAndLogin(t *testing.T, baseURL, email string) (string, string) {
	t.Helper()

	status := doJSONRequest(t, http.MethodPost, baseURL+"/api/auth/register", "", map[string]any{
		"email":    email,
		"password": "longenoughpw",
		"name":     "Test User",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("register status = %d", status)
	}

	var login struct {
		Token      string `json:"token"`
		UserID     string `json:"user_id"`
		WebhookURL string `json:"webhook_url"`
	}
	status = doJSONRequest(t, http.MethodPost, baseURL+"/api/auth/login", "", map[string]any{
		"email":    email,
		"password": "longenoughpw",
	}, &login)
	if status != http.StatusOK {
		t.Fatalf("login status = %d", status)
	}
	if login.Token == "" || login.UserID == "" {
		t.Fatalf("incomplete login response: %+v", login)
	}
	return login.Token, login.UserID
}

// addPaperConnection creates an active paper connection for the user.
func addPaperConnection(t *testing.T, baseURL, token string) string {
	t.Helper()

	var created struct {
		Connection struct {
			ID string `json:"id"`
		} `json:"connection"`
		LoginURL string `json:"login_url"`
	}
	status := doJSONRequest(t, http.MethodPost, baseURL+"/api/connections", token, map[string]any{
		"broker":     "paper",
		"api_key":    "pk",
		"api_secret": "ps",
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create connection status = %d", status)
	}
	return created.Connection.ID
}

func TestAuthFlow(t *testing.T) {
	srv, cleanup := newTestAPIServer(t)
	defer cleanup()

	token, _ := registerAndLogin(t, srv.URL, "auth@example.com")

	t.Run("duplicate email rejected", func(t *testing.T) {
		status := doJSONRequest(t, http.MethodPost, srv.URL+"/api/auth/register", "", map[string]any{
			"email": "auth@example.com", "password": "longenoughpw",
		}, nil)
		if status != http.StatusConflict {
			t.Errorf("status = %d, want 409", status)
		}
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		status := doJSONRequest(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]any{
			"email": "auth@example.com", "password": "wrong-password",
		}, nil)
		if status != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", status)
		}
	})

	t.Run("protected route requires token", func(t *testing.T) {
		status := doJSONRequest(t, http.MethodGet, srv.URL+"/api/orders", "", nil, nil)
		if status != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", status)
		}
	})

	t.Run("protected route accepts token", func(t *testing.T) {
		status := doJSONRequest(t, http.MethodGet, srv.URL+"/api/orders", token, nil, nil)
		if status != http.StatusOK {
			t.Errorf("status = %d, want 200", status)
		}
	})
}

func TestWebhookToPositionFlow(t *testing.T) {
	srv, cleanup := newTestAPIServer(t)
	defer cleanup()

	token, userID := registerAndLogin(t, srv.URL, "flow@example.com")
	addPaperConnection(t, srv.URL, token)

	webhookURL := fmt.Sprintf("%s/webhook/%s", srv.URL, userID)

	var res struct {
		LogID   string `json:"log_id"`
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	status := doJSONRequest(t, http.MethodPost, webhookURL, "", map[string]any{
		"symbol": "RELIANCE", "action": "BUY", "quantity": 50, "price": 2450,
	}, &res)
	if status != http.StatusOK {
		t.Fatalf("webhook status = %d", status)
	}
	if res.Status != db.OrderStatusExecuted {
		t.Errorf("order status = %s, want EXECUTED", res.Status)
	}

	t.Run("order visible", func(t *testing.T) {
		var out struct {
			Orders []db.Order `json:"orders"`
		}
		if status := doJSONRequest(t, http.MethodGet, srv.URL+"/api/orders", token, nil, &out); status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
		if len(out.Orders) != 1 || out.Orders[0].Symbol != "RELIANCE" {
			t.Errorf("unexpected orders: %+v", out.Orders)
		}
	})

	t.Run("position visible", func(t *testing.T) {
		var out struct {
			Positions []db.Position `json:"positions"`
		}
		if status := doJSONRequest(t, http.MethodGet, srv.URL+"/api/positions", token, nil, &out); status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
		if len(out.Positions) != 1 || out.Positions[0].Qty != 50 || out.Positions[0].AvgPrice != 2450 {
			t.Errorf("unexpected positions: %+v", out.Positions)
		}
	})

	t.Run("webhook log recorded", func(t *testing.T) {
		var out struct {
			Logs []db.WebhookLog `json:"logs"`
		}
		if status := doJSONRequest(t, http.MethodGet, srv.URL+"/api/webhook-logs", token, nil, &out); status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
		if len(out.Logs) != 1 || out.Logs[0].Status != db.LogStatusSuccess {
			t.Errorf("unexpected logs: %+v", out.Logs)
		}
	})
}

func TestWebhookErrorResponses(t *testing.T) {
	srv, cleanup := newTestAPIServer(t)
	defer cleanup()

	token, userID := registerAndLogin(t, srv.URL, "errors@example.com")
	webhookURL := fmt.Sprintf("%s/webhook/%s", srv.URL, userID)

	t.Run("unknown user is 404", func(t *testing.T) {
		status := doJSONRequest(t, http.MethodPost, srv.URL+"/webhook/no-such-user", "", map[string]any{
			"symbol": "TCS", "action": "BUY", "quantity": 1,
		}, nil)
		if status != http.StatusNotFound {
			t.Errorf("status = %d, want 404", status)
		}
	})

	t.Run("no active connection is 400", func(t *testing.T) {
		var out struct {
			Code string `json:"code"`
		}
		status := doJSONRequest(t, http.MethodPost, webhookURL, "", map[string]any{
			"symbol": "TCS", "action": "BUY", "quantity": 1,
		}, &out)
		if status != http.StatusBadRequest || out.Code != "NO_ACTIVE_CONNECTION" {
			t.Errorf("status = %d code = %s", status, out.Code)
		}
	})

	addPaperConnection(t, srv.URL, token)

	t.Run("invalid payload is 400", func(t *testing.T) {
		var out struct {
			Code string `json:"code"`
		}
		status := doJSONRequest(t, http.MethodPost, webhookURL, "", map[string]any{
			"symbol": "TCS", "action": "HOLD", "quantity": 1,
		}, &out)
		if status != http.StatusBadRequest || out.Code != "INVALID_PAYLOAD" {
			t.Errorf("status = %d code = %s", status, out.Code)
		}
	})
}

func TestConnectionLifecycle(t *testing.T) {
	srv, cleanup := newTestAPIServer(t)
	defer cleanup()

	token, userID := registerAndLogin(t, srv.URL, "conn@example.com")
	connID := addPaperConnection(t, srv.URL, token)

	t.Run("duplicate active connection rejected", func(t *testing.T) {
		status := doJSONRequest(t, http.MethodPost, srv.URL+"/api/connections", token, map[string]any{
			"broker": "paper", "api_key": "pk2", "api_secret": "ps2",
		}, nil)
		if status != http.StatusConflict {
			t.Errorf("status = %d, want 409", status)
		}
	})

	t.Run("unsupported broker rejected", func(t *testing.T) {
		status := doJSONRequest(t, http.MethodPost, srv.URL+"/api/connections", token, map[string]any{
			"broker": "robinhood", "api_key": "k", "api_secret": "s",
		}, nil)
		if status != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", status)
		}
	})

	t.Run("session exchange stores token", func(t *testing.T) {
		status := doJSONRequest(t, http.MethodPost, srv.URL+"/api/connections/"+connID+"/session", token, map[string]any{
			"request_token": "rt",
		}, nil)
		if status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}

		var out struct {
			Connections []connectionView `json:"connections"`
		}
		doJSONRequest(t, http.MethodGet, srv.URL+"/api/connections", token, nil, &out)
		if len(out.Connections) != 1 || !out.Connections[0].HasToken {
			t.Errorf("expected a token-bearing connection: %+v", out.Connections)
		}
	})

	t.Run("credentials never leak", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/connections", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do request: %v", err)
		}
		defer res.Body.Close()
		var buf bytes.Buffer
		buf.ReadFrom(res.Body)
		if bytes.Contains(buf.Bytes(), []byte("ENC[")) {
			t.Errorf("encrypted material leaked: %s", buf.String())
		}
	})

	t.Run("deactivate stops webhooks", func(t *testing.T) {
		status := doJSONRequest(t, http.MethodDelete, srv.URL+"/api/connections/"+connID, token, nil, nil)
		if status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}

		var out struct {
			Code string `json:"code"`
		}
		status = doJSONRequest(t, http.MethodPost, fmt.Sprintf("%s/webhook/%s", srv.URL, userID), "", map[string]any{
			"symbol": "TCS", "action": "BUY", "quantity": 1,
		}, &out)
		if status != http.StatusBadRequest || out.Code != "NO_ACTIVE_CONNECTION" {
			t.Errorf("status = %d code = %s", status, out.Code)
		}
	})
}

func TestUserIsolation(t *testing.T) {
	srv, cleanup := newTestAPIServer(t)
	defer cleanup()

	tokenA, userA := registerAndLogin(t, srv.URL, "alice@example.com")
	tokenB, _ := registerAndLogin(t, srv.URL, "bob@example.com")
	addPaperConnection(t, srv.URL, tokenA)

	status := doJSONRequest(t, http.MethodPost, fmt.Sprintf("%s/webhook/%s", srv.URL, userA), "", map[string]any{
		"symbol": "INFY", "action": "BUY", "quantity": 10, "price": 1500,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("webhook status = %d", status)
	}

	var out struct {
		Orders []db.Order `json:"orders"`
	}
	doJSONRequest(t, http.MethodGet, srv.URL+"/api/orders", tokenB, nil, &out)
	if len(out.Orders) != 0 {
		t.Errorf("user B sees user A's orders: %+v", out.Orders)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, cleanup := newTestAPIServer(t)
	defer cleanup()

	res, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", res.StatusCode)
	}

	var snapshot monitor.MetricsSnapshot
	if status := doJSONRequest(t, http.MethodGet, srv.URL+"/api/metrics", "", nil, &snapshot); status != http.StatusOK {
		t.Errorf("metrics status = %d", status)
	}
}

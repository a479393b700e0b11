// Package kite implements the Zerodha Kite Connect v3 broker adapter.
package kite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trade-relay/pkg/brokers/common"
)

const (
	defaultAPIBase   = "https://api.kite.trade"
	defaultLoginBase = "https://kite.trade"
	kiteVersion      = "3"
)

// Config holds Kite credentials and endpoint overrides.
type Config struct {
	APIKey      string
	APISecret   string
	AccessToken string
	APIBase     string // override for tests
	LoginBase   string
	Timeout     time.Duration
}

// Client is a Kite Connect trading client.
type Client struct {
	cfg         Config
	apiBase     string
	loginBase   string
	accessToken string
	httpClient  *http.Client
}

// New creates a Kite client. Credentials are required for everything but
// LoginURL; the access token can be armed later via SetAccessToken.
func New(cfg Config) *Client {
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	loginBase := cfg.LoginBase
	if loginBase == "" {
		loginBase = defaultLoginBase
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:         cfg,
		apiBase:     strings.TrimRight(apiBase, "/"),
		loginBase:   strings.TrimRight(loginBase, "/"),
		accessToken: cfg.AccessToken,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// LoginURL returns the Kite Connect login page for this API key.
func (c *Client) LoginURL() string {
	return fmt.Sprintf("%s/connect/login?v=%s&api_key=%s", c.loginBase, kiteVersion, url.QueryEscape(c.cfg.APIKey))
}

// SetAccessToken arms the client with a stored access token.
func (c *Client) SetAccessToken(token string) {
	c.accessToken = token
}

// GenerateSession exchanges the request token from the login redirect for
// an access token. Checksum per Kite docs: SHA-256(api_key + request_token
// + api_secret).
func (c *Client) GenerateSession(ctx context.Context, requestToken string) (common.Session, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.Session{}, errors.New("kite: API key/secret required")
	}

	sum := sha256.Sum256([]byte(c.cfg.APIKey + requestToken + c.cfg.APISecret))
	params := url.Values{}
	params.Set("api_key", c.cfg.APIKey)
	params.Set("request_token", requestToken)
	params.Set("checksum", hex.EncodeToString(sum[:]))

	var data struct {
		AccessToken string `json:"access_token"`
		PublicToken string `json:"public_token"`
		UserID      string `json:"user_id"`
		UserName    string `json:"user_name"`
	}
	if err := c.do(ctx, http.MethodPost, "/session/token", params, &data); err != nil {
		return common.Session{}, err
	}

	c.accessToken = data.AccessToken
	return common.Session{
		AccessToken: data.AccessToken,
		PublicToken: data.PublicToken,
		UserID:      data.UserID,
		UserName:    data.UserName,
	}, nil
}

// PlaceOrder submits a regular-variety order and follows up with an order
// status fetch so callers see the executed price when the fill is
// immediate (market orders usually are).
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.accessToken == "" {
		return common.OrderResult{}, &common.Error{Broker: "kite", Message: "access token not set; complete the login flow first"}
	}

	exchange := req.Exchange
	if exchange == "" {
		exchange = "NSE"
	}
	product := req.Product
	if product == "" {
		product = "CNC"
	}
	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeMarket
	}

	params := url.Values{}
	params.Set("tradingsymbol", req.Symbol)
	params.Set("exchange", exchange)
	params.Set("transaction_type", string(req.Side))
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("product", product)
	params.Set("order_type", string(ordType))
	params.Set("validity", "DAY")
	if ordType == common.OrderTypeLimit || ordType == common.OrderTypeStopLoss {
		params.Set("price", formatFloat(req.Price))
	}
	if req.ClientID != "" {
		params.Set("tag", req.ClientID)
	}

	var placed struct {
		OrderID string `json:"order_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/orders/regular", params, &placed); err != nil {
		return common.OrderResult{}, err
	}

	status, avgPrice, err := c.orderStatus(ctx, placed.OrderID)
	if err != nil {
		// The order went in; report it as pending rather than failing the call.
		return common.OrderResult{BrokerOrderID: placed.OrderID, Status: common.StatusPending}, nil
	}

	return common.OrderResult{
		BrokerOrderID: placed.OrderID,
		Status:        status,
		ExecutedPrice: avgPrice,
	}, nil
}

// orderStatus fetches the order history and reads the latest state.
func (c *Client) orderStatus(ctx context.Context, orderID string) (common.OrderStatus, float64, error) {
	var states []struct {
		Status       string  `json:"status"`
		AveragePrice float64 `json:"average_price"`
	}
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &states); err != nil {
		return common.StatusPending, 0, err
	}
	if len(states) == 0 {
		return common.StatusPending, 0, nil
	}
	last := states[len(states)-1]
	return mapStatus(last.Status), last.AveragePrice, nil
}

// Profile fetches the broker-side account profile.
func (c *Client) Profile(ctx context.Context) (common.Profile, error) {
	var data struct {
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
		Email    string `json:"email"`
	}
	if err := c.do(ctx, http.MethodGet, "/user/profile", nil, &data); err != nil {
		return common.Profile{}, err
	}
	return common.Profile{
		UserID:   data.UserID,
		UserName: data.UserName,
		Email:    data.Email,
		Broker:   "kite",
	}, nil
}

// Positions returns the net position book.
func (c *Client) Positions(ctx context.Context) ([]common.Position, error) {
	var data struct {
		Net []kitePosition `json:"net"`
	}
	if err := c.do(ctx, http.MethodGet, "/portfolio/positions", nil, &data); err != nil {
		return nil, err
	}

	positions := make([]common.Position, 0, len(data.Net))
	for _, p := range data.Net {
		positions = append(positions, common.Position{
			Symbol:    p.TradingSymbol,
			Exchange:  p.Exchange,
			Product:   p.Product,
			Qty:       p.Quantity,
			AvgPrice:  p.AveragePrice,
			LastPrice: p.LastPrice,
			PnL:       p.PnL,
		})
	}
	return positions, nil
}

// Holdings returns the demat holdings.
func (c *Client) Holdings(ctx context.Context) ([]common.Holding, error) {
	var data []kiteHolding
	if err := c.do(ctx, http.MethodGet, "/portfolio/holdings", nil, &data); err != nil {
		return nil, err
	}

	holdings := make([]common.Holding, 0, len(data))
	for _, h := range data {
		holdings = append(holdings, common.Holding{
			Symbol:    h.TradingSymbol,
			Exchange:  h.Exchange,
			Qty:       h.Quantity,
			AvgPrice:  h.AveragePrice,
			LastPrice: h.LastPrice,
			PnL:       h.PnL,
		})
	}
	return holdings, nil
}

// Quote fetches market snapshots; symbols use EXCHANGE:SYMBOL form and
// bare symbols default to NSE.
func (c *Client) Quote(ctx context.Context, symbols ...string) (map[string]common.Quote, error) {
	if len(symbols) == 0 {
		return map[string]common.Quote{}, nil
	}

	params := url.Values{}
	for _, s := range symbols {
		if !strings.Contains(s, ":") {
			s = "NSE:" + s
		}
		params.Add("i", s)
	}

	var data map[string]struct {
		LastPrice float64 `json:"last_price"`
		OHLC      struct {
			Open  float64 `json:"open"`
			High  float64 `json:"high"`
			Low   float64 `json:"low"`
			Close float64 `json:"close"`
		} `json:"ohlc"`
	}
	if err := c.do(ctx, http.MethodGet, "/quote", params, &data); err != nil {
		return nil, err
	}

	quotes := make(map[string]common.Quote, len(data))
	for key, q := range data {
		quotes[key] = common.Quote{
			Symbol:    key,
			LastPrice: q.LastPrice,
			Open:      q.OHLC.Open,
			High:      q.OHLC.High,
			Low:       q.OHLC.Low,
			Close:     q.OHLC.Close,
		}
	}
	return quotes, nil
}

// kiteEnvelope is the common response wrapper for every endpoint.
type kiteEnvelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

type kitePosition struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	Quantity      float64 `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
}

type kiteHolding struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Quantity      float64 `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
}

// do performs the HTTP request and unwraps the Kite response envelope.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	var (
		req *http.Request
		err error
	)
	endpoint := c.apiBase + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		if params != nil {
			endpoint += "?" + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		body := ""
		if params != nil {
			body = params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return err
	}

	req.Header.Set("X-Kite-Version", kiteVersion)
	if c.accessToken != "" {
		req.Header.Set("Authorization", "token "+c.cfg.APIKey+":"+c.accessToken)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return &common.Error{Broker: "kite", Message: err.Error()}
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)

	var env kiteEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &common.Error{Broker: "kite", Code: res.StatusCode, Message: "unexpected response: " + truncate(string(body), 200)}
	}
	if res.StatusCode >= 300 || env.Status == "error" {
		msg := env.Message
		if msg == "" {
			msg = "request failed"
		}
		return &common.Error{Broker: "kite", Code: res.StatusCode, Message: msg}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "COMPLETE":
		return common.StatusExecuted
	case "REJECTED":
		return common.StatusRejected
	case "CANCELLED":
		return common.StatusCancelled
	default:
		// OPEN, TRIGGER PENDING, PUT ORDER REQ RECEIVED, ...
		return common.StatusPending
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

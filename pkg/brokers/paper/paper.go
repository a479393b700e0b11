// Package paper implements a simulated broker that fills every order
// instantly. Useful for dry runs and for exercising the webhook pipeline
// without broker credentials.
package paper

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"trade-relay/pkg/brokers/common"
)

// fallbackPrice is used when an alert carries no price hint.
const fallbackPrice = 100.0

// Client simulates a brokerage. All state is in-memory.
type Client struct {
	accessToken string
	orderSeq    atomic.Int64
}

func New() *Client {
	return &Client{}
}

// LoginURL returns a placeholder; paper accounts have no login flow.
func (c *Client) LoginURL() string {
	return "about:blank"
}

// GenerateSession issues a random token; any request token is accepted.
func (c *Client) GenerateSession(_ context.Context, _ string) (common.Session, error) {
	token := uuid.NewString()
	c.accessToken = token
	return common.Session{
		AccessToken: token,
		UserID:      "PAPER",
		UserName:    "Paper Trading",
	}, nil
}

func (c *Client) SetAccessToken(token string) {
	c.accessToken = token
}

// PlaceOrder fills immediately at the requested price, or at a fixed
// fallback when the alert carried none.
func (c *Client) PlaceOrder(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Qty <= 0 {
		return common.OrderResult{}, &common.Error{Broker: "paper", Message: "quantity must be positive"}
	}
	price := req.Price
	if price <= 0 {
		price = fallbackPrice
	}
	seq := c.orderSeq.Add(1)
	return common.OrderResult{
		BrokerOrderID: fmt.Sprintf("PAPER-%06d", seq),
		Status:        common.StatusExecuted,
		ExecutedPrice: price,
	}, nil
}

func (c *Client) Profile(_ context.Context) (common.Profile, error) {
	return common.Profile{UserID: "PAPER", UserName: "Paper Trading", Broker: "paper"}, nil
}

func (c *Client) Positions(_ context.Context) ([]common.Position, error) {
	return []common.Position{}, nil
}

func (c *Client) Holdings(_ context.Context) ([]common.Holding, error) {
	return []common.Holding{}, nil
}

func (c *Client) Quote(_ context.Context, symbols ...string) (map[string]common.Quote, error) {
	quotes := make(map[string]common.Quote, len(symbols))
	for _, s := range symbols {
		quotes[s] = common.Quote{Symbol: s, LastPrice: fallbackPrice}
	}
	return quotes, nil
}

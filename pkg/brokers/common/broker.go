package common

import "context"

// Broker abstracts one third-party brokerage API.
type Broker interface {
	// PlaceOrder submits an order and reports the broker's view of it.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// LoginURL is where the user completes the broker's OAuth-style login.
	LoginURL() string
	// GenerateSession exchanges a request token from the login callback
	// for an access token.
	GenerateSession(ctx context.Context, requestToken string) (Session, error)
	// SetAccessToken arms the client with a previously stored token.
	SetAccessToken(token string)

	Profile(ctx context.Context) (Profile, error)
	Positions(ctx context.Context) ([]Position, error)
	Holdings(ctx context.Context) ([]Holding, error)
	Quote(ctx context.Context, symbols ...string) (map[string]Quote, error)
}

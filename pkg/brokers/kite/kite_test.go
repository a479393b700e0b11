package kite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"trade-relay/pkg/brokers/common"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		APIKey:      "key123",
		APISecret:   "secret456",
		AccessToken: "tok789",
		APIBase:     srv.URL,
		LoginBase:   srv.URL,
	})
}

func TestLoginURL(t *testing.T) {
	c := New(Config{APIKey: "key123"})
	want := "https://kite.trade/connect/login?v=3&api_key=key123"
	if got := c.LoginURL(); got != want {
		t.Errorf("LoginURL = %q, want %q", got, want)
	}
}

func TestGenerateSessionChecksum(t *testing.T) {
	var gotChecksum string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/token" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		r.ParseForm()
		gotChecksum = r.PostFormValue("checksum")
		w.Write([]byte(`{"status":"success","data":{"access_token":"at","public_token":"pt","user_id":"AB1234","user_name":"Test User"}}`))
	}))

	sess, err := c.GenerateSession(context.Background(), "reqtok")
	if err != nil {
		t.Fatalf("GenerateSession: %v", err)
	}

	sum := sha256.Sum256([]byte("key123" + "reqtok" + "secret456"))
	if want := hex.EncodeToString(sum[:]); gotChecksum != want {
		t.Errorf("checksum = %q, want %q", gotChecksum, want)
	}
	if sess.AccessToken != "at" || sess.PublicToken != "pt" || sess.UserID != "AB1234" {
		t.Errorf("unexpected session: %+v", sess)
	}
}

func TestPlaceOrderCompleteFill(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/orders/regular":
			if v := r.Header.Get("X-Kite-Version"); v != "3" {
				t.Errorf("X-Kite-Version = %q", v)
			}
			if auth := r.Header.Get("Authorization"); auth != "token key123:tok789" {
				t.Errorf("Authorization = %q", auth)
			}
			r.ParseForm()
			if sym := r.PostFormValue("tradingsymbol"); sym != "RELIANCE" {
				t.Errorf("tradingsymbol = %q", sym)
			}
			if side := r.PostFormValue("transaction_type"); side != "BUY" {
				t.Errorf("transaction_type = %q", side)
			}
			if qty := r.PostFormValue("quantity"); qty != "50" {
				t.Errorf("quantity = %q", qty)
			}
			w.Write([]byte(`{"status":"success","data":{"order_id":"240820000123"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/orders/240820000123":
			w.Write([]byte(`{"status":"success","data":[
				{"status":"PUT ORDER REQ RECEIVED","average_price":0},
				{"status":"COMPLETE","average_price":2455}
			]}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "RELIANCE",
		Side:   common.SideBuy,
		Qty:    50,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.BrokerOrderID != "240820000123" {
		t.Errorf("BrokerOrderID = %q", res.BrokerOrderID)
	}
	if res.Status != common.StatusExecuted {
		t.Errorf("Status = %q, want EXECUTED", res.Status)
	}
	if res.ExecutedPrice != 2455 {
		t.Errorf("ExecutedPrice = %v, want 2455", res.ExecutedPrice)
	}
}

func TestPlaceOrderBrokerRejection(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"error","message":"Insufficient funds","error_type":"InputException"}`))
	}))

	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "RELIANCE", Side: common.SideBuy, Qty: 50,
	})
	var brokerErr *common.Error
	if !errors.As(err, &brokerErr) {
		t.Fatalf("expected *common.Error, got %T: %v", err, err)
	}
	if !strings.Contains(brokerErr.Message, "Insufficient funds") {
		t.Errorf("message = %q", brokerErr.Message)
	}
	if brokerErr.Code != http.StatusBadRequest {
		t.Errorf("code = %d", brokerErr.Code)
	}
}

func TestPlaceOrderWithoutAccessToken(t *testing.T) {
	c := New(Config{APIKey: "key123", APISecret: "secret456"})
	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "RELIANCE", Side: common.SideBuy, Qty: 1,
	})
	var brokerErr *common.Error
	if !errors.As(err, &brokerErr) {
		t.Fatalf("expected *common.Error, got %T: %v", err, err)
	}
}

func TestPositionsAndHoldings(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/portfolio/positions":
			w.Write([]byte(`{"status":"success","data":{"net":[
				{"tradingsymbol":"RELIANCE","exchange":"NSE","product":"CNC","quantity":20,"average_price":110,"last_price":115,"pnl":100}
			]}}`))
		case "/portfolio/holdings":
			w.Write([]byte(`{"status":"success","data":[
				{"tradingsymbol":"TCS","exchange":"NSE","quantity":5,"average_price":3000,"last_price":3100,"pnl":500}
			]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	positions, err := c.Positions(context.Background())
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Symbol != "RELIANCE" || positions[0].Qty != 20 {
		t.Errorf("unexpected positions: %+v", positions)
	}

	holdings, err := c.Holdings(context.Background())
	if err != nil {
		t.Fatalf("Holdings: %v", err)
	}
	if len(holdings) != 1 || holdings[0].Symbol != "TCS" || holdings[0].AvgPrice != 3000 {
		t.Errorf("unexpected holdings: %+v", holdings)
	}
}

func TestQuoteDefaultsToNSE(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query()["i"]; len(got) != 1 || got[0] != "NSE:INFY" {
			t.Errorf("i = %v", got)
		}
		w.Write([]byte(`{"status":"success","data":{"NSE:INFY":{"last_price":1500,"ohlc":{"open":1490,"high":1510,"low":1485,"close":1495}}}}`))
	}))

	quotes, err := c.Quote(context.Background(), "INFY")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	q, ok := quotes["NSE:INFY"]
	if !ok {
		t.Fatalf("missing NSE:INFY in %v", quotes)
	}
	if q.LastPrice != 1500 || q.High != 1510 {
		t.Errorf("unexpected quote: %+v", q)
	}
}

func TestMapStatus(t *testing.T) {
	cases := map[string]common.OrderStatus{
		"COMPLETE":        common.StatusExecuted,
		"REJECTED":        common.StatusRejected,
		"CANCELLED":       common.StatusCancelled,
		"OPEN":            common.StatusPending,
		"TRIGGER PENDING": common.StatusPending,
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

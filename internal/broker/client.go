// Package broker defines the surface the trading core needs from an
// execution backend and a Tradier-flavored REST implementation of it.
// The core never sees wire shapes; everything is normalized here.
package broker

import (
	"context"
	"time"
)

// Side of an option order in broker terms.
type Side string

const (
	SideBuyToOpen   Side = "buy_to_open"
	SideSellToClose Side = "sell_to_close"
)

// Balances is the normalized account state.
type Balances struct {
	Equity      float64
	BuyingPower float64
	FetchedAt   time.Time
}

// BrokerPosition is one open order/position as the broker reports it.
type BrokerPosition struct {
	OrderID   string
	Symbol    string
	Quantity  int
	Status    string
	CreatedAt time.Time
}

// OrderResult is the normalized outcome of a submission.
type OrderResult struct {
	Status  string // "ok" | "rejected" | "skipped" | "error"
	OrderID string
	Reason  string
}

const (
	OrderOK       = "ok"
	OrderRejected = "rejected"
	OrderSkipped  = "skipped"
	OrderError    = "error"
)

// Client is the minimal broker surface the loop operates against.
type Client interface {
	Balances(ctx context.Context) (Balances, error)
	OpenPositions(ctx context.Context) ([]BrokerPosition, error)
	SubmitOrder(ctx context.Context, optionSymbol string, quantity int, side Side) (OrderResult, error)
	OrderStatus(ctx context.Context, orderID string) (string, error)
}

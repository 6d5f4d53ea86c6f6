package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/qalgo/odte-trader/internal/observ"
	"github.com/qalgo/odte-trader/internal/transport"
)

// Tradier talks to the Tradier REST API through the shared transport
// client. Responses are defensive-parsed: the API is known to return
// "null" strings and single objects where lists are documented.
type Tradier struct {
	client    *transport.Client
	baseURL   string
	accountID string
	token     string
	underlying string
}

func NewTradier(client *transport.Client, baseURL, accountID, underlying string) *Tradier {
	if accountID == "" {
		accountID = os.Getenv("TRADIER_ACCOUNT_ID")
	}
	return &Tradier{
		client:     client,
		baseURL:    baseURL,
		accountID:  accountID,
		token:      os.Getenv("TRADIER_ACCESS_TOKEN"),
		underlying: underlying,
	}
}

func (t *Tradier) headers(form bool) map[string]string {
	h := map[string]string{
		"Authorization": "Bearer " + t.token,
		"Accept":        "application/json",
	}
	if form {
		h["Content-Type"] = "application/x-www-form-urlencoded"
	}
	return h
}

func (t *Tradier) Balances(ctx context.Context) (Balances, error) {
	u := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)
	body, err := t.client.Do(ctx, "GET", u, t.headers(false), nil)
	if err != nil {
		return Balances{}, fmt.Errorf("fetch balances: %w", err)
	}

	var payload struct {
		Balances struct {
			Equity float64 `json:"equity"`
			Margin struct {
				OptionBuyingPower float64 `json:"option_buying_power"`
			} `json:"margin"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Balances{}, fmt.Errorf("parse balances: %w", err)
	}
	return Balances{
		Equity:      payload.Balances.Equity,
		BuyingPower: payload.Balances.Margin.OptionBuyingPower,
		FetchedAt:   time.Now(),
	}, nil
}

func (t *Tradier) OpenPositions(ctx context.Context) ([]BrokerPosition, error) {
	u := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	body, err := t.client.Do(ctx, "GET", u, t.headers(false), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}
	return parseOrders(body)
}

// parseOrders tolerates the API's three shapes for "orders": a list, a
// single object, and the literal string "null".
func parseOrders(body []byte) ([]BrokerPosition, error) {
	var outer struct {
		Orders json.RawMessage `json:"orders"`
	}
	if err := json.Unmarshal(body, &outer); err != nil {
		return nil, fmt.Errorf("parse orders envelope: %w", err)
	}
	if len(outer.Orders) == 0 || string(outer.Orders) == `"null"` || string(outer.Orders) == "null" {
		return nil, nil
	}

	var inner struct {
		Order json.RawMessage `json:"order"`
	}
	if err := json.Unmarshal(outer.Orders, &inner); err != nil {
		return nil, fmt.Errorf("parse orders: %w", err)
	}
	if len(inner.Order) == 0 {
		return nil, nil
	}

	type wireOrder struct {
		ID           json.Number `json:"id"`
		Symbol       string      `json:"symbol"`
		OptionSymbol string      `json:"option_symbol"`
		Quantity     float64     `json:"quantity"`
		Status       string      `json:"status"`
		CreateDate   string      `json:"create_date"`
	}

	var wire []wireOrder
	if inner.Order[0] == '[' {
		if err := json.Unmarshal(inner.Order, &wire); err != nil {
			return nil, fmt.Errorf("parse order list: %w", err)
		}
	} else {
		var one wireOrder
		if err := json.Unmarshal(inner.Order, &one); err != nil {
			return nil, fmt.Errorf("parse order object: %w", err)
		}
		wire = append(wire, one)
	}

	open := make([]BrokerPosition, 0, len(wire))
	for _, w := range wire {
		switch w.Status {
		case "filled", "open", "partially_filled", "pending":
		default:
			continue
		}
		sym := w.OptionSymbol
		if sym == "" {
			sym = w.Symbol
		}
		created := time.Now()
		if ts, err := time.Parse(time.RFC3339, w.CreateDate); err == nil {
			created = ts
		}
		open = append(open, BrokerPosition{
			OrderID:   w.ID.String(),
			Symbol:    sym,
			Quantity:  int(w.Quantity),
			Status:    w.Status,
			CreatedAt: created,
		})
	}
	return open, nil
}

func (t *Tradier) SubmitOrder(ctx context.Context, optionSymbol string, quantity int, side Side) (OrderResult, error) {
	form := url.Values{}
	form.Set("class", "option")
	form.Set("symbol", t.underlying)
	form.Set("option_symbol", optionSymbol)
	form.Set("side", string(side))
	form.Set("quantity", fmt.Sprintf("%d", quantity))
	form.Set("type", "market")
	form.Set("duration", "day")

	u := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	observ.Log("broker_submit", map[string]any{
		"symbol":   optionSymbol,
		"side":     string(side),
		"quantity": quantity,
	})

	body, err := t.client.Do(ctx, "POST", u, t.headers(true), []byte(form.Encode()))
	if err != nil {
		if se, ok := asStatusError(err); ok {
			return OrderResult{Status: OrderRejected, Reason: se.Body}, nil
		}
		return OrderResult{Status: OrderError, Reason: err.Error()}, err
	}

	var payload struct {
		Order struct {
			ID     json.Number `json:"id"`
			Status string      `json:"status"`
		} `json:"order"`
		Errors struct {
			Error []string `json:"error"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return OrderResult{Status: OrderError, Reason: "unparseable response"},
			fmt.Errorf("parse order response: %w", err)
	}
	if len(payload.Errors.Error) > 0 {
		return OrderResult{Status: OrderRejected, Reason: payload.Errors.Error[0]}, nil
	}
	observ.Log("broker_submit_ok", map[string]any{
		"symbol":   optionSymbol,
		"order_id": payload.Order.ID.String(),
		"status":   payload.Order.Status,
	})
	return OrderResult{Status: OrderOK, OrderID: payload.Order.ID.String()}, nil
}

func (t *Tradier) OrderStatus(ctx context.Context, orderID string) (string, error) {
	u := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, orderID)
	body, err := t.client.Do(ctx, "GET", u, t.headers(false), nil)
	if err != nil {
		return "", fmt.Errorf("fetch order %s: %w", orderID, err)
	}
	var payload struct {
		Order struct {
			Status string `json:"status"`
		} `json:"order"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parse order status: %w", err)
	}
	return payload.Order.Status, nil
}

func asStatusError(err error) (*transport.StatusError, bool) {
	var se *transport.StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

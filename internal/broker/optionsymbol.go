package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// OptionSymbol resolves the same-day ATM contract for the underlying in
// OCC format, e.g. SPY240621C00450000. callPut is "C" or "P".
func (t *Tradier) OptionSymbol(ctx context.Context, spot float64, callPut string) (string, error) {
	if spot <= 0 {
		return "", fmt.Errorf("no spot price for %s", t.underlying)
	}

	today := time.Now().Format("2006-01-02")
	u := fmt.Sprintf("%s/markets/options/strikes?symbol=%s&expiration=%s", t.baseURL, t.underlying, today)
	body, err := t.client.Do(ctx, "GET", u, t.headers(false), nil)
	if err != nil {
		return "", fmt.Errorf("fetch strikes: %w", err)
	}

	var payload struct {
		Strikes struct {
			Strike []float64 `json:"strike"`
		} `json:"strikes"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parse strikes: %w", err)
	}
	if len(payload.Strikes.Strike) == 0 {
		return "", fmt.Errorf("no strikes for %s %s", t.underlying, today)
	}

	atm := payload.Strikes.Strike[0]
	for _, s := range payload.Strikes.Strike {
		if math.Abs(s-spot) < math.Abs(atm-spot) {
			atm = s
		}
	}

	expiry := time.Now().Format("060102")
	strikeCode := fmt.Sprintf("%08d", int(atm*1000))
	return fmt.Sprintf("%s%s%s%s", t.underlying, expiry, callPut, strikeCode), nil
}

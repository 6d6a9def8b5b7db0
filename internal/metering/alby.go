// ABOUTME: Ledger implementation reading the balance from the Alby wallet API
// ABOUTME: GET {url}/balance with a bearer token; the unit field decides the currency

package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// AlbyLedger reads the balance through GET {URL}/balance.
type AlbyLedger struct {
	URL        string
	Token      string
	Currency   string // used when the response carries no unit
	HTTPClient *http.Client
}

type albyBalance struct {
	Balance *int64 `json:"balance"`
	Unit    string `json:"unit"`
	Message string `json:"message"`
}

// Balance implements Ledger.
func (l *AlbyLedger) Balance(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(l.URL, "/")+"/balance", nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("building balance request: %w", err)
	}
	if l.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.Token)
	}
	req.Header.Set("Accept", "application/json")

	client := l.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetching balance: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading balance: %w", err)
	}

	var out albyBalance
	decodeErr := json.Unmarshal(data, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Message
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return Snapshot{}, fmt.Errorf("balance request returned %s: %s", resp.Status, msg)
	}
	if decodeErr != nil {
		return Snapshot{}, fmt.Errorf("decoding balance: %w", decodeErr)
	}
	if out.Balance == nil {
		return Snapshot{}, fmt.Errorf("balance response has no balance field")
	}

	currency := l.Currency
	switch strings.ToLower(out.Unit) {
	case "sat", "sats":
		currency = "SAT"
	case "":
	default:
		currency = strings.ToUpper(out.Unit)
	}
	if currency == "" {
		currency = "SAT"
	}
	return Snapshot{Amount: *out.Balance, Currency: currency}, nil
}

// ABOUTME: Exchange rate sources for display conversion of spend
// ABOUTME: Coinbase spot prices, cached per pair with concurrent first fetches coalesced

package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CoinbaseRate reads spot prices from GET {URL}/{pair}/spot.
type CoinbaseRate struct {
	URL        string
	HTTPClient *http.Client
}

type coinbaseSpot struct {
	Data struct {
		Amount   string `json:"amount"`
		Base     string `json:"base"`
		Currency string `json:"currency"`
	} `json:"data"`
}

// Rate implements RateSource.
func (c *CoinbaseRate) Rate(ctx context.Context, pair string) (float64, error) {
	endpoint := strings.TrimRight(c.URL, "/") + "/" + pair + "/spot"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("building rate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return 0, fmt.Errorf("rate request for %s returned %s", pair, resp.Status)
	}

	var spot coinbaseSpot
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&spot); err != nil {
		return 0, fmt.Errorf("decoding rate: %w", err)
	}
	price, err := strconv.ParseFloat(spot.Data.Amount, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing rate %q: %w", spot.Data.Amount, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("rate for %s is not positive: %v", pair, price)
	}
	return price, nil
}

// CachedRate remembers the first successful rate per pair for the life of the
// process. Concurrent first callers share one fetch; failures are not cached.
type CachedRate struct {
	source RateSource
	group  singleflight.Group

	mu    sync.RWMutex
	rates map[string]float64
}

// NewCachedRate wraps source.
func NewCachedRate(source RateSource) *CachedRate {
	return &CachedRate{source: source, rates: make(map[string]float64)}
}

// Rate implements RateSource.
func (c *CachedRate) Rate(ctx context.Context, pair string) (float64, error) {
	pair = strings.ToUpper(pair)

	c.mu.RLock()
	rate, ok := c.rates[pair]
	c.mu.RUnlock()
	if ok {
		return rate, nil
	}

	v, err, _ := c.group.Do(pair, func() (any, error) {
		rate, err := c.source.Rate(ctx, pair)
		if err != nil {
			return 0.0, err
		}
		c.mu.Lock()
		c.rates[pair] = rate
		c.mu.Unlock()
		return rate, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

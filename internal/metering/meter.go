// ABOUTME: Metered invocation wrapper reporting what a turn cost
// ABOUTME: Reads the wallet balance before and after a turn and converts the delta for display

package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrBalanceFetchFailed is returned when the balance before a turn cannot be read.
var ErrBalanceFetchFailed = errors.New("balance fetch failed")

// DefaultTimeout bounds a single balance read.
const DefaultTimeout = 10 * time.Second

// satsPerBTC is the number of satoshis in one bitcoin.
const satsPerBTC = 100_000_000

// Snapshot is a wallet balance in the ledger's smallest unit.
type Snapshot struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Ledger reads the wallet balance.
type Ledger interface {
	Balance(ctx context.Context) (Snapshot, error)
}

// RateSource returns the price of one unit of the pair's base currency
// (BTC for "BTC-USD") in its quote currency.
type RateSource interface {
	Rate(ctx context.Context, pair string) (float64, error)
}

// Report describes the balance movement across one turn.
type Report struct {
	SessionID      string
	Before         Snapshot
	After          Snapshot
	AfterAvailable bool
	Delta          int64 // Before - After; positive means spent
	DeltaAvailable bool

	Display          float64
	DisplayCurrency  string
	DisplayAvailable bool

	Duration time.Duration
}

// Options configures a Meter.
type Options struct {
	Timeout time.Duration
	Pair    string // e.g. "BTC-USD"; empty disables display conversion
}

// Meter brackets turns with balance reads.
type Meter struct {
	ledger  Ledger
	rates   RateSource
	timeout time.Duration
	pair    string
	logger  *slog.Logger
}

// NewMeter creates a Meter. rates may be nil.
func NewMeter(ledger Ledger, rates RateSource, opts Options, logger *slog.Logger) *Meter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{
		ledger:  ledger,
		rates:   rates,
		timeout: timeout,
		pair:    strings.ToUpper(opts.Pair),
		logger:  logger.With("component", "meter"),
	}
}

// Balance reads the current balance with the configured timeout.
func (m *Meter) Balance(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	snap, err := m.ledger.Balance(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrBalanceFetchFailed, err)
	}
	return snap, nil
}

// Run reads the balance, runs turn, reads the balance again and reports the
// difference. If the first read fails turn is not run. A failed second read
// only marks the delta unavailable. An error from turn is returned together
// with the report.
func (m *Meter) Run(ctx context.Context, sessionID string, turn func(ctx context.Context) error) (Report, error) {
	report := Report{SessionID: sessionID}

	before, err := m.Balance(ctx)
	if err != nil {
		m.logger.Error("initial balance fetch failed", "session_id", sessionID, "error", err)
		return report, err
	}
	report.Before = before

	start := time.Now()
	turnErr := turn(ctx)
	report.Duration = time.Since(start)

	// The turn may have been cancelled; the wallet still moved.
	after, err := m.Balance(context.WithoutCancel(ctx))
	if err != nil {
		m.logger.Warn("final balance fetch failed", "session_id", sessionID, "error", err)
		return report, turnErr
	}
	report.After = after
	report.AfterAvailable = true

	if !strings.EqualFold(before.Currency, after.Currency) {
		m.logger.Warn("balance currency changed during turn",
			"session_id", sessionID,
			"before", before.Currency,
			"after", after.Currency)
		return report, turnErr
	}
	report.Delta = before.Amount - after.Amount
	report.DeltaAvailable = true

	m.convert(ctx, &report)

	if report.Delta != 0 {
		m.logger.Info("=== TURN SPEND ===",
			"session_id", sessionID,
			"delta", report.Delta,
			"currency", before.Currency,
			"display", report.Display,
			"display_currency", report.DisplayCurrency)
	}
	return report, turnErr
}

// convert fills the display fields for ledgers denominated in satoshis.
func (m *Meter) convert(ctx context.Context, r *Report) {
	if m.rates == nil || m.pair == "" || !isSats(r.Before.Currency) {
		return
	}
	base, quote, ok := strings.Cut(m.pair, "-")
	if !ok || base != "BTC" {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	price, err := m.rates.Rate(ctx, m.pair)
	if err != nil || price <= 0 {
		m.logger.Warn("rate unavailable", "pair", m.pair, "error", err)
		return
	}

	satsPerUnit := satsPerBTC / price
	r.Display = float64(r.Delta) / satsPerUnit
	r.DisplayCurrency = quote
	r.DisplayAvailable = true
}

func isSats(currency string) bool {
	switch strings.ToUpper(currency) {
	case "SAT", "SATS", "SATOSHI", "SATOSHIS":
		return true
	}
	return false
}

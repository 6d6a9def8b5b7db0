// Package metering reports what a conversation turn cost.
//
// # Overview
//
// Meter.Run reads the wallet balance, runs the turn, reads the balance again
// and reports Delta = before - after (positive means sats were spent):
//
//   - If the first read fails the turn is not run and ErrBalanceFetchFailed
//     is returned.
//   - If the second read fails, or the currency changed, the turn result is
//     kept and DeltaAvailable is false.
//
// # Display Conversion
//
// For satoshi ledgers the delta is also converted for display using the
// configured pair (default BTC-USD): display = delta / (1e8 / price).
// CachedRate fetches each pair's price once per process, coalescing
// concurrent first callers with singleflight. A failed fetch is not cached
// and only clears DisplayAvailable.
package metering

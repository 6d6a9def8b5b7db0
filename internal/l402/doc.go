// Package l402 is the invocation transport shared by every loaded capability.
//
// # Overview
//
// A Client sends plain HTTP requests. When a server answers 402 Payment
// Required with an L402 (or LSAT) challenge, the Client pays the invoice
// through its Payer, stores the macaroon and preimage, and retries once with
//
//	Authorization: L402 <macaroon>:<preimage>
//
// Credentials are keyed by scheme, host and path, so later calls to the same
// endpoint with a different query reuse the paid token. A rejected cached
// token is dropped and paid for again.
//
// # Credential Storage
//
// With Options.Credentials set (store.SQLiteStore satisfies CredentialStore)
// paid tokens survive restarts. Without it they are kept in memory.
//
// # Errors
//
//   - ErrHostNotAllowed: the endpoint host is outside Options.AllowedHosts.
//   - ErrPaymentRequired: a 402 could not be answered.
//   - ErrPaymentFailed: the Payer failed or timed out.
//   - ErrRequestFailed: bad endpoint, network failure or non-2xx status.
//
// # Payers
//
// AlbyPayer pays through the Alby wallet API. Tests use a fake Payer.
package l402

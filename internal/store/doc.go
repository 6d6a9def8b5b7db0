// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with one interface
// per concern:
//
//   - TurnStore: the per-turn spend ledger
//   - AcquisitionStore: audit of every capability acquisition attempt
//   - CredentialStore: paid L402 credentials reused across restarts
//   - UsageStore: language model token usage per turn
//
// SQLiteStore implements all of them in a single struct. Consumers declare the
// narrow interface they need.
//
// # Data Models
//
//   - Turn: question, answer, balances before and after, delta and the tools
//     added during the turn
//   - Acquisition: URI, the stage reached and the resulting identifier or error
//   - L402Credential: macaroon and preimage for one endpoint
//   - TokenUsage: input and output tokens for one model within a turn
//
// Conversation history and loaded capabilities are not persisted; they live
// in the in-memory session store.
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite (no cgo) with WAL mode and a busy timeout:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// The schema is created on open. Timestamps are stored as fixed-width UTC
// text so they sort lexically.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Tests open a real database in t.TempDir():
//
//	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
package store

// Package session holds live conversations in a bounded LRU.
//
// # Overview
//
// A session is a conversation history plus the capabilities loaded for it,
// keyed by a caller-supplied id. The Store keeps at most Capacity sessions;
// creating one more evicts the least recently used session and, through the
// onEvict hook, lets the loader delete its artifacts. History and
// capabilities are always evicted together.
//
// # Access Rules
//
//   - Every operation on a session promotes it to most recently used.
//   - Snapshot and Touch never create a session.
//   - GetOrCreate, AppendCapability, ReplaceHistory and Lock create it if absent.
//   - Snapshots are copies; mutating one never changes the store.
//   - AppendCapability never replaces: a repeated identifier is suffixed.
//
// # Locking
//
// One store mutex guards the map and the LRU list and is held only for
// structural changes. Each session has its own data mutex, and a separate
// turn mutex (Lock) that the orchestrator holds for a whole turn so two
// turns on the same session never interleave.
package session

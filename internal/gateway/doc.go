// Package gateway serves the ant-gateway HTTP API.
//
// # Overview
//
// The gateway owns the HTTP server and the collaborators behind it: the
// SQLite store, the conversation service (sessions, capability acquisition
// and the tool loop) and the wallet meter. New builds every collaborator
// from configuration; NewWithComponents serves collaborators built elsewhere,
// which is how the tests drive the handlers.
//
// # HTTP API
//
//   - POST /ask - Run one metered turn ({"session_id","question"}; X-Session-ID is accepted in place of session_id)
//   - GET /balance, GET /get_balance - Current wallet balance
//   - GET /sessions - Live session ids, least recently used first
//   - GET /sessions/{id} - Capabilities and history length of a live session
//   - DELETE /sessions/{id} - Drop a session and its capabilities
//   - POST /sessions/{id}/tools - Acquire a capability from {"uri"} outside a turn
//   - GET /sessions/{id}/turns - Recorded turns, newest first (?limit=N)
//   - GET /sessions/{id}/events - Session events as Server-Sent Events
//   - GET /sessions/{id}/acquisitions - Audited acquisition attempts, failures included
//   - GET /turns/{id} - One recorded turn with per-model token usage
//   - GET /stats - Spend and token totals (?session_id=, ?since=, ?until=)
//   - GET /health - Liveness check, never authenticated
//
// When auth.jwt_secret is set every route except /health requires a bearer
// token signed with it.
//
// Errors are JSON objects of the form {"error": "..."}. Invalid input maps to
// 400, a failing wallet or model to 502, anything else to 500.
//
// A POST /ask carrying an Idempotency-Key header already seen from the same
// subject within ten minutes is rejected with 409 instead of paying twice.
//
// # Event Stream
//
//	event: started
//	data: {"session_id":"s1","stream_id":"..."}
//
//	event: capability_added
//	data: {"type":"capability_added","session_id":"s1","identifier":"fetch_resource",...}
//
//	event: turn_completed
//	data: {"type":"turn_completed","session_id":"s1","answer":"...",...}
//
// Comments are sent every 15 seconds to keep idle connections open. The stream
// ends with a closed event when the gateway shuts down.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is cancelled and shutdown completes
//
// With tailscale.enabled the listener comes from an embedded tsnet node
// instead of server.http_addr: plain HTTP on :80 inside the tailnet, or public
// HTTPS on :443 when tailscale.funnel is set.
//
// Shutdown stops the HTTP server, closes event streams, stops the tailscale
// node and closes the store.
//
// # Key Files
//
//   - gateway.go: Gateway struct, routes, Run/Shutdown
//   - components.go: Building collaborators from configuration
//   - api.go: HTTP handlers and SSE streaming
//   - ledger.go: Read-only handlers over the persisted turn and acquisition ledger
//   - tailnet.go: tsnet listener
package gateway

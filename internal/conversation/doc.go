// Package conversation runs agent turns and acquires capabilities at runtime.
//
// # Overview
//
// The conversation package sits between the HTTP handlers and the language
// model. A turn takes the session's history and capabilities from the session
// store, hands them to a ToolLoop together with the bootstrap add_l402_tool,
// and writes the resulting history back.
//
// # Service
//
//	svc, err := conversation.New(conversation.Deps{
//	    Sessions:    sessions,
//	    Resolver:    resolver,
//	    Synthesizer: synthesizer,
//	    Loader:      engine,
//	    ToolLoop:    llmClient,
//	    Meter:       meter,
//	    Store:       db,
//	}, logger)
//
// Key operations:
//
//   - RunTurn(ctx, sessionID, question): one turn, serialized per session
//   - Ask(ctx, sessionID, question): RunTurn bracketed by balance reads and
//     recorded in the spend ledger
//   - AddCapability(ctx, sessionID, uri): acquire and store outside a turn
//   - Acquire(ctx, sessionID, uri, existing): resolve, synthesize and load
//
// # Acquisition
//
// When the model calls add_l402_tool the URI goes through three stages:
//
//  1. resolve: fetch and validate the resource descriptor
//  2. synthesize: ask the generator for a Go function calling the resource
//  3. load: evaluate the function in an interpreter and bind it
//
// A failure at any stage is an *AcquireError naming the stage. Inside a turn
// it becomes the tool result "failed to add tool: <stage>: <err>" and the
// turn continues. The new capability is offered to the model immediately and
// appended to the session when the turn ends. Every attempt is recorded in the
// acquisition audit table.
//
// # Events
//
// EventBroadcaster fans out capability_added, acquisition_failed,
// turn_completed and turn_failed events per session id. The gateway streams
// them as server-sent events.
package conversation

// Package loader turns generated Go source into invocable capabilities.
//
// # Overview
//
// Engine.Load takes the code produced for a descriptor and:
//
//  1. Parses it, supplying "package capability" when the clause is missing.
//  2. Checks imports against the allowlist and adds allowlisted imports the
//     code references without declaring. The l402 package is always injected.
//  3. Picks the entry point: the first top-level function that is not a
//     method, main or init.
//  4. Derives the identifier (FetchResource becomes fetch_resource) and
//     suffixes it with _2, _3 ... when the session already has it.
//  5. Writes the normalized source to
//     <artifact_dir>/<session hash>/<identifier>-<8 hex>.go.
//  6. Evaluates it in a fresh yaegi interpreter and binds the entry point.
//
// # The l402 Package
//
// Capabilities never see credentials. They call
//
//	l402.Get(ctx, endpoint, query)
//	l402.Post(ctx, endpoint, body)
//	l402.Do(ctx, method, endpoint, query, body)
//
// which are closures over the Engine's Transport.
//
// # Invocation
//
// Capability.Invoke decodes a JSON object of named arguments into the entry
// point's parameters, passes ctx to a context.Context parameter, enforces the
// call timeout and converts panics into errors.
//
// # Cleanup
//
// Engine.Release deletes a session's artifact directory. The session store
// calls it when a session is evicted.
package loader

// Package descriptor resolves l402:// URIs into resource descriptors.
//
// # Overview
//
// A descriptor is the JSON document a paid resource publishes about itself:
// its name, the endpoint and method to call, its price and an optional
// authentication block. The Resolver rewrites the URI to http (loopback hosts)
// or https (everything else), issues a single GET and validates the body.
//
// # Errors
//
//   - ErrInvalidURIFormat: wrong scheme, missing host, or host outside the allowlist.
//     No request is made.
//   - ErrTransport: the request failed, timed out, returned non-2xx or exceeded
//     the body limit.
//   - ErrMalformedDescriptor: the body is not JSON, fails the embedded schema
//     (access.endpoint and access.method are required), or its version does not
//     satisfy the configured constraint.
//
// Nothing is retried.
//
// # Authentication
//
// Descriptor.StripAuth removes access.authentication. Only stripped descriptors
// are handed to code generation; credentials are the invocation transport's job.
package descriptor

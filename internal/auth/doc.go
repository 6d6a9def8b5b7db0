// Package auth provides bearer token authentication for the ant-gateway HTTP API.
//
// # Authentication
//
// API clients authenticate with JWT tokens signed with HS256 using the
// configured auth.jwt_secret (at least MinSecretLength bytes). The "sub" claim
// names the caller and is logged with each request. Tokens are minted with
// the `ant-gateway token <subject>` command.
//
// When no secret is configured the API is open.
//
// # HTTP Middleware
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	handler = auth.HTTPAuthMiddleware(verifier, logger)(handler)
//
// Handlers read the caller with auth.Subject(r.Context()).
//
// # Error Handling
//
//   - ErrInvalidToken: bad signature, wrong algorithm or malformed token
//   - ErrExpiredToken: token past its exp claim
//   - ErrMissingClaim: token without a subject
//   - ErrWeakSecret: signing secret shorter than MinSecretLength
package auth

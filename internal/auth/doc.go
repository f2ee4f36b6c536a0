// Package auth identifies the operator behind each HTTP API request.
//
// # JWT Tokens
//
// When auth.jwt_secret is configured, every API request must carry an HS256
// token signed with that secret. The "sub" claim is the operator id recorded
// on messages, takes and closures:
//
//	Authorization: Bearer <token>
//
// Browser EventSource and WebSocket clients may pass the token as the
// access_token query parameter instead.
//
// # Header Identity
//
// Without a secret the API trusts the X-Operator-ID header, and requests
// without it act as the anonymous "operator". This mode is meant for a
// gateway deployed behind an authenticating proxy.
//
// Handlers read the identity with FromContext or OperatorID.
package auth

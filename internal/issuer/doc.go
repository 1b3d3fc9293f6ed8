// Package issuer wraps all outbound calls to the OIDC issuer: endpoint
// discovery, the authorization-code and refresh grants, RFC 8693 token
// exchange, and RFC 7662 introspection.
//
// Endpoint discovery runs lazily on the first network call and is memoized,
// so purely local operations (listing cached tokens) never touch the
// network. Every call carries a bounded timeout; network failures surface as
// *TransportError and protocol rejections as *GrantError, never as a hang.
package issuer

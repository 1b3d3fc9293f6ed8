// Package session is the multi-service token broker behind every srcnet
// command: a single local credential store serving access tokens for many
// independent downstream services.
//
// The Session facade is the one entry point collaborators use. API clients
// only ever call GetAccessToken to attach a bearer header; the interactive
// front end additionally drives BeginAuthorization/CompleteAuthorization and
// ExchangeToken. Tokens are cached in memory for the life of the process,
// written through to the tokenstore on every mutation, and refreshed ahead
// of expiry so GetAccessToken never returns an expired token.
package session

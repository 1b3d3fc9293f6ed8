package tokenstore

import (
	"fmt"
	"time"
)

// TokenType records how a token was obtained.
type TokenType string

const (
	// TokenTypeAuthorizationCode marks tokens from an interactive
	// authorization-code grant.
	TokenTypeAuthorizationCode TokenType = "authorization_code"

	// TokenTypeRefreshed marks tokens minted by the refresh grant.
	TokenTypeRefreshed TokenType = "refreshed"

	// TokenTypeExchanged marks tokens minted by RFC 8693 token exchange.
	TokenTypeExchanged TokenType = "exchanged"
)

// Valid reports whether t is one of the known token types.
func (t TokenType) Valid() bool {
	switch t {
	case TokenTypeAuthorizationCode, TokenTypeRefreshed, TokenTypeExchanged:
		return true
	}
	return false
}

// TokenRecord is one stored credential, keyed by the service (audience) it
// authorizes access to.
type TokenRecord struct {
	ServiceName  string    `json:"service_name"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IssuedAt     int64     `json:"issued_at"`
	ExpiresAt    int64     `json:"expires_at"`
	TokenType    TokenType `json:"token_type"`

	// PathOnDisk is set by the store when the record is read from or written
	// to durable storage. Empty for in-memory-only records.
	PathOnDisk string `json:"-"`
}

// Validate checks the record's internal invariants before it is persisted.
func (r *TokenRecord) Validate() error {
	if r.ServiceName == "" {
		return fmt.Errorf("token record has no service name")
	}
	if r.AccessToken == "" {
		return fmt.Errorf("token record for %s has no access token", r.ServiceName)
	}
	if !r.TokenType.Valid() {
		return fmt.Errorf("token record for %s has unknown token type %q", r.ServiceName, r.TokenType)
	}
	if r.ExpiresAt <= r.IssuedAt {
		return fmt.Errorf("token record for %s expires at %d, before issuance at %d", r.ServiceName, r.ExpiresAt, r.IssuedAt)
	}
	return nil
}

// Expired reports whether the record's access token has expired at now.
func (r *TokenRecord) Expired(now time.Time) bool {
	return r.ExpiresAt <= now.Unix()
}

// ExpiresWithin reports whether the record expires at or before now+margin.
// Used to refresh slightly ahead of expiry so a returned token stays valid
// long enough to be used.
func (r *TokenRecord) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return r.ExpiresAt <= now.Add(margin).Unix()
}

// Refreshable reports whether the record carries a refresh token.
func (r *TokenRecord) Refreshable() bool {
	return r.RefreshToken != ""
}

// Clone returns a copy of the record, safe to mutate without affecting
// cached state.
func (r *TokenRecord) Clone() *TokenRecord {
	clone := *r
	return &clone
}

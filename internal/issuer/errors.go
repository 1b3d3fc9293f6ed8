package issuer

import (
	"errors"
	"fmt"
)

// ErrInvalidGrant matches protocol-level grant rejections by the issuer
// (expired or already-used authorization code, revoked refresh token).
// Use errors.Is against GrantError values.
var ErrInvalidGrant = errors.New("invalid grant")

// GrantError is an OAuth error response from the issuer's token endpoint
// (RFC 6749 §5.2).
type GrantError struct {
	Code        string // e.g. "invalid_grant", "access_denied"
	Description string
}

func (e *GrantError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("issuer rejected grant: %s", e.Code)
	}
	return fmt.Sprintf("issuer rejected grant: %s: %s", e.Code, e.Description)
}

func (e *GrantError) Unwrap() error {
	if e.Code == "invalid_grant" {
		return ErrInvalidGrant
	}
	return nil
}

// TransportError is a network-level failure (connection refused, DNS,
// timeout) talking to an issuer endpoint.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("issuer unreachable at %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

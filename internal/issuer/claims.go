package issuer

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// UnverifiedClaims decodes the claims of a JWT access token without
// signature verification. The issuer remains authoritative for validity
// (via introspection); this is only used to read the audience and timestamps
// the token was minted with.
func UnverifiedClaims(accessToken string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("decoding access token claims: %w", err)
	}
	return claims, nil
}

// Audience returns the first audience claim of the token, or "" if the token
// is not a JWT or carries none.
func Audience(accessToken string) string {
	claims, err := UnverifiedClaims(accessToken)
	if err != nil {
		return ""
	}
	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 {
		return ""
	}
	return aud[0]
}

// tokenFromOAuth2 converts an x/oauth2 token, recovering timestamps from JWT
// claims when the token response omitted them.
func tokenFromOAuth2(tok *oauth2.Token) *Token {
	result := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     time.Now(),
		ExpiresAt:    tok.Expiry,
	}
	fillFromClaims(result)
	return result
}

// fillFromClaims backfills IssuedAt/ExpiresAt from the access token's iat and
// exp claims where the token endpoint response left them unset.
func fillFromClaims(tok *Token) {
	claims, err := UnverifiedClaims(tok.AccessToken)
	if err != nil {
		return
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		tok.IssuedAt = iat.Time
	}
	if tok.ExpiresAt.IsZero() {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			tok.ExpiresAt = exp.Time
		}
	}
}

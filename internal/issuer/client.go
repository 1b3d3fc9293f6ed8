package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Token type URNs from RFC 8693.
const (
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
)

// DefaultTimeout bounds every outbound issuer call unless overridden.
const DefaultTimeout = 30 * time.Second

// Config describes the OIDC issuer and the client registered with it.
type Config struct {
	// URL is the issuer base URL; endpoints are discovered from its
	// well-known metadata unless overridden below.
	URL          string
	ClientID     string
	ClientSecret string // empty for public clients (PKCE)
	Scopes       []string
	RedirectURL  string
	Timeout      time.Duration

	// Optional endpoint overrides. When all three are set, no discovery
	// request is made.
	AuthorizationEndpoint string
	TokenEndpoint         string
	IntrospectionEndpoint string
}

// endpoints is the resolved set of issuer endpoints.
type endpoints struct {
	authorization string
	token         string
	introspection string
}

// Token is a credential returned by one of the issuer's grants.
type Token struct {
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Client talks to the issuer's authorization, token, and introspection
// endpoints. Endpoint discovery is lazy and memoized, so constructing a
// Client (and any purely local operation) performs no I/O.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu       sync.Mutex
	resolved *endpoints
}

// New creates a Client for the configured issuer. No I/O is performed until
// the first network call.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" && (cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "") {
		return nil, fmt.Errorf("issuer URL or explicit endpoints required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("issuer client id required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// resolve returns the issuer endpoints, performing OIDC discovery on first
// use. Failed discovery is not memoized, so a transient network error does
// not poison the client.
func (c *Client) resolve(ctx context.Context) (*endpoints, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolved != nil {
		return c.resolved, nil
	}

	eps := &endpoints{
		authorization: c.cfg.AuthorizationEndpoint,
		token:         c.cfg.TokenEndpoint,
		introspection: c.cfg.IntrospectionEndpoint,
	}

	if eps.authorization == "" || eps.token == "" || eps.introspection == "" {
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.httpClient), c.cfg.URL)
		if err != nil {
			return nil, &TransportError{Endpoint: c.cfg.URL, Err: err}
		}

		discovered := provider.Endpoint()
		if eps.authorization == "" {
			eps.authorization = discovered.AuthURL
		}
		if eps.token == "" {
			eps.token = discovered.TokenURL
		}
		if eps.introspection == "" {
			var extra struct {
				IntrospectionEndpoint string `json:"introspection_endpoint"`
			}
			if err := provider.Claims(&extra); err != nil {
				return nil, fmt.Errorf("decoding issuer metadata: %w", err)
			}
			eps.introspection = extra.IntrospectionEndpoint
		}
	}

	c.resolved = eps
	return eps, nil
}

// oauth2Config builds the x/oauth2 configuration for the resolved endpoints.
func (c *Client) oauth2Config(eps *endpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Scopes:       c.cfg.Scopes,
		RedirectURL:  c.cfg.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   eps.authorization,
			TokenURL:  eps.token,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// oauthContext injects our bounded-timeout HTTP client into the oauth2
// package per its documented context key.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// AuthCodeURL builds the browser authorization URL for the given single-use
// state and PKCE verifier.
func (c *Client) AuthCodeURL(ctx context.Context, state, verifier string) (string, error) {
	eps, err := c.resolve(ctx)
	if err != nil {
		return "", err
	}
	return c.oauth2Config(eps).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// ExchangeAuthorizationCode redeems an authorization code (with its PKCE
// verifier) for tokens at the issuer's token endpoint.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code, verifier string) (*Token, error) {
	eps, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := c.oauth2Config(eps).Exchange(c.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, c.mapOAuth2Error(eps.token, err)
	}
	return tokenFromOAuth2(tok), nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	eps, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}

	source := c.oauth2Config(eps).TokenSource(c.oauthContext(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
	})
	tok, err := source.Token()
	if err != nil {
		return nil, c.mapOAuth2Error(eps.token, err)
	}

	result := tokenFromOAuth2(tok)
	// Issuers that do not rotate refresh tokens return none; keep the one
	// we already hold so the record stays refreshable.
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}
	return result, nil
}

// ExchangeToken performs the RFC 8693 token-exchange grant, converting
// subjectToken into a token scoped to the target audience.
func (c *Client) ExchangeToken(ctx context.Context, subjectToken, audience string) (*Token, error) {
	eps, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", grantTypeTokenExchange)
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", tokenTypeAccessToken)
	form.Set("requested_token_type", tokenTypeAccessToken)
	form.Set("audience", audience)
	form.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	if len(c.cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(c.cfg.Scopes, " "))
	}

	var payload struct {
		AccessToken      string `json:"access_token"`
		RefreshToken     string `json:"refresh_token"`
		ExpiresIn        int64  `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := c.postForm(ctx, eps.token, form, &payload); err != nil {
		return nil, err
	}
	if payload.Error != "" {
		return nil, &GrantError{Code: payload.Error, Description: payload.ErrorDescription}
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("token exchange response carries no access token")
	}

	issuedAt := time.Now()
	result := &Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		IssuedAt:     issuedAt,
	}
	if payload.ExpiresIn > 0 {
		result.ExpiresAt = issuedAt.Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	fillFromClaims(result)
	return result, nil
}

// Introspect returns the issuer's introspection claims for the token
// (RFC 7662). The caller interprets the "active" claim.
func (c *Client) Introspect(ctx context.Context, token string) (map[string]any, error) {
	eps, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if eps.introspection == "" {
		return nil, fmt.Errorf("issuer advertises no introspection endpoint")
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")
	form.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	var claims map[string]any
	if err := c.postForm(ctx, eps.introspection, form, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// postForm sends a form-encoded POST and decodes the JSON response into out.
// OAuth error payloads on 4xx responses are surfaced as GrantErrors.
func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: err}
	}

	if resp.StatusCode >= 400 {
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
			return &GrantError{Code: oauthErr.Error, Description: oauthErr.ErrorDescription}
		}
		return &TransportError{
			Endpoint: endpoint,
			Err:      fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", endpoint, err)
	}
	return nil
}

// mapOAuth2Error converts x/oauth2 failures into the client's error types.
func (c *Client) mapOAuth2Error(endpoint string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" {
			return &GrantError{Code: retrieveErr.ErrorCode, Description: retrieveErr.ErrorDescription}
		}
		return &TransportError{
			Endpoint: endpoint,
			Err:      fmt.Errorf("unexpected status %d", retrieveErr.Response.StatusCode),
		}
	}
	return &TransportError{Endpoint: endpoint, Err: err}
}

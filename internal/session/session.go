package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ska-src/srcnet-cli/internal/issuer"
	"github.com/ska-src/srcnet-cli/internal/tokenstore"
)

// DefaultVersion is the service version used when none is given.
const DefaultVersion = "latest"

// DefaultRefreshMargin is how far ahead of expiry a token is refreshed, so a
// returned token stays valid long enough to be used.
const DefaultRefreshMargin = 60 * time.Second

// defaultPreviewLength is how many leading characters of an access token are
// shown in listings. The full secret is never surfaced there.
const defaultPreviewLength = 24

// Service describes one downstream service tokens can be exchanged for.
type Service struct {
	// Audiences maps a version label to the audience/resource identifier
	// the issuer scopes exchanged tokens to. DefaultVersion must be present.
	Audiences map[string]string
}

// Config carries the validated configuration the session core consumes.
type Config struct {
	// IdentityService keys the record written by the interactive flow when
	// the token itself names no audience, and is the preferred exchange
	// source.
	IdentityService string

	// RefreshMargin is the safety margin ahead of expiry at which tokens
	// are refreshed.
	RefreshMargin time.Duration

	// Services maps service names to their exchange audiences.
	Services map[string]Service
}

// TokenSummary is one row of a token listing. Previews are truncated; the
// full secret never appears here.
type TokenSummary struct {
	ServiceName     string
	Preview         string
	ExpiresAtUTC    time.Time
	ExpiresAtLocal  time.Time
	PathOnDisk      string
	HasRefreshToken bool
	TokenType       tokenstore.TokenType
}

// Session brokers tokens for many downstream services from one local store:
// it acquires them interactively, refreshes them ahead of expiry, exchanges
// them across audiences, and serves them to API clients. One instance is
// threaded explicitly through callers; there is no process-wide state.
type Session struct {
	cfg    Config
	store  tokenstore.Store
	client *issuer.Client
	cache  *cache
	flow   *flow

	// Coalesces concurrent refreshes of the same service when the facade is
	// embedded in a concurrent host.
	refreshGroup singleflight.Group

	now func() time.Time
}

// New creates a Session over the given store and issuer client. pendingPath
// is where an in-progress authorization flow is parked between processes.
// No I/O is performed; call LoadTokensFromDisk before serving tokens.
func New(cfg Config, store tokenstore.Store, client *issuer.Client, pendingPath string) (*Session, error) {
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}
	if client == nil {
		return nil, fmt.Errorf("missing issuer client")
	}
	if cfg.IdentityService == "" {
		return nil, fmt.Errorf("missing identity service name")
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}

	return &Session{
		cfg:    cfg,
		store:  store,
		client: client,
		cache:  newCache(),
		flow:   newFlow(client, pendingPath),
		now:    time.Now,
	}, nil
}

// LoadTokensFromDisk rebuilds the in-memory cache from the store. Idempotent;
// each CLI invocation calls it once at startup.
func (s *Session) LoadTokensFromDisk(ctx context.Context) error {
	records, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading tokens: %w", err)
	}
	s.cache.replace(records)
	return nil
}

// GetAccessToken returns a non-expired access token for the service,
// transparently refreshing first when the cached record is at or near expiry
// and carries a refresh token. Returns ErrTokenUnavailable when no usable
// credential exists; the stale record is kept for diagnostics.
func (s *Session) GetAccessToken(ctx context.Context, serviceName string) (string, error) {
	record := s.cache.get(serviceName)
	if record == nil {
		return "", fmt.Errorf("no token for service %s: %w", serviceName, ErrTokenUnavailable)
	}

	if !record.ExpiresWithin(s.now(), s.cfg.RefreshMargin) {
		return record.AccessToken, nil
	}

	if !record.Refreshable() {
		return "", fmt.Errorf("token for service %s expired and has no refresh token: %w", serviceName, ErrTokenUnavailable)
	}

	refreshed, err := s.refresh(ctx, record)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refresh replaces the record in place via the refresh grant. Concurrent
// refreshes of the same service are coalesced. A rejected refresh token
// leaves the stale record untouched and reports ErrTokenUnavailable.
func (s *Session) refresh(ctx context.Context, record *tokenstore.TokenRecord) (*tokenstore.TokenRecord, error) {
	result, err, _ := s.refreshGroup.Do(record.ServiceName, func() (any, error) {
		token, err := s.client.Refresh(ctx, record.RefreshToken)
		if err != nil {
			if errors.Is(err, issuer.ErrInvalidGrant) {
				return nil, fmt.Errorf("refresh token for service %s rejected by issuer: %w", record.ServiceName, ErrTokenUnavailable)
			}
			return nil, err
		}

		refreshed, err := s.recordFromToken(record.ServiceName, token, tokenstore.TokenTypeRefreshed)
		if err != nil {
			return nil, err
		}
		if err := s.persist(ctx, refreshed); err != nil {
			return nil, err
		}

		slog.DebugContext(ctx, "refreshed access token", "service", record.ServiceName)
		return refreshed, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*tokenstore.TokenRecord).Clone(), nil
}

// BeginAuthorization starts the interactive authorization-code flow and
// returns the URL the user must visit plus the single-use state the issuer
// will echo back. The flow is refused over a read-only store, where the
// resulting record could not be persisted.
func (s *Session) BeginAuthorization(ctx context.Context) (loginURL, state string, err error) {
	if err := s.requireWritableStore(); err != nil {
		return "", "", err
	}
	return s.flow.begin(ctx)
}

// CompleteAuthorization redeems the code+state pair the user pasted back.
// On success the resulting record is persisted keyed by the token's audience
// (falling back to the configured identity service) and returned.
func (s *Session) CompleteAuthorization(ctx context.Context, code, state string) (*tokenstore.TokenRecord, error) {
	// Checked again here so the one-time code is never redeemed when the
	// record could not be saved afterwards.
	if err := s.requireWritableStore(); err != nil {
		return nil, err
	}

	token, err := s.flow.complete(ctx, code, state)
	if err != nil {
		return nil, err
	}

	serviceName := issuer.Audience(token.AccessToken)
	if serviceName == "" {
		serviceName = s.cfg.IdentityService
	}

	record, err := s.recordFromToken(serviceName, token, tokenstore.TokenTypeAuthorizationCode)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, record); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "authorization complete", "service", serviceName)
	return record.Clone(), nil
}

// ExchangeToken mints a token scoped to the target service from an existing
// valid token, without a fresh interactive login. The result is persisted
// and cached under the target service name; the source record is untouched.
func (s *Session) ExchangeToken(ctx context.Context, serviceName, version string) (*tokenstore.TokenRecord, error) {
	if version == "" {
		version = DefaultVersion
	}

	service, ok := s.cfg.Services[serviceName]
	if !ok {
		return nil, &UnknownServiceError{Service: serviceName}
	}
	audience, ok := service.Audiences[version]
	if !ok {
		return nil, &UnknownServiceError{Service: serviceName, Version: version}
	}

	sourceToken, err := s.sourceToken(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	token, err := s.client.ExchangeToken(ctx, sourceToken, audience)
	if err != nil {
		var grantErr *issuer.GrantError
		if errors.As(err, &grantErr) {
			return nil, &ExchangeDeniedError{Service: serviceName, Err: err}
		}
		return nil, err
	}

	// Whether exchanged tokens are refreshable is issuer policy: the record
	// carries a refresh token exactly when the response did.
	record, err := s.recordFromToken(serviceName, token, tokenstore.TokenTypeExchanged)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, record); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "exchanged token", "service", serviceName, "audience", audience)
	return record.Clone(), nil
}

// sourceToken picks a currently valid token to feed the exchange grant: the
// identity service's if usable, else any other cached service's, refreshing
// as needed. The target's own (possibly expired) record is never the source.
func (s *Session) sourceToken(ctx context.Context, targetService string) (string, error) {
	candidates := []string{}
	if s.cfg.IdentityService != targetService {
		candidates = append(candidates, s.cfg.IdentityService)
	}
	for _, record := range s.cache.all() {
		if record.ServiceName == targetService || record.ServiceName == s.cfg.IdentityService {
			continue
		}
		candidates = append(candidates, record.ServiceName)
	}

	for _, name := range candidates {
		token, err := s.GetAccessToken(ctx, name)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrTokenUnavailable) {
			return "", err
		}
	}
	return "", fmt.Errorf("no valid token to exchange, login first: %w", ErrTokenUnavailable)
}

// InspectAccessToken returns the issuer's introspection claims for the
// service's token. Expired records may still be inspected; that is the point
// of keeping them.
func (s *Session) InspectAccessToken(ctx context.Context, serviceName string) (map[string]any, error) {
	record := s.cache.get(serviceName)
	if record == nil {
		return nil, fmt.Errorf("no token for service %s: %w", serviceName, ErrTokenUnavailable)
	}
	return s.client.Introspect(ctx, record.AccessToken)
}

// ListAccessTokens summarizes every cached record, ordered by service name.
func (s *Session) ListAccessTokens() []TokenSummary {
	records := s.cache.all()
	summaries := make([]TokenSummary, 0, len(records))
	for _, record := range records {
		expiresAt := time.Unix(record.ExpiresAt, 0)
		summaries = append(summaries, TokenSummary{
			ServiceName:     record.ServiceName,
			Preview:         maskToken(record.AccessToken),
			ExpiresAtUTC:    expiresAt.UTC(),
			ExpiresAtLocal:  expiresAt.Local(),
			PathOnDisk:      record.PathOnDisk,
			HasRefreshToken: record.Refreshable(),
			TokenType:       record.TokenType,
		})
	}
	return summaries
}

// DeleteToken revokes the local record for the service.
func (s *Session) DeleteToken(ctx context.Context, serviceName string) error {
	if err := s.store.Delete(ctx, serviceName); err != nil {
		return err
	}
	s.cache.delete(serviceName)
	return nil
}

// requireWritableStore rejects operations whose result must be persisted
// when the configured store cannot save it.
func (s *Session) requireWritableStore() error {
	if s.store.ReadOnly() {
		return fmt.Errorf("interactive authorization needs writable token storage: %w", tokenstore.ErrReadOnly)
	}
	return nil
}

// persist writes through to the store, then mirrors into the cache.
func (s *Session) persist(ctx context.Context, record *tokenstore.TokenRecord) error {
	if err := s.store.Save(ctx, record); err != nil {
		return err
	}
	s.cache.put(record)
	return nil
}

// recordFromToken converts an issuer token into a persistable record.
func (s *Session) recordFromToken(serviceName string, token *issuer.Token, tokenType tokenstore.TokenType) (*tokenstore.TokenRecord, error) {
	if token.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("issuer response for %s carries no expiry", serviceName)
	}

	record := &tokenstore.TokenRecord{
		ServiceName:  serviceName,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IssuedAt:     token.IssuedAt.Unix(),
		ExpiresAt:    token.ExpiresAt.Unix(),
		TokenType:    tokenType,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

// maskToken shows at most half of the secret, capped at the preview length,
// so short credentials leak no larger a share than long ones.
func maskToken(accessToken string) string {
	return accessToken[:min(len(accessToken)/2, defaultPreviewLength)] + "..."
}

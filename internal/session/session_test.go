package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ska-src/srcnet-cli/internal/issuer"
	"github.com/ska-src/srcnet-cli/internal/tokenstore"
)

// brokerFixture is a session over a real file store and a scripted token
// endpoint.
type brokerFixture struct {
	session *Session
	store   *tokenstore.FileStore

	tokenStatus   int
	tokenResponse map[string]any
	tokenRequests []url.Values
	claims        map[string]any
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()

	f := &brokerFixture{
		tokenStatus: http.StatusOK,
		tokenResponse: map[string]any{
			"access_token": "minted-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		},
		claims: map[string]any{"active": true},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.tokenRequests = append(f.tokenRequests, r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.tokenStatus)
		_ = json.NewEncoder(w).Encode(f.tokenResponse)
	})
	mux.HandleFunc("/introspect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.claims)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := issuer.New(issuer.Config{
		ClientID:              "srcnet-cli",
		RedirectURL:           "urn:ietf:wg:oauth:2.0:oob",
		AuthorizationEndpoint: server.URL + "/authorize",
		TokenEndpoint:         server.URL + "/token",
		IntrospectionEndpoint: server.URL + "/introspect",
		Timeout:               5 * time.Second,
	})
	if err != nil {
		t.Fatalf("issuer.New() error = %v", err)
	}

	root := t.TempDir()
	store, err := tokenstore.NewFileStore(filepath.Join(root, "tokens"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	f.store = store

	cfg := Config{
		IdentityService: "authn-api",
		RefreshMargin:   time.Minute,
		Services: map[string]Service{
			"svc-b": {Audiences: map[string]string{"latest": "svc-b-audience"}},
		},
	}
	sess, err := New(cfg, store, client, filepath.Join(root, ".pending"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.session = sess
	return f
}

func (f *brokerFixture) seed(t *testing.T, serviceName string, expiresIn time.Duration, refreshToken string) *tokenstore.TokenRecord {
	t.Helper()

	now := time.Now()
	record := &tokenstore.TokenRecord{
		ServiceName:  serviceName,
		AccessToken:  "access-" + serviceName,
		RefreshToken: refreshToken,
		IssuedAt:     now.Add(-time.Minute).Unix(),
		ExpiresAt:    now.Add(expiresIn).Unix(),
		TokenType:    tokenstore.TokenTypeAuthorizationCode,
	}
	if err := f.store.Save(context.Background(), record); err != nil {
		t.Fatalf("seeding record for %s: %v", serviceName, err)
	}
	if err := f.session.LoadTokensFromDisk(context.Background()); err != nil {
		t.Fatalf("LoadTokensFromDisk() error = %v", err)
	}
	return record
}

func TestGetAccessTokenEmptyStore(t *testing.T) {
	f := newBrokerFixture(t)

	_, err := f.session.GetAccessToken(context.Background(), "svc-a")
	if !errors.Is(err, ErrTokenUnavailable) {
		t.Errorf("GetAccessToken() error = %v, want ErrTokenUnavailable", err)
	}
}

func TestGetAccessTokenValidNoNetwork(t *testing.T) {
	f := newBrokerFixture(t)
	record := f.seed(t, "svc-a", time.Hour, "")

	token, err := f.session.GetAccessToken(context.Background(), "svc-a")
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if token != record.AccessToken {
		t.Errorf("GetAccessToken() = %q, want %q unchanged", token, record.AccessToken)
	}
	if len(f.tokenRequests) != 0 {
		t.Errorf("token endpoint hit %d times, want 0", len(f.tokenRequests))
	}
}

func TestGetAccessTokenExpiredWithRefresh(t *testing.T) {
	f := newBrokerFixture(t)
	f.seed(t, "svc-a", -10*time.Second, "valid-refresh-token")
	f.tokenResponse = map[string]any{
		"access_token":  "refreshed-access",
		"refresh_token": "rotated-refresh",
		"token_type":    "Bearer",
		"expires_in":    3600,
	}

	token, err := f.session.GetAccessToken(context.Background(), "svc-a")
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if token != "refreshed-access" {
		t.Errorf("GetAccessToken() = %q, want the refreshed token", token)
	}

	if len(f.tokenRequests) != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", len(f.tokenRequests))
	}
	if got := f.tokenRequests[0].Get("grant_type"); got != "refresh_token" {
		t.Errorf("grant_type = %q, want refresh_token", got)
	}

	// The replacement must be persisted in place.
	persisted, err := f.store.Load(context.Background(), "svc-a")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if persisted.TokenType != tokenstore.TokenTypeRefreshed {
		t.Errorf("TokenType = %q, want refreshed", persisted.TokenType)
	}
	if persisted.ExpiresAt <= time.Now().Unix() {
		t.Errorf("ExpiresAt = %d, want in the future", persisted.ExpiresAt)
	}
	if persisted.RefreshToken != "rotated-refresh" {
		t.Errorf("RefreshToken = %q, want the rotated one", persisted.RefreshToken)
	}
}

func TestGetAccessTokenExpiredNoRefresh(t *testing.T) {
	f := newBrokerFixture(t)
	f.seed(t, "svc-a", -10*time.Second, "")

	_, err := f.session.GetAccessToken(context.Background(), "svc-a")
	if !errors.Is(err, ErrTokenUnavailable) {
		t.Errorf("GetAccessToken() error = %v, want ErrTokenUnavailable", err)
	}
	if len(f.tokenRequests) != 0 {
		t.Errorf("token endpoint hit %d times, want 0", len(f.tokenRequests))
	}
}

func TestGetAccessTokenRefreshResponseWithoutExpiry(t *testing.T) {
	f := newBrokerFixture(t)
	seeded := f.seed(t, "svc-a", -10*time.Second, "valid-refresh-token")
	f.tokenResponse = map[string]any{
		"access_token": "opaque-no-expiry",
		"token_type":   "Bearer",
	}

	_, err := f.session.GetAccessToken(context.Background(), "svc-a")
	if err == nil {
		t.Fatal("GetAccessToken() error = nil, want an error for a response without expiry")
	}
	if !strings.Contains(err.Error(), "no expiry") {
		t.Errorf("GetAccessToken() error = %v, want it to name the missing expiry", err)
	}
	// The failure is in the issuer's response, not in storage.
	var storeErr *tokenstore.StoreError
	if errors.As(err, &storeErr) {
		t.Errorf("GetAccessToken() error = %v, want no StoreError in the chain", err)
	}

	// The unusable response must not displace the stale record.
	persisted, err := f.store.Load(context.Background(), "svc-a")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if persisted.AccessToken != seeded.AccessToken {
		t.Errorf("stale record replaced: %q", persisted.AccessToken)
	}
}

func TestGetAccessTokenRefreshRejected(t *testing.T) {
	f := newBrokerFixture(t)
	seeded := f.seed(t, "svc-a", -10*time.Second, "revoked-refresh")
	f.tokenStatus = http.StatusBadRequest
	f.tokenResponse = map[string]any{"error": "invalid_grant"}

	_, err := f.session.GetAccessToken(context.Background(), "svc-a")
	if !errors.Is(err, ErrTokenUnavailable) {
		t.Fatalf("GetAccessToken() error = %v, want ErrTokenUnavailable", err)
	}

	// The stale record is kept for diagnostics, not deleted.
	persisted, err := f.store.Load(context.Background(), "svc-a")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if persisted.AccessToken != seeded.AccessToken {
		t.Errorf("stale record replaced: %q", persisted.AccessToken)
	}
}

func TestExchangeToken(t *testing.T) {
	f := newBrokerFixture(t)
	source := f.seed(t, "authn-api", time.Hour, "refresh-token")
	f.tokenResponse = map[string]any{
		"access_token": "svc-b-access",
		"token_type":   "Bearer",
		"expires_in":   1800,
	}

	record, err := f.session.ExchangeToken(context.Background(), "svc-b", "")
	if err != nil {
		t.Fatalf("ExchangeToken() error = %v", err)
	}
	if record.ServiceName != "svc-b" {
		t.Errorf("ServiceName = %q, want svc-b", record.ServiceName)
	}
	if record.TokenType != tokenstore.TokenTypeExchanged {
		t.Errorf("TokenType = %q, want exchanged", record.TokenType)
	}
	if record.RefreshToken != "" {
		t.Error("exchanged record should carry no refresh token when the issuer returned none")
	}

	if len(f.tokenRequests) != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", len(f.tokenRequests))
	}
	form := f.tokenRequests[0]
	if got := form.Get("subject_token"); got != source.AccessToken {
		t.Errorf("subject_token = %q, want the source access token", got)
	}
	if got := form.Get("audience"); got != "svc-b-audience" {
		t.Errorf("audience = %q, want svc-b-audience", got)
	}

	// The source record is left unmodified.
	persistedSource, err := f.store.Load(context.Background(), "authn-api")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if persistedSource.AccessToken != source.AccessToken || persistedSource.TokenType != source.TokenType {
		t.Errorf("source record modified by exchange: %+v", persistedSource)
	}

	// The new record is independently retrievable.
	token, err := f.session.GetAccessToken(context.Background(), "svc-b")
	if err != nil {
		t.Fatalf("GetAccessToken(svc-b) error = %v", err)
	}
	if token != "svc-b-access" {
		t.Errorf("GetAccessToken(svc-b) = %q", token)
	}
}

func TestExchangeTokenUnknownService(t *testing.T) {
	f := newBrokerFixture(t)
	f.seed(t, "authn-api", time.Hour, "")

	_, err := f.session.ExchangeToken(context.Background(), "svc-z", "")
	var unknownErr *UnknownServiceError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("ExchangeToken() error = %v, want *UnknownServiceError", err)
	}

	_, err = f.session.ExchangeToken(context.Background(), "svc-b", "v0")
	if !errors.As(err, &unknownErr) {
		t.Fatalf("ExchangeToken() with unknown version error = %v, want *UnknownServiceError", err)
	}
	if unknownErr.Version != "v0" {
		t.Errorf("Version = %q, want v0", unknownErr.Version)
	}
}

func TestExchangeTokenNoSource(t *testing.T) {
	f := newBrokerFixture(t)

	_, err := f.session.ExchangeToken(context.Background(), "svc-b", "")
	if !errors.Is(err, ErrTokenUnavailable) {
		t.Errorf("ExchangeToken() error = %v, want ErrTokenUnavailable", err)
	}
	if len(f.tokenRequests) != 0 {
		t.Errorf("token endpoint hit %d times, want 0", len(f.tokenRequests))
	}
}

func TestExchangeTokenDenied(t *testing.T) {
	f := newBrokerFixture(t)
	f.seed(t, "authn-api", time.Hour, "")
	f.tokenStatus = http.StatusBadRequest
	f.tokenResponse = map[string]any{
		"error":             "access_denied",
		"error_description": "not entitled",
	}

	_, err := f.session.ExchangeToken(context.Background(), "svc-b", "")
	var deniedErr *ExchangeDeniedError
	if !errors.As(err, &deniedErr) {
		t.Fatalf("ExchangeToken() error = %v, want *ExchangeDeniedError", err)
	}
	if deniedErr.Service != "svc-b" {
		t.Errorf("Service = %q, want svc-b", deniedErr.Service)
	}
}

func TestLoadTokensFromDiskIdempotent(t *testing.T) {
	f := newBrokerFixture(t)
	f.seed(t, "svc-a", time.Hour, "")
	f.seed(t, "svc-b", time.Hour, "")

	first := f.session.ListAccessTokens()
	if err := f.session.LoadTokensFromDisk(context.Background()); err != nil {
		t.Fatalf("LoadTokensFromDisk() error = %v", err)
	}
	second := f.session.ListAccessTokens()

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("listings = %d and %d records, want 2 and 2", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("listing changed on reload: %+v != %+v", first[i], second[i])
		}
	}
}

func TestListAccessTokensMasksSecret(t *testing.T) {
	f := newBrokerFixture(t)
	record := f.seed(t, "svc-a", time.Hour, "refresh")
	record.AccessToken = strings.Repeat("s", 64)
	if err := f.store.Save(context.Background(), record); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := f.session.LoadTokensFromDisk(context.Background()); err != nil {
		t.Fatalf("LoadTokensFromDisk() error = %v", err)
	}

	summaries := f.session.ListAccessTokens()
	if len(summaries) != 1 {
		t.Fatalf("ListAccessTokens() = %d records, want 1", len(summaries))
	}
	summary := summaries[0]
	if strings.Contains(summary.Preview, record.AccessToken) {
		t.Error("preview contains the full secret")
	}
	if !strings.HasSuffix(summary.Preview, "...") {
		t.Errorf("preview %q should be visibly truncated", summary.Preview)
	}
	if !summary.HasRefreshToken {
		t.Error("HasRefreshToken = false, want true")
	}
	if !summary.ExpiresAtUTC.Equal(summary.ExpiresAtLocal) {
		t.Error("UTC and local expiry should be the same instant")
	}
}

func TestMaskToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"long token capped at preview length", strings.Repeat("a", 64), strings.Repeat("a", 24) + "..."},
		{"mid-length token shows at most half", strings.Repeat("b", 30), strings.Repeat("b", 15) + "..."},
		{"short token shows at most half", "0123456789", "01234..."},
		{"tiny token hidden entirely", "x", "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maskToken(tt.token); got != tt.want {
				t.Errorf("maskToken(%q) = %q, want %q", tt.token, got, tt.want)
			}
		})
	}
}

func TestInspectAccessToken(t *testing.T) {
	f := newBrokerFixture(t)
	f.claims = map[string]any{"active": true, "sub": "user-1"}

	// Inspecting an expired record is allowed; that is why stale records
	// are kept.
	f.seed(t, "svc-a", -time.Hour, "")

	claims, err := f.session.InspectAccessToken(context.Background(), "svc-a")
	if err != nil {
		t.Fatalf("InspectAccessToken() error = %v", err)
	}
	if claims["sub"] != "user-1" {
		t.Errorf("claims = %v", claims)
	}

	if _, err := f.session.InspectAccessToken(context.Background(), "svc-z"); !errors.Is(err, ErrTokenUnavailable) {
		t.Errorf("InspectAccessToken() of missing service error = %v, want ErrTokenUnavailable", err)
	}
}

func TestDeleteToken(t *testing.T) {
	f := newBrokerFixture(t)
	f.seed(t, "svc-a", time.Hour, "")

	if err := f.session.DeleteToken(context.Background(), "svc-a"); err != nil {
		t.Fatalf("DeleteToken() error = %v", err)
	}
	if _, err := f.session.GetAccessToken(context.Background(), "svc-a"); !errors.Is(err, ErrTokenUnavailable) {
		t.Errorf("GetAccessToken() after delete error = %v, want ErrTokenUnavailable", err)
	}
	if _, err := f.store.Load(context.Background(), "svc-a"); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Errorf("Load() after delete error = %v, want ErrNotFound", err)
	}
}

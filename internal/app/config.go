package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ska-src/srcnet-cli/internal/issuer"
	"github.com/ska-src/srcnet-cli/internal/session"
	"github.com/ska-src/srcnet-cli/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// TokenStorageType represents the different storage backends for token records.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeEnv     TokenStorageType = "env"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigStoreBackend    = TokenStorageTypeFile
	DefaultConfigEnvPrefix       = "SRCNET_TOKEN_"
	DefaultConfigIdentityService = "authn-api"
	DefaultConfigRedirectURL     = "urn:ietf:wg:oauth:2.0:oob"
	DefaultConfigIssuerTimeout   = 30 * time.Second
)

// DefaultConfigScopes are requested when none are configured; offline_access
// is what makes the identity token refreshable.
var DefaultConfigScopes = []string{"openid", "profile", "offline_access"}

// keyringService namespaces this program's entries in the OS keyring.
const keyringService = "srcnet-cli-tokens"

// IssuerConfig describes the OIDC issuer and the client registered with it.
type IssuerConfig struct {
	URL          string        `json:"url" validate:"omitempty,url"`
	ClientID     string        `json:"client_id" validate:"required"`
	ClientSecret string        `json:"client_secret,omitempty"`
	Scopes       []string      `json:"scopes"`
	RedirectURL  string        `json:"redirect_url"`
	Timeout      time.Duration `json:"timeout"`

	// Optional endpoint overrides; with all three set, no discovery request
	// is made.
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty" validate:"omitempty,url"`
	TokenEndpoint         string `json:"token_endpoint,omitempty" validate:"omitempty,url"`
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty" validate:"omitempty,url"`
}

// StoreConfig describes where token records are persisted.
type StoreConfig struct {
	Backend TokenStorageType `json:"backend" validate:"required,oneof=file env keyring"`

	// Backend-specific settings (mutually exclusive based on Backend type)
	Root        string `json:"root,omitempty"`         // file: directory holding one record file per service
	EnvPrefix   string `json:"env_prefix,omitempty"`   // env: variable name prefix
	KeyringUser string `json:"keyring_user,omitempty"` // keyring: user identifier
}

// NewStore creates the token store described by the configuration.
func (s *StoreConfig) NewStore() (tokenstore.Store, error) {
	switch s.Backend {
	case TokenStorageTypeFile:
		return tokenstore.NewFileStore(s.Root)
	case TokenStorageTypeEnv:
		return tokenstore.NewEnvStore(s.EnvPrefix)
	case TokenStorageTypeKeyring:
		return tokenstore.NewKeyringStore(keyringService, s.KeyringUser)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", s.Backend)
	}
}

// SessionConfig tunes the token broker itself.
type SessionConfig struct {
	IdentityService string        `json:"identity_service" validate:"required"`
	RefreshMargin   time.Duration `json:"refresh_margin"`
}

// ServiceConfig maps one downstream service to the audiences the issuer
// scopes exchanged tokens to, keyed by version label.
type ServiceConfig struct {
	Audiences map[string]string `json:"audiences" validate:"required,min=1"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level               `json:"log_level"`
	LogFormat LogFormat                `json:"log_format" validate:"oneof=text json"`
	Issuer    IssuerConfig             `json:"issuer"`
	Store     StoreConfig              `json:"store"`
	Session   SessionConfig            `json:"session"`
	Services  map[string]ServiceConfig `json:"services" validate:"dive"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if len(c.Issuer.Scopes) == 0 {
		c.Issuer.Scopes = DefaultConfigScopes
	}
	if c.Issuer.RedirectURL == "" {
		c.Issuer.RedirectURL = DefaultConfigRedirectURL
	}
	if c.Issuer.Timeout == 0 {
		c.Issuer.Timeout = DefaultConfigIssuerTimeout
	}
	if c.Store.Backend == "" {
		c.Store.Backend = DefaultConfigStoreBackend
	}
	if c.Session.IdentityService == "" {
		c.Session.IdentityService = DefaultConfigIdentityService
	}
	if c.Session.RefreshMargin == 0 {
		c.Session.RefreshMargin = session.DefaultRefreshMargin
	}

	// Dynamic defaults based on storage backend
	switch c.Store.Backend {
	case TokenStorageTypeFile:
		if c.Store.Root == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("store.root required (auto-detect failed: %w)", err)
			}
			c.Store.Root = filepath.Join(os.TempDir(), "srcnet", currentUser.Username)
		}
	case TokenStorageTypeKeyring:
		if c.Store.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("store.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Store.KeyringUser = currentUser.Username
		}
	case TokenStorageTypeEnv:
		if c.Store.EnvPrefix == "" {
			c.Store.EnvPrefix = DefaultConfigEnvPrefix
		}
	}

	return nil
}

// Validate validates the configuration using struct tags plus cross-field
// checks the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	// Grants need either a discoverable issuer or a full set of endpoints.
	if c.Issuer.URL == "" &&
		(c.Issuer.AuthorizationEndpoint == "" || c.Issuer.TokenEndpoint == "" || c.Issuer.IntrospectionEndpoint == "") {
		return errors.New("issuer.url required unless all issuer endpoints are set explicitly")
	}

	switch c.Store.Backend {
	case TokenStorageTypeFile:
		if c.Store.Root == "" {
			return errors.New("store.root required for file storage")
		}
	case TokenStorageTypeEnv:
		if c.Store.EnvPrefix == "" {
			return errors.New("store.env_prefix required for env storage")
		}
	case TokenStorageTypeKeyring:
		if c.Store.KeyringUser == "" {
			return errors.New("store.keyring_user required for keyring storage")
		}
	}

	for name, service := range c.Services {
		if len(service.Audiences) == 0 {
			return fmt.Errorf("service %s has no audiences configured", name)
		}
	}

	return nil
}

// issuerConfig converts to the issuer client's configuration.
func (c *Config) issuerConfig() issuer.Config {
	return issuer.Config{
		URL:                   c.Issuer.URL,
		ClientID:              c.Issuer.ClientID,
		ClientSecret:          c.Issuer.ClientSecret,
		Scopes:                c.Issuer.Scopes,
		RedirectURL:           c.Issuer.RedirectURL,
		Timeout:               c.Issuer.Timeout,
		AuthorizationEndpoint: c.Issuer.AuthorizationEndpoint,
		TokenEndpoint:         c.Issuer.TokenEndpoint,
		IntrospectionEndpoint: c.Issuer.IntrospectionEndpoint,
	}
}

// sessionConfig converts to the session core's configuration.
func (c *Config) sessionConfig() session.Config {
	services := make(map[string]session.Service, len(c.Services))
	for name, service := range c.Services {
		services[name] = session.Service{Audiences: service.Audiences}
	}
	return session.Config{
		IdentityService: c.Session.IdentityService,
		RefreshMargin:   c.Session.RefreshMargin,
		Services:        services,
	}
}

// pendingPath is where an in-progress authorization flow is parked. For the
// file backend it lives next to the records; other backends use the user
// cache directory.
func (c *Config) pendingPath() (string, error) {
	if c.Store.Backend == TokenStorageTypeFile {
		return filepath.Join(c.Store.Root, ".pending"), nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locating pending authorization path: %w", err)
	}
	return filepath.Join(cacheDir, "srcnet", "pending"), nil
}

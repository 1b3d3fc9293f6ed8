package app

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Issuer: IssuerConfig{
			URL:      "https://ska-iam.example.org",
			ClientID: "srcnet-cli",
		},
		Services: map[string]ServiceConfig{
			"data-api": {Audiences: map[string]string{"latest": "data-api-aud"}},
		},
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults() error = %v", err)
	}

	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if cfg.Store.Backend != TokenStorageTypeFile {
		t.Errorf("Store.Backend = %q, want file", cfg.Store.Backend)
	}
	if cfg.Store.Root == "" {
		t.Error("Store.Root should be defaulted for the file backend")
	}
	if cfg.Session.IdentityService != DefaultConfigIdentityService {
		t.Errorf("IdentityService = %q", cfg.Session.IdentityService)
	}
	if cfg.Issuer.Timeout != DefaultConfigIssuerTimeout {
		t.Errorf("Issuer.Timeout = %v", cfg.Issuer.Timeout)
	}
	if len(cfg.Issuer.Scopes) == 0 {
		t.Error("Issuer.Scopes should be defaulted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing client id",
			mutate:  func(c *Config) { c.Issuer.ClientID = "" },
			wantErr: "ClientID",
		},
		{
			name: "no issuer url and incomplete endpoints",
			mutate: func(c *Config) {
				c.Issuer.URL = ""
				c.Issuer.TokenEndpoint = "https://iam.example.org/token"
			},
			wantErr: "issuer.url",
		},
		{
			name: "explicit endpoints without issuer url",
			mutate: func(c *Config) {
				c.Issuer.URL = ""
				c.Issuer.AuthorizationEndpoint = "https://iam.example.org/authorize"
				c.Issuer.TokenEndpoint = "https://iam.example.org/token"
				c.Issuer.IntrospectionEndpoint = "https://iam.example.org/introspect"
			},
		},
		{
			name:    "unknown storage backend",
			mutate:  func(c *Config) { c.Store.Backend = "s3" },
			wantErr: "Backend",
		},
		{
			name: "file backend without root",
			mutate: func(c *Config) {
				c.Store.Backend = TokenStorageTypeFile
				c.Store.Root = ""
			},
			wantErr: "store.root",
		},
		{
			name: "service without audiences",
			mutate: func(c *Config) {
				c.Services["bare-api"] = ServiceConfig{}
			},
			wantErr: "Audiences",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			if err := cfg.ApplyDefaults(); err != nil {
				t.Fatalf("ApplyDefaults() error = %v", err)
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSessionConfigConversion(t *testing.T) {
	cfg := validConfig()
	cfg.Session = SessionConfig{IdentityService: "authn-api", RefreshMargin: 2 * time.Minute}

	sessionCfg := cfg.sessionConfig()
	if sessionCfg.IdentityService != "authn-api" {
		t.Errorf("IdentityService = %q", sessionCfg.IdentityService)
	}
	if sessionCfg.RefreshMargin != 2*time.Minute {
		t.Errorf("RefreshMargin = %v", sessionCfg.RefreshMargin)
	}
	if sessionCfg.Services["data-api"].Audiences["latest"] != "data-api-aud" {
		t.Errorf("Services = %+v", sessionCfg.Services)
	}
}

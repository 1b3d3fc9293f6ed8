// Package app wires validated configuration into a ready-to-use session.
package app

import (
	"context"
	"fmt"

	"github.com/ska-src/srcnet-cli/internal/issuer"
	"github.com/ska-src/srcnet-cli/internal/session"
)

// NewSession builds the token broker described by the configuration: store
// backend, issuer client, and the session facade over them, with the on-disk
// cache already loaded. No network I/O is performed; issuer discovery is
// deferred to the first grant.
func NewSession(ctx context.Context, cfg *Config) (*session.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := cfg.Store.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	client, err := issuer.New(cfg.issuerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create issuer client: %w", err)
	}

	pendingPath, err := cfg.pendingPath()
	if err != nil {
		return nil, err
	}

	sess, err := session.New(cfg.sessionConfig(), store, client, pendingPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if err := sess.LoadTokensFromDisk(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

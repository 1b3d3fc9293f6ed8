package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/ska-src/srcnet-cli/internal/issuer"
)

// pendingAuthorization is the local state of an authorization-code flow
// between Begin and Complete. It is persisted to disk because the human leg
// (browser login, paste code+state back) routinely spans processes.
type pendingAuthorization struct {
	State     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"created_at"`
}

// flow drives the interactive authorization-code grant: Begin issues a login
// URL with a single-use state and PKCE verifier, Complete redeems the code
// the user pasted back.
type flow struct {
	client      *issuer.Client
	pendingPath string
}

func newFlow(client *issuer.Client, pendingPath string) *flow {
	return &flow{
		client:      client,
		pendingPath: pendingPath,
	}
}

// begin generates fresh state and PKCE verifier, persists them, and returns
// the authorization URL the user must visit. A new begin replaces any
// earlier pending flow.
func (f *flow) begin(ctx context.Context) (loginURL, state string, err error) {
	pending := &pendingAuthorization{
		State:     uuid.NewString(),
		Verifier:  oauth2.GenerateVerifier(),
		CreatedAt: time.Now().UTC(),
	}

	loginURL, err = f.client.AuthCodeURL(ctx, pending.State, pending.Verifier)
	if err != nil {
		return "", "", err
	}

	if err := f.savePending(pending); err != nil {
		return "", "", err
	}
	return loginURL, pending.State, nil
}

// complete verifies the returned state against the pending flow and redeems
// the authorization code. The pending state is cleared only on success, so a
// rejected code can be retried against the same state.
func (f *flow) complete(ctx context.Context, code, state string) (*issuer.Token, error) {
	pending, err := f.loadPending()
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, fmt.Errorf("no pending authorization flow: %w", ErrInvalidState)
	}
	if state != pending.State {
		return nil, fmt.Errorf("state %q was not issued by this flow: %w", state, ErrInvalidState)
	}

	token, err := f.client.ExchangeAuthorizationCode(ctx, code, pending.Verifier)
	if err != nil {
		return nil, err
	}

	f.clearPending()
	return token, nil
}

func (f *flow) savePending(pending *pendingAuthorization) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("encoding pending authorization: %w", err)
	}

	dir := filepath.Dir(f.pendingPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("saving pending authorization: %w", err)
	}

	// Same temp-then-rename discipline as the token store.
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return fmt.Errorf("saving pending authorization: %w", err)
	}
	tempName := tempFile.Name()
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if err := tempFile.Chmod(0600); err != nil {
		return fmt.Errorf("saving pending authorization: %w", err)
	}
	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("saving pending authorization: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("saving pending authorization: %w", err)
	}
	if err := os.Rename(tempName, f.pendingPath); err != nil {
		return fmt.Errorf("saving pending authorization: %w", err)
	}
	return nil
}

func (f *flow) loadPending() (*pendingAuthorization, error) {
	data, err := os.ReadFile(f.pendingPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading pending authorization: %w", err)
	}

	pending := &pendingAuthorization{}
	if err := json.Unmarshal(data, pending); err != nil {
		return nil, fmt.Errorf("decoding pending authorization: %w", err)
	}
	return pending, nil
}

func (f *flow) clearPending() {
	_ = os.Remove(f.pendingPath)
}

// Package tokenstore provides persistent storage for per-service token
// records, one record per downstream service/audience.
//
// Supports three storage backends with different security and deployment tradeoffs:
//   - File: Local filesystem storage with atomic writes and secure permissions
//   - Env: Read-only environment variable access (requires external secret management)
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//
// Interactive credential acquisition (authorization-code flow, refresh,
// token exchange) requires writable storage; static deployments can use the
// read-only env backend.
package tokenstore

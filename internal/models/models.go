// Package models defines types shared across internal packages.
package models

import "time"

// AuthMode describes how a remote MCP server authenticates callers.
type AuthMode string

const (
	// AuthModeOAuth means the server requires the OAuth authorization
	// code flow before tools can be called.
	AuthModeOAuth AuthMode = "oauth"
	// AuthModeAuthless means the server accepts unauthenticated calls.
	AuthModeAuthless AuthMode = "authless"
)

// Status describes the connection state of a remote server as persisted.
// A persisted "connected" is advisory only: reads reconcile it against
// token validity before exposing it.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// OAuthMetadata holds the RFC 8414 server metadata fields this client
// needs, populated after discovery.
type OAuthMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
}

// RemoteServer is one external tool-hosting endpoint registered by a user.
// (UserID, BaseURL) is unique.
type RemoteServer struct {
	ID      string   `json:"id"`
	UserID  string   `json:"user_id"`
	Name    string   `json:"name"`
	BaseURL string   `json:"base_url"`
	Auth    AuthMode `json:"auth_mode"`
	Status  Status   `json:"status"`

	// OAuth fields, populated after discovery and dynamic registration.
	// The client secret is stored as an encrypted envelope, never plaintext.
	Metadata              *OAuthMetadata `json:"oauth_metadata,omitempty"`
	ClientID              string         `json:"client_id,omitempty"`
	EncryptedClientSecret string         `json:"encrypted_client_secret,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TokenRecord is one encrypted OAuth credential pair for a (server, user)
// pair. At most one record exists per pair; writes upsert. Both token
// fields hold serialized crypto envelopes, never plaintext.
type TokenRecord struct {
	ServerID              string `json:"server_id"`
	UserID                string `json:"user_id"`
	EncryptedAccessToken  string `json:"encrypted_access_token"`
	EncryptedRefreshToken string `json:"encrypted_refresh_token,omitempty"`

	// ExpiresAt is the absolute expiry. The zero value means the provider
	// supplied no expiry and the token is treated as never expiring.
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
	LastRefreshed time.Time `json:"last_refreshed"`
}

// CachedToolSchema is a denormalized snapshot of one tool hosted by a
// server, unique per (server, tool name).
type CachedToolSchema struct {
	ServerID    string `json:"server_id"`
	ServerURL   string `json:"server_url"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema []byte `json:"input_schema,omitempty"`
}

// StateRecord correlates one in-flight OAuth authorization attempt.
// It is single-use and time-boxed: consuming it removes it, and an
// expired record is never returned. The PKCE verifier travels here so
// it exists only between "connect initiated" and "callback received".
type StateRecord struct {
	State     string    `json:"state"`
	ServerID  string    `json:"server_id"`
	UserID    string    `json:"user_id"`
	Verifier  string    `json:"verifier"`
	ExpiresAt time.Time `json:"expires_at"`
}

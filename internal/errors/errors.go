// Package errors defines the error taxonomy shared across internal packages.
package errors

import (
	"errors"
	"fmt"
)

// Credential errors. All three mean the caller must redo the OAuth flow,
// but they are distinct: a decryption failure may indicate key rotation
// or tampering and must never be masked as a missing token.
var (
	ErrNoToken          = errors.New("no token for server, reconnect required")
	ErrNoRefreshToken   = errors.New("token expired and no refresh token available, reconnect required")
	ErrDecryptionFailed = errors.New("token decryption failed, reconnect required")
)

// Lookup errors.
var (
	ErrServerNotFound = errors.New("server not found")
	ErrServerExists   = errors.New("server already registered for this user")
	ErrToolNotFound   = errors.New("tool not found")
)

// ErrInvalidInput marks caller mistakes (bad URL, missing name) so the
// HTTP layer can answer 400 instead of 500.
var ErrInvalidInput = errors.New("invalid input")

// ErrStateInvalid covers an unknown, expired, or previously consumed
// OAuth state parameter. Such callbacks are always rejected.
var ErrStateInvalid = errors.New("invalid or expired OAuth state")

// OAuthError is a failure talking to a third-party OAuth provider or to
// a server's discovery endpoints. Reason carries a redacted summary
// only; response bodies are never included because they may contain
// credentials.
type OAuthError struct {
	Op         string // "discovery", "metadata", "registration", "exchange", "refresh"
	StatusCode int    // upstream HTTP status when available, otherwise 0
	Reason     string
	Err        error
}

func (e *OAuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("oauth %s failed (status %d): %s", e.Op, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("oauth %s failed: %s", e.Op, e.Reason)
}

func (e *OAuthError) Unwrap() error { return e.Err }

// ConnectionError is a transport open or liveness failure against a
// remote MCP server.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolExecutionError wraps whatever the remote server returned from a
// tool call. It is distinct from ErrToolNotFound: the tool exists but
// the invocation failed remotely.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("executing tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// IsReconnectRequired reports whether err (or any error in its chain)
// means the (server, user) pair has no usable credentials and the caller
// must restart the OAuth flow.
func IsReconnectRequired(err error) bool {
	return errors.Is(err, ErrNoToken) ||
		errors.Is(err, ErrNoRefreshToken) ||
		errors.Is(err, ErrDecryptionFailed)
}

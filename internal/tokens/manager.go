// Package tokens serves decrypted access tokens for outbound calls,
// refreshing them through the OAuth token endpoint when they are
// expired or inside the expiry buffer. Refreshes for the same
// (server, user) pair are serialized so concurrent callers never race
// two refreshes against a rotating refresh token.
package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "toolgate/internal/errors"
	"toolgate/internal/models"
	"toolgate/internal/oauth"
)

// Store is the persistence surface the manager needs. Satisfied by
// *store.Store.
type Store interface {
	GetToken(serverID, userID string) (*models.TokenRecord, error)
	UpsertToken(rec models.TokenRecord) error
	GetServer(id string) (*models.RemoteServer, error)
	ListServers(userID string) ([]models.RemoteServer, error)
	SetServerStatus(id string, status models.Status) error
}

// Refresher performs the refresh grant. Satisfied by *oauth.Flow.
type Refresher interface {
	Refresh(ctx context.Context, tokenEndpoint, clientID, clientSecret, refreshToken string) (*oauth.TokenData, error)
}

// Cipher encrypts and decrypts stored secrets. Satisfied by
// *crypto.TokenCipher.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(serialized string) (string, error)
}

// Manager hands out valid access tokens, refreshing behind the scenes.
type Manager struct {
	store  Store
	flow   Refresher
	cipher Cipher
	buffer time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // serverID|userID -> refresh lock
}

// NewManager creates a Manager. buffer is how far before the recorded
// expiry a token is already treated as expired.
func NewManager(store Store, flow Refresher, cipher Cipher, buffer time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		flow:   flow,
		cipher: cipher,
		buffer: buffer,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// ValidAccessToken returns a decrypted access token that is good for at
// least the configured buffer. An expired token is refreshed and the
// rotated credentials are persisted before the new token is returned.
//
// Errors are distinguishable by the caller: no stored token, no refresh
// token, decryption failure, and upstream refresh rejection all surface
// differently, and the first three plus an invalid_grant refresh mean
// the user has to go through authorization again.
func (m *Manager) ValidAccessToken(ctx context.Context, serverID, userID string) (string, error) {
	lock := m.refreshLock(serverID, userID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.store.GetToken(serverID, userID)
	if err != nil {
		return "", fmt.Errorf("loading token record: %w", err)
	}

	if rec == nil {
		return "", apperrors.ErrNoToken
	}

	accessToken, err := m.cipher.Decrypt(rec.EncryptedAccessToken)
	if err != nil {
		return "", fmt.Errorf("access token for server %s: %w", serverID, err)
	}

	if !oauth.IsTokenExpired(rec.ExpiresAt, m.buffer) {
		return accessToken, nil
	}

	return m.refresh(ctx, serverID, userID, rec)
}

// refresh runs the refresh grant and persists the rotated credentials.
// Caller holds the per-pair lock.
func (m *Manager) refresh(ctx context.Context, serverID, userID string, rec *models.TokenRecord) (string, error) {
	if rec.EncryptedRefreshToken == "" {
		return "", apperrors.ErrNoRefreshToken
	}

	refreshToken, err := m.cipher.Decrypt(rec.EncryptedRefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh token for server %s: %w", serverID, err)
	}

	srv, err := m.store.GetServer(serverID)
	if err != nil {
		return "", fmt.Errorf("loading server: %w", err)
	}

	if srv == nil {
		return "", apperrors.ErrServerNotFound
	}

	if srv.Metadata == nil || srv.Metadata.TokenEndpoint == "" {
		return "", &apperrors.OAuthError{Op: "refresh", Reason: "server has no token endpoint on record"}
	}

	clientSecret := ""
	if srv.EncryptedClientSecret != "" {
		clientSecret, err = m.cipher.Decrypt(srv.EncryptedClientSecret)
		if err != nil {
			return "", fmt.Errorf("client secret for server %s: %w", serverID, err)
		}
	}

	tok, err := m.flow.Refresh(ctx, srv.Metadata.TokenEndpoint, srv.ClientID, clientSecret, refreshToken)
	if err != nil {
		return "", err
	}

	encAccess, err := m.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypting refreshed access token: %w", err)
	}

	// The token endpoint may rotate the refresh token. oauth2 carries
	// the old one forward when the response omits it, so tok always
	// holds the one to keep.
	encRefresh := ""
	if tok.RefreshToken != "" {
		encRefresh, err = m.cipher.Encrypt(tok.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("encrypting rotated refresh token: %w", err)
		}
	}

	err = m.store.UpsertToken(models.TokenRecord{
		ServerID:              serverID,
		UserID:                userID,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ExpiresAt:             tok.ExpiresAt,
		LastRefreshed:         time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("persisting refreshed token: %w", err)
	}

	m.logger.Info("access token refreshed",
		slog.String("server_id", serverID),
		slog.String("user_id", userID))

	return tok.AccessToken, nil
}

// ReconcileServers lists a user's servers with their status checked
// against token reality. A server still marked connected whose token is
// gone, or expired with no refresh token to recover with, is downgraded
// to disconnected and the downgrade is persisted.
func (m *Manager) ReconcileServers(userID string) ([]models.RemoteServer, error) {
	servers, err := m.store.ListServers(userID)
	if err != nil {
		return nil, err
	}

	for i := range servers {
		srv := &servers[i]
		if srv.Auth != models.AuthModeOAuth || srv.Status != models.StatusConnected {
			continue
		}

		usable, err := m.tokenUsable(srv.ID, userID)
		if err != nil {
			return nil, err
		}

		if usable {
			continue
		}

		srv.Status = models.StatusDisconnected
		if err := m.store.SetServerStatus(srv.ID, models.StatusDisconnected); err != nil {
			return nil, fmt.Errorf("downgrading server %s: %w", srv.ID, err)
		}

		m.logger.Info("downgraded stale server status",
			slog.String("server_id", srv.ID),
			slog.String("user_id", userID))
	}

	return servers, nil
}

// tokenUsable reports whether a stored access token is present and
// inside its expiry buffer. A refresh token does not count: until a
// refresh actually succeeds the server is not reachable, so its status
// reads as disconnected.
func (m *Manager) tokenUsable(serverID, userID string) (bool, error) {
	rec, err := m.store.GetToken(serverID, userID)
	if err != nil {
		return false, fmt.Errorf("loading token record: %w", err)
	}

	if rec == nil {
		return false, nil
	}

	return !oauth.IsTokenExpired(rec.ExpiresAt, m.buffer), nil
}

func (m *Manager) refreshLock(serverID, userID string) *sync.Mutex {
	key := serverID + "|" + userID

	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}

	return lock
}

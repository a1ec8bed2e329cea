// Package server exposes toolgate over HTTP: server registration, the
// OAuth connect flow and callback, tool listing and execution. Handlers
// stay thin; the connect and callback orchestration lives in Service so
// the catalog can drive the same paths.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"toolgate/internal/catalog"
	"toolgate/internal/connections"
	apperrors "toolgate/internal/errors"
	"toolgate/internal/models"
	"toolgate/internal/oauth"
	"toolgate/internal/store"
	"toolgate/internal/tokens"
	"toolgate/internal/tools"
)

// OAuthFlow is the slice of *oauth.Flow the service drives.
type OAuthFlow interface {
	DiscoverServer(ctx context.Context, baseURL string) (models.AuthMode, error)
	FetchMetadata(ctx context.Context, baseURL string) (*models.OAuthMetadata, error)
	RegisterClient(ctx context.Context, registrationEndpoint string) (*oauth.ClientCredentials, error)
	BuildAuthorizationURL(authEndpoint, clientID string, pkce oauth.PKCE, serverID, userID string) (string, string, error)
	ConsumeState(state string) (*models.StateRecord, error)
	ExchangeCode(ctx context.Context, tokenEndpoint, clientID, clientSecret, code, verifier string) (*oauth.TokenData, error)
}

// Cipher encrypts and decrypts stored secrets.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(serialized string) (string, error)
}

// Service wires the store, OAuth flow, connection registry, tool
// registry and token manager into the operations the HTTP surface and
// the catalog expose.
type Service struct {
	store   *store.Store
	cipher  Cipher
	flow    OAuthFlow
	conns   *connections.Registry
	tools   *tools.Registry
	tokens  *tokens.Manager
	timeout time.Duration
	logger  *slog.Logger
}

// NewService creates a Service. timeout bounds every outbound
// discovery, OAuth and MCP call.
func NewService(
	st *store.Store,
	cipher Cipher,
	flow OAuthFlow,
	conns *connections.Registry,
	toolReg *tools.Registry,
	tokenMgr *tokens.Manager,
	timeout time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:   st,
		cipher:  cipher,
		flow:    flow,
		conns:   conns,
		tools:   toolReg,
		tokens:  tokenMgr,
		timeout: timeout,
		logger:  logger,
	}
}

// ConnectResult is the outcome of a connect request: either a live
// session was established, or the user has to visit AuthorizationURL.
type ConnectResult struct {
	Server           *models.RemoteServer
	Connected        bool
	AuthorizationURL string
}

// RegisterServer stores a new remote server for a user. The auth mode
// may be empty, in which case it is discovered on first connect.
func (s *Service) RegisterServer(ctx context.Context, userID, name, baseURL string, auth models.AuthMode) (*models.RemoteServer, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: server name is required", apperrors.ErrInvalidInput)
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("%w: bad server URL %q", apperrors.ErrInvalidInput, baseURL)
	}

	switch auth {
	case models.AuthModeOAuth, models.AuthModeAuthless, "":
	default:
		return nil, fmt.Errorf("%w: unknown auth mode %q", apperrors.ErrInvalidInput, auth)
	}

	srv := models.RemoteServer{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		BaseURL:   baseURL,
		Auth:      auth,
		Status:    models.StatusDisconnected,
		CreatedAt: time.Now(),
	}

	if err := s.store.CreateServer(srv); err != nil {
		return nil, err
	}

	s.logger.Info("server registered",
		slog.String("server_id", srv.ID),
		slog.String("user_id", userID),
		slog.String("url", baseURL))

	return &srv, nil
}

// Connect establishes a session to a registered server. Authless
// servers connect immediately. OAuth servers connect immediately when a
// usable token is stored; otherwise the provider is discovered, a
// client is registered if needed, and an authorization URL is returned
// for the user to visit.
func (s *Service) Connect(ctx context.Context, userID, serverID string) (*ConnectResult, error) {
	srv, err := s.ownedServer(userID, serverID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if srv.Auth == "" {
		mode, err := s.flow.DiscoverServer(ctx, srv.BaseURL)
		if err != nil {
			return nil, err
		}

		srv.Auth = mode
		if err := s.store.UpdateServer(*srv); err != nil {
			return nil, fmt.Errorf("persisting discovered auth mode: %w", err)
		}
	}

	if srv.Auth == models.AuthModeAuthless {
		if err := s.openSession(ctx, srv, ""); err != nil {
			return nil, err
		}

		return &ConnectResult{Server: srv, Connected: true}, nil
	}

	// A stored token may still be good (or refreshable); reuse it
	// instead of sending the user back through authorization.
	accessToken, err := s.tokens.ValidAccessToken(ctx, srv.ID, userID)
	if err == nil {
		if err := s.openSession(ctx, srv, accessToken); err != nil {
			return nil, err
		}

		return &ConnectResult{Server: srv, Connected: true}, nil
	}

	if !apperrors.IsReconnectRequired(err) {
		return nil, err
	}

	authURL, err := s.beginAuthorization(ctx, srv, userID)
	if err != nil {
		return nil, err
	}

	return &ConnectResult{Server: srv, AuthorizationURL: authURL}, nil
}

// beginAuthorization makes sure provider metadata and client
// credentials are on record, then builds the PKCE authorization URL.
func (s *Service) beginAuthorization(ctx context.Context, srv *models.RemoteServer, userID string) (string, error) {
	if srv.Metadata == nil {
		meta, err := s.flow.FetchMetadata(ctx, srv.BaseURL)
		if err != nil {
			return "", err
		}

		srv.Metadata = meta
		if err := s.store.UpdateServer(*srv); err != nil {
			return "", fmt.Errorf("persisting provider metadata: %w", err)
		}
	}

	if srv.ClientID == "" {
		if srv.Metadata.RegistrationEndpoint == "" {
			return "", &apperrors.OAuthError{
				Op:     "registration",
				Reason: "provider does not support dynamic client registration",
			}
		}

		creds, err := s.flow.RegisterClient(ctx, srv.Metadata.RegistrationEndpoint)
		if err != nil {
			return "", err
		}

		srv.ClientID = creds.ClientID

		if creds.ClientSecret != "" {
			encSecret, err := s.cipher.Encrypt(creds.ClientSecret)
			if err != nil {
				return "", fmt.Errorf("encrypting client secret: %w", err)
			}

			srv.EncryptedClientSecret = encSecret
		}

		if err := s.store.UpdateServer(*srv); err != nil {
			return "", fmt.Errorf("persisting client credentials: %w", err)
		}
	}

	pkce, err := oauth.GeneratePKCE()
	if err != nil {
		return "", err
	}

	authURL, _, err := s.flow.BuildAuthorizationURL(srv.Metadata.AuthorizationEndpoint, srv.ClientID, pkce, srv.ID, userID)
	if err != nil {
		return "", err
	}

	return authURL, nil
}

// CompleteAuthorization finishes the OAuth flow from the provider
// redirect: consume the state, exchange the code, persist the encrypted
// token pair, and open the MCP session.
func (s *Service) CompleteAuthorization(ctx context.Context, state, code string) (*models.RemoteServer, error) {
	rec, err := s.flow.ConsumeState(state)
	if err != nil {
		return nil, err
	}

	srv, err := s.store.GetServer(rec.ServerID)
	if err != nil {
		return nil, fmt.Errorf("loading server: %w", err)
	}

	if srv == nil || srv.Metadata == nil {
		return nil, apperrors.ErrServerNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	clientSecret := ""
	if srv.EncryptedClientSecret != "" {
		clientSecret, err = s.cipher.Decrypt(srv.EncryptedClientSecret)
		if err != nil {
			return nil, fmt.Errorf("client secret for server %s: %w", srv.ID, err)
		}
	}

	tok, err := s.flow.ExchangeCode(ctx, srv.Metadata.TokenEndpoint, srv.ClientID, clientSecret, code, rec.Verifier)
	if err != nil {
		return nil, err
	}

	encAccess, err := s.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypting access token: %w", err)
	}

	encRefresh := ""
	if tok.RefreshToken != "" {
		encRefresh, err = s.cipher.Encrypt(tok.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypting refresh token: %w", err)
		}
	}

	err = s.store.UpsertToken(models.TokenRecord{
		ServerID:              srv.ID,
		UserID:                rec.UserID,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ExpiresAt:             tok.ExpiresAt,
		LastRefreshed:         time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("persisting token: %w", err)
	}

	s.logger.Info("authorization completed",
		slog.String("server_id", srv.ID),
		slog.String("user_id", rec.UserID))

	if err := s.openSession(ctx, srv, tok.AccessToken); err != nil {
		// The credentials are saved; the session can be reopened on the
		// next connect without redoing authorization.
		return nil, err
	}

	return srv, nil
}

// ListServers returns a user's servers with statuses reconciled against
// stored token reality.
func (s *Service) ListServers(userID string) ([]models.RemoteServer, error) {
	return s.tokens.ReconcileServers(userID)
}

// DeleteServer disconnects and removes a server along with its tokens
// and cached tools.
func (s *Service) DeleteServer(ctx context.Context, userID, serverID string) error {
	srv, err := s.ownedServer(userID, serverID)
	if err != nil {
		return err
	}

	s.conns.Disconnect(srv.BaseURL)

	if err := s.store.DeleteServer(srv.ID); err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}

	s.logger.Info("server deleted",
		slog.String("server_id", srv.ID),
		slog.String("user_id", userID))

	return nil
}

// ListTools returns the registered tools on the user's servers.
func (s *Service) ListTools(userID string) ([]tools.Tool, error) {
	servers, err := s.store.ListServers(userID)
	if err != nil {
		return nil, err
	}

	owned := make(map[string]struct{}, len(servers))
	for _, srv := range servers {
		owned[srv.ID] = struct{}{}
	}

	var out []tools.Tool

	for _, t := range s.tools.List() {
		if _, ok := owned[t.ServerID]; ok {
			out = append(out, t)
		}
	}

	return out, nil
}

// ExecuteTool runs a tool on behalf of a user, reopening the hosting
// server's session if it has gone away.
func (s *Service) ExecuteTool(ctx context.Context, userID, name string, args map[string]any) (*mcp.CallToolResult, error) {
	tool, ok := s.tools.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrToolNotFound, name)
	}

	srv, err := s.store.GetServer(tool.ServerID)
	if err != nil {
		return nil, fmt.Errorf("loading server: %w", err)
	}

	// A tool on another user's server does not exist as far as this
	// caller is concerned.
	if srv == nil || srv.UserID != userID {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrToolNotFound, name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session, err := s.sessionFor(ctx, srv)
	if err != nil {
		return nil, err
	}

	return s.tools.Execute(ctx, name, args, session)
}

// sessionFor returns a live session for a server. It always goes
// through the connection registry so a cached session is probed and a
// dead one evicted and redialed rather than handed back as-is. OAuth
// servers get a freshly validated access token so a redial never
// carries an expired credential.
func (s *Service) sessionFor(ctx context.Context, srv *models.RemoteServer) (connections.Session, error) {
	accessToken := ""

	if srv.Auth == models.AuthModeOAuth {
		var err error

		accessToken, err = s.tokens.ValidAccessToken(ctx, srv.ID, srv.UserID)
		if err != nil {
			return nil, err
		}
	}

	s.tools.BindServer(srv.BaseURL, srv.ID, srv.Name)

	session, err := s.conns.Connect(ctx, srv.BaseURL, accessToken)
	if err != nil {
		if statusErr := s.store.SetServerStatus(srv.ID, models.StatusError); statusErr != nil {
			s.logger.Warn("recording error status", slog.String("server_id", srv.ID))
		}

		return nil, err
	}

	return session, nil
}

// openSession dials the server and marks it connected, or records the
// error status.
func (s *Service) openSession(ctx context.Context, srv *models.RemoteServer, accessToken string) error {
	s.tools.BindServer(srv.BaseURL, srv.ID, srv.Name)

	if _, err := s.conns.Connect(ctx, srv.BaseURL, accessToken); err != nil {
		if statusErr := s.store.SetServerStatus(srv.ID, models.StatusError); statusErr != nil {
			s.logger.Warn("recording error status", slog.String("server_id", srv.ID))
		}

		srv.Status = models.StatusError

		return err
	}

	if err := s.store.SetServerStatus(srv.ID, models.StatusConnected); err != nil {
		return fmt.Errorf("recording connected status: %w", err)
	}

	srv.Status = models.StatusConnected

	return nil
}

// ownedServer loads a server and verifies it belongs to the user. A
// server owned by someone else is reported as not found.
func (s *Service) ownedServer(userID, serverID string) (*models.RemoteServer, error) {
	srv, err := s.store.GetServer(serverID)
	if err != nil {
		return nil, fmt.Errorf("loading server: %w", err)
	}

	if srv == nil || srv.UserID != userID {
		return nil, apperrors.ErrServerNotFound
	}

	return srv, nil
}

// RegisterCatalogServer implements catalog.Registrar. OAuth servers are
// registered but left disconnected until their user authorizes them;
// authless servers are connected immediately, best effort.
func (s *Service) RegisterCatalogServer(ctx context.Context, entry catalog.Entry) error {
	existing, err := s.store.GetServerByURL(entry.User, entry.URL)
	if err != nil {
		return fmt.Errorf("checking for existing server: %w", err)
	}

	var srv *models.RemoteServer

	if existing != nil {
		srv = existing
	} else {
		srv, err = s.RegisterServer(ctx, entry.User, entry.Name, entry.URL, models.AuthMode(entry.Auth))
		if err != nil {
			return err
		}
	}

	if srv.Auth == models.AuthModeAuthless {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		if err := s.openSession(ctx, srv, ""); err != nil {
			s.logger.Warn("catalog server not reachable",
				slog.String("url", srv.BaseURL),
				slog.String("error", err.Error()))
		}
	}

	return nil
}

// RemoveCatalogServer implements catalog.Registrar.
func (s *Service) RemoveCatalogServer(ctx context.Context, userID, baseURL string) error {
	srv, err := s.store.GetServerByURL(userID, baseURL)
	if err != nil {
		return fmt.Errorf("looking up server: %w", err)
	}

	if srv == nil {
		return nil
	}

	return s.DeleteServer(ctx, userID, srv.ID)
}

// Package oauth implements the client side of the OAuth 2.0
// authorization code flow with PKCE against remote MCP servers: server
// capability discovery, RFC 8414 metadata fetch, RFC 7591 dynamic
// client registration, authorization URL construction with persisted
// single-use state, and code exchange / token refresh per RFC 6749/7636.
//
// Token endpoint exchanges go through golang.org/x/oauth2 so the wire
// format (form-encoded POST bodies) matches what third-party providers
// expect. Upstream error bodies are never logged or surfaced whole;
// only the standard error/error_description fields are extracted.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	apperrors "toolgate/internal/errors"
	"toolgate/internal/models"
)

const (
	// wellKnownPath is the RFC 8414 authorization server metadata path.
	wellKnownPath = "/.well-known/oauth-authorization-server"

	// stateExpiry bounds how long an authorization attempt may stay
	// in flight before its state stops being accepted.
	stateExpiry = 10 * time.Minute

	// sweepInterval controls how often expired state records are reaped.
	sweepInterval = 5 * time.Minute

	// stateBytes is the number of random bytes in a state token
	// (hex-encoded to twice this length).
	stateBytes = 32

	// verifierBytes is the number of random bytes in a PKCE verifier
	// before base64url encoding.
	verifierBytes = 32

	// maxMetadataBytes caps metadata and registration response reads.
	maxMetadataBytes = 1024 * 1024
)

// StateStore persists single-use OAuth state records. Satisfied by
// *store.Store.
type StateStore interface {
	SaveState(rec models.StateRecord) error
	ConsumeState(state string) (*models.StateRecord, error)
	PruneExpiredStates() (int, error)
}

// PKCE is one verifier/challenge pair for the S256 method.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// TokenData is the normalized result of a code exchange or refresh.
// ExpiresAt is absolute; the zero value means the provider supplied no
// expiry and the token is treated as never expiring.
type TokenData struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ClientCredentials are the credentials issued by dynamic registration.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Flow drives OAuth flows against remote servers. The embedded HTTP
// client carries the outbound timeout; callers additionally pass a
// context for cancellation.
type Flow struct {
	httpClient  *http.Client
	states      StateStore
	redirectURI string
	clientName  string
	logger      *slog.Logger
}

// NewFlow creates a Flow. If httpClient is nil, a client with a
// 30-second timeout is used.
func NewFlow(httpClient *http.Client, states StateStore, redirectURI, clientName string, logger *slog.Logger) *Flow {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Flow{
		httpClient:  httpClient,
		states:      states,
		redirectURI: redirectURI,
		clientName:  clientName,
		logger:      logger,
	}
}

// DiscoverServer probes a server's MCP transport endpoint to decide
// whether it requires OAuth. A 401 means OAuth is required; a success
// status means the server is authless. Anything else is a hard error:
// discovery never silently assumes either mode.
func (f *Flow) DiscoverServer(ctx context.Context, baseURL string) (models.AuthMode, error) {
	// A minimal initialize request is the cheapest call every MCP
	// server must answer (or reject with 401 when protected).
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"` + f.clientName + `","version":"0"}}}`

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, strings.NewReader(body))
	if err != nil {
		return "", &apperrors.OAuthError{Op: "discovery", Reason: "building probe request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", &apperrors.OAuthError{Op: "discovery", Reason: "probe request failed", Err: err}
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused; the body content is not
	// consulted, only the status.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetadataBytes))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return models.AuthModeOAuth, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return models.AuthModeAuthless, nil
	default:
		return "", &apperrors.OAuthError{Op: "discovery", StatusCode: resp.StatusCode, Reason: "unexpected probe status"}
	}
}

// FetchMetadata retrieves the authorization server metadata from the
// standard well-known path on the server's origin.
func (f *Flow) FetchMetadata(ctx context.Context, baseURL string) (*models.OAuthMetadata, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, &apperrors.OAuthError{Op: "metadata", Reason: "invalid server URL", Err: err}
	}

	metaURL := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: wellKnownPath}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURL.String(), nil)
	if err != nil {
		return nil, &apperrors.OAuthError{Op: "metadata", Reason: "building request", Err: err}
	}

	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &apperrors.OAuthError{Op: "metadata", Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &apperrors.OAuthError{Op: "metadata", StatusCode: resp.StatusCode, Reason: "metadata fetch failed"}
	}

	var meta models.OAuthMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(&meta); err != nil {
		return nil, &apperrors.OAuthError{Op: "metadata", Reason: "decoding metadata", Err: err}
	}

	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, &apperrors.OAuthError{Op: "metadata", Reason: "metadata missing authorization or token endpoint"}
	}

	return &meta, nil
}

// registrationRequest is the RFC 7591 POST body.
type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// registrationResponse is the subset of the RFC 7591 response we use.
type registrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// RegisterClient performs dynamic client registration, declaring this
// application's redirect URI and the authorization_code plus
// refresh_token grant types.
func (f *Flow) RegisterClient(ctx context.Context, registrationEndpoint string) (*ClientCredentials, error) {
	reqBody := registrationRequest{
		ClientName:              f.clientName,
		RedirectURIs:            []string{f.redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &apperrors.OAuthError{Op: "registration", Reason: "marshalling request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, strings.NewReader(string(payload)))
	if err != nil {
		return nil, &apperrors.OAuthError{Op: "registration", Reason: "building request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &apperrors.OAuthError{Op: "registration", Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, &apperrors.OAuthError{Op: "registration", StatusCode: resp.StatusCode, Reason: "reading response", Err: err}
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, &apperrors.OAuthError{Op: "registration", StatusCode: resp.StatusCode, Reason: redactedReason(body)}
	}

	var reg registrationResponse
	if err := json.Unmarshal(body, &reg); err != nil {
		return nil, &apperrors.OAuthError{Op: "registration", Reason: "decoding response", Err: err}
	}

	if reg.ClientID == "" {
		return nil, &apperrors.OAuthError{Op: "registration", StatusCode: resp.StatusCode, Reason: "response missing client_id"}
	}

	f.logger.Info("registered OAuth client", slog.String("client_id", reg.ClientID))

	return &ClientCredentials{ClientID: reg.ClientID, ClientSecret: reg.ClientSecret}, nil
}

// GeneratePKCE creates a verifier/challenge pair for the S256 method.
// The verifier is 32 random bytes base64url-encoded; the challenge is
// the base64url-no-padding encoding of its SHA-256 digest.
func GeneratePKCE() (PKCE, error) {
	raw := make([]byte, verifierBytes)
	if _, err := rand.Read(raw); err != nil {
		return PKCE{}, fmt.Errorf("generating PKCE verifier: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(raw)
	h := sha256.Sum256([]byte(verifier))

	return PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(h[:]),
		Method:    "S256",
	}, nil
}

// BuildAuthorizationURL issues a fresh state token, persists it as a
// single-use record correlating this attempt (carrying the PKCE
// verifier), and returns the authorization URL for the user to visit.
func (f *Flow) BuildAuthorizationURL(authEndpoint, clientID string, pkce PKCE, serverID, userID string) (string, string, error) {
	state := randomHex(stateBytes)

	err := f.states.SaveState(models.StateRecord{
		State:     state,
		ServerID:  serverID,
		UserID:    userID,
		Verifier:  pkce.Verifier,
		ExpiresAt: time.Now().Add(stateExpiry),
	})
	if err != nil {
		return "", "", fmt.Errorf("persisting OAuth state: %w", err)
	}

	cfg := oauth2.Config{
		ClientID:    clientID,
		RedirectURL: f.redirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: authEndpoint},
	}

	authURL := cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.Method),
	)

	return authURL, state, nil
}

// ConsumeState validates and consumes a state token from a callback.
// Unknown, expired, or replayed states yield ErrStateInvalid.
func (f *Flow) ConsumeState(state string) (*models.StateRecord, error) {
	rec, err := f.states.ConsumeState(state)
	if err != nil {
		return nil, fmt.Errorf("consuming OAuth state: %w", err)
	}

	if rec == nil {
		return nil, apperrors.ErrStateInvalid
	}

	return rec, nil
}

// ExchangeCode exchanges an authorization code (plus its PKCE verifier)
// for tokens at the provider's token endpoint.
func (f *Flow) ExchangeCode(ctx context.Context, tokenEndpoint, clientID, clientSecret, code, verifier string) (*TokenData, error) {
	cfg := f.endpointConfig(tokenEndpoint, clientID, clientSecret)

	tok, err := cfg.Exchange(f.withHTTPClient(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, tokenEndpointError("exchange", err)
	}

	return normalizeToken(tok), nil
}

// Refresh exchanges a refresh token for a new token pair. The returned
// access token always replaces the cached one; the refresh token field
// carries the rotated value when the provider rotates, otherwise the
// original.
func (f *Flow) Refresh(ctx context.Context, tokenEndpoint, clientID, clientSecret, refreshToken string) (*TokenData, error) {
	cfg := f.endpointConfig(tokenEndpoint, clientID, clientSecret)

	tok, err := cfg.TokenSource(f.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, tokenEndpointError("refresh", err)
	}

	return normalizeToken(tok), nil
}

// IsTokenExpired reports whether a token should be treated as expired,
// applying a safety buffer so it cannot expire mid-request. A zero
// expiry means the provider supplied none and the token never expires.
func IsTokenExpired(expiresAt time.Time, buffer time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}

	return !time.Now().Before(expiresAt.Add(-buffer))
}

// SweepStates periodically prunes expired state records until the
// context is cancelled. Run in its own goroutine from the composition
// root so abandoned OAuth attempts do not accumulate.
func (f *Flow) SweepStates(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pruned, err := f.states.PruneExpiredStates()
			if err != nil {
				f.logger.Warn("pruning OAuth states failed", slog.String("error", err.Error()))
				continue
			}

			if pruned > 0 {
				f.logger.Debug("pruned expired OAuth states", slog.Int("count", pruned))
			}
		case <-ctx.Done():
			return
		}
	}
}

// endpointConfig builds the oauth2 config for a token endpoint. Auth
// style is in-params: credentials travel in the form body, which is
// what MCP authorization servers doing dynamic registration expect.
func (f *Flow) endpointConfig(tokenEndpoint, clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  f.redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// withHTTPClient threads the Flow's HTTP client (and its timeout) into
// the oauth2 package.
func (f *Flow) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
}

// normalizeToken converts an oauth2 token to TokenData. The oauth2
// package already converts a relative expires_in to an absolute expiry
// and leaves Expiry zero when the provider omitted it.
func normalizeToken(tok *oauth2.Token) *TokenData {
	return &TokenData{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
}

// tokenEndpointError maps an oauth2 failure to an OAuthError carrying
// the upstream status and a redacted reason. The response body is
// never propagated whole because it may contain credentials.
func tokenEndpointError(op string, err error) error {
	// The RetrieveError's own message embeds the response body, so it
	// is deliberately not wrapped.
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &apperrors.OAuthError{
			Op:         op,
			StatusCode: re.Response.StatusCode,
			Reason:     redactedReason(re.Body),
		}
	}

	return &apperrors.OAuthError{Op: op, Reason: "token endpoint unreachable", Err: err}
}

// redactedReason extracts only the standard OAuth error fields from an
// upstream response body.
func redactedReason(body []byte) string {
	code := gjson.GetBytes(body, "error").String()
	desc := gjson.GetBytes(body, "error_description").String()

	switch {
	case code != "" && desc != "":
		return code + ": " + desc
	case code != "":
		return code
	default:
		return "upstream error"
	}
}

// randomHex generates a cryptographically random hex string of the
// given byte length.
func randomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

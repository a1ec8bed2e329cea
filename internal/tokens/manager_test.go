package tokens

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolgate/internal/crypto"
	apperrors "toolgate/internal/errors"
	"toolgate/internal/models"
	"toolgate/internal/oauth"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var quietLogger = slog.New(slog.DiscardHandler)

// fakeStore keeps records in maps and counts status writes.
type fakeStore struct {
	mu      sync.Mutex
	tokens  map[string]models.TokenRecord
	servers map[string]models.RemoteServer

	getTokenErr error
	statusSets  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tokens:  make(map[string]models.TokenRecord),
		servers: make(map[string]models.RemoteServer),
	}
}

func (s *fakeStore) GetToken(serverID, userID string) (*models.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getTokenErr != nil {
		return nil, s.getTokenErr
	}

	rec, ok := s.tokens[serverID+"|"+userID]
	if !ok {
		return nil, nil
	}

	return &rec, nil
}

func (s *fakeStore) UpsertToken(rec models.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[rec.ServerID+"|"+rec.UserID] = rec

	return nil
}

func (s *fakeStore) GetServer(id string) (*models.RemoteServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[id]
	if !ok {
		return nil, nil
	}

	return &srv, nil
}

func (s *fakeStore) ListServers(userID string) ([]models.RemoteServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.RemoteServer
	for _, srv := range s.servers {
		if srv.UserID == userID {
			out = append(out, srv)
		}
	}

	return out, nil
}

func (s *fakeStore) SetServerStatus(id string, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv := s.servers[id]
	srv.Status = status
	s.servers[id] = srv
	s.statusSets = append(s.statusSets, id)

	return nil
}

// fakeRefresher records refresh grants and hands back a canned token.
type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error

	lastEndpoint     string
	lastClientID     string
	lastClientSecret string
	lastRefreshToken string

	result oauth.TokenData
}

func (f *fakeRefresher) Refresh(_ context.Context, tokenEndpoint, clientID, clientSecret, refreshToken string) (*oauth.TokenData, error) {
	f.mu.Lock()
	f.calls++
	f.lastEndpoint = tokenEndpoint
	f.lastClientID = clientID
	f.lastClientSecret = clientSecret
	f.lastRefreshToken = refreshToken
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if f.err != nil {
		return nil, f.err
	}

	out := f.result

	return &out, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

type fixture struct {
	store   *fakeStore
	flow    *fakeRefresher
	cipher  *crypto.TokenCipher
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cipher, err := crypto.NewTokenCipher(testMasterKey)
	require.NoError(t, err)

	store := newFakeStore()
	flow := &fakeRefresher{}

	return &fixture{
		store:   store,
		flow:    flow,
		cipher:  cipher,
		manager: NewManager(store, flow, cipher, 5*time.Minute, quietLogger),
	}
}

func (f *fixture) encrypt(t *testing.T, plaintext string) string {
	t.Helper()

	out, err := f.cipher.Encrypt(plaintext)
	require.NoError(t, err)

	return out
}

func (f *fixture) seedServer(t *testing.T, withSecret bool) {
	t.Helper()

	srv := models.RemoteServer{
		ID:       "srv-1",
		UserID:   "user-1",
		Name:     "github",
		BaseURL:  "https://mcp.example.com",
		Auth:     models.AuthModeOAuth,
		Status:   models.StatusConnected,
		ClientID: "client-abc",
		Metadata: &models.OAuthMetadata{
			TokenEndpoint: "https://auth.example.com/token",
		},
	}
	if withSecret {
		srv.EncryptedClientSecret = f.encrypt(t, "s3cret")
	}

	f.store.servers[srv.ID] = srv
}

func (f *fixture) seedToken(t *testing.T, access, refresh string, expiresAt time.Time) {
	t.Helper()

	rec := models.TokenRecord{
		ServerID:             "srv-1",
		UserID:               "user-1",
		EncryptedAccessToken: f.encrypt(t, access),
		ExpiresAt:            expiresAt,
	}
	if refresh != "" {
		rec.EncryptedRefreshToken = f.encrypt(t, refresh)
	}

	f.store.tokens["srv-1|user-1"] = rec
}

func TestValidAccessToken_FreshTokenReturnedWithoutRefresh(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, false)
	fx.seedToken(t, "access-1", "refresh-1", time.Now().Add(time.Hour))

	got, err := fx.manager.ValidAccessToken(t.Context(), "srv-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", got)
	assert.Zero(t, fx.flow.callCount())
}

func TestValidAccessToken_NeverExpiringToken(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, false)
	fx.seedToken(t, "access-1", "", time.Time{})

	got, err := fx.manager.ValidAccessToken(t.Context(), "srv-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", got)
	assert.Zero(t, fx.flow.callCount())
}

func TestValidAccessToken_ExpiredTokenRefreshed(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, true)
	fx.seedToken(t, "stale-access", "refresh-1", time.Now().Add(-time.Minute))

	fx.flow.result = oauth.TokenData{
		AccessToken:  "new-access",
		RefreshToken: "rotated-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}

	got, err := fx.manager.ValidAccessToken(t.Context(), "srv-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", got)

	assert.Equal(t, "https://auth.example.com/token", fx.flow.lastEndpoint)
	assert.Equal(t, "client-abc", fx.flow.lastClientID)
	assert.Equal(t, "s3cret", fx.flow.lastClientSecret)
	assert.Equal(t, "refresh-1", fx.flow.lastRefreshToken)

	rec := fx.store.tokens["srv-1|user-1"]

	access, err := fx.cipher.Decrypt(rec.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "new-access", access)

	refresh, err := fx.cipher.Decrypt(rec.EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh", refresh)

	assert.False(t, rec.LastRefreshed.IsZero())
}

func TestValidAccessToken_BufferTreatedAsExpired(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, false)
	// Expires in two minutes; the five minute buffer makes that stale.
	fx.seedToken(t, "stale-access", "refresh-1", time.Now().Add(2*time.Minute))

	fx.flow.result = oauth.TokenData{AccessToken: "new-access", RefreshToken: "refresh-1"}

	got, err := fx.manager.ValidAccessToken(t.Context(), "srv-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", got)
	assert.Equal(t, 1, fx.flow.callCount())
}

func TestValidAccessToken_NoStoredToken(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, false)

	_, err := fx.manager.ValidAccessToken(t.Context(), "srv-1", "user-1")
	require.ErrorIs(t, err, apperrors.ErrNoToken)
}

func TestValidAccessToken_ExpiredWithoutRefreshToken(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, false)
	fx.seedToken(t, "stale-access", "", time.Now().Add(-time.Minute))

	_, err := fx.manager.ValidAccessToken(t.Context(), "srv-1", "user-1")
	require.ErrorIs(t, err, apperrors.ErrNoRefreshToken)
	assert.Zero(t, fx.flow.callCount())
}

func TestValidAccessToken_UndecryptableToken(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, false)
	fx.store.tokens["srv-1|user-1"] = models.TokenRecord{
		ServerID:             "srv-1",
		UserID:               "user-1",
		EncryptedAccessToken: `{"encrypted":"00","iv":"00","authTag":"00"}`,
	}

	_, err := fx.manager.ValidAccessToken(t.Context(), "srv-1", "user-1")
	require.ErrorIs(t, err, apperrors.ErrDecryptionFailed)
}

func TestValidAccessToken_ServerGone(t *testing.T) {
	fx := newFixture(t)
	fx.seedToken(t, "stale-access", "refresh-1", time.Now().Add(-time.Minute))

	_, err := fx.manager.ValidAccessToken(t.Context(), "srv-1", "user-1")
	require.ErrorIs(t, err, apperrors.ErrServerNotFound)
}

func TestValidAccessToken_ServerMissingTokenEndpoint(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, false)

	srv := fx.store.servers["srv-1"]
	srv.Metadata = nil
	fx.store.servers["srv-1"] = srv

	fx.seedToken(t, "stale-access", "refresh-1", time.Now().Add(-time.Minute))

	_, err := fx.manager.ValidAccessToken(t.Context(), "srv-1", "user-1")

	var oauthErr *apperrors.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "refresh", oauthErr.Op)
}

func TestValidAccessToken_RefreshFailurePropagates(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, false)
	fx.seedToken(t, "stale-access", "refresh-1", time.Now().Add(-time.Minute))

	fx.flow.err = &apperrors.OAuthError{Op: "refresh", StatusCode: 400, Reason: "invalid_grant"}

	_, err := fx.manager.ValidAccessToken(t.Context(), "srv-1", "user-1")

	var oauthErr *apperrors.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, 400, oauthErr.StatusCode)

	// Nothing new persisted on failure.
	rec := fx.store.tokens["srv-1|user-1"]
	access, derr := fx.cipher.Decrypt(rec.EncryptedAccessToken)
	require.NoError(t, derr)
	assert.Equal(t, "stale-access", access)
}

func TestValidAccessToken_ConcurrentCallersSingleRefresh(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, false)
	fx.seedToken(t, "stale-access", "refresh-1", time.Now().Add(-time.Minute))

	fx.flow.delay = 50 * time.Millisecond
	fx.flow.result = oauth.TokenData{
		AccessToken:  "new-access",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}

	const callers = 8

	var wg sync.WaitGroup

	results := make([]string, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			results[i], errs[i] = fx.manager.ValidAccessToken(t.Context(), "srv-1", "user-1")
		}()
	}

	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-access", results[i])
	}

	// The first caller refreshes; the rest find the fresh record after
	// the lock releases and skip the grant entirely.
	assert.Equal(t, 1, fx.flow.callCount())
}

func TestReconcileServers_DowngradesTokenlessConnected(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, false)

	servers, err := fx.manager.ReconcileServers("user-1")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, models.StatusDisconnected, servers[0].Status)

	assert.Equal(t, models.StatusDisconnected, fx.store.servers["srv-1"].Status)
	assert.Equal(t, []string{"srv-1"}, fx.store.statusSets)
}

func TestReconcileServers_KeepsFreshToken(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, false)
	fx.seedToken(t, "access-1", "", time.Now().Add(time.Hour))

	servers, err := fx.manager.ReconcileServers("user-1")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, models.StatusConnected, servers[0].Status)
	assert.Empty(t, fx.store.statusSets)
}

func TestReconcileServers_ExpiredTokenDowngradedDespiteRefreshToken(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, false)
	fx.seedToken(t, "stale-access", "refresh-1", time.Now().Add(-time.Minute))

	// A refresh token alone does not make the server reachable, so the
	// row reads and persists as disconnected until a refresh succeeds.
	servers, err := fx.manager.ReconcileServers("user-1")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, models.StatusDisconnected, servers[0].Status)
	assert.Equal(t, models.StatusDisconnected, fx.store.servers["srv-1"].Status)
}

func TestReconcileServers_ExpiredWithoutRefreshDowngraded(t *testing.T) {
	fx := newFixture(t)
	fx.seedServer(t, false)
	fx.seedToken(t, "stale-access", "", time.Now().Add(-time.Minute))

	servers, err := fx.manager.ReconcileServers("user-1")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, models.StatusDisconnected, servers[0].Status)
}

func TestReconcileServers_IgnoresAuthlessAndDisconnected(t *testing.T) {
	fx := newFixture(t)
	fx.store.servers["srv-authless"] = models.RemoteServer{
		ID:     "srv-authless",
		UserID: "user-1",
		Auth:   models.AuthModeAuthless,
		Status: models.StatusConnected,
	}
	fx.store.servers["srv-down"] = models.RemoteServer{
		ID:     "srv-down",
		UserID: "user-1",
		Auth:   models.AuthModeOAuth,
		Status: models.StatusDisconnected,
	}

	servers, err := fx.manager.ReconcileServers("user-1")
	require.NoError(t, err)
	assert.Len(t, servers, 2)
	assert.Empty(t, fx.store.statusSets)
}

// Package connections owns the mapping from remote server URL to live
// MCP client session. It reuses healthy sessions, replaces stale ones,
// and guarantees at most one in-flight open per server URL so two
// concurrent callers never race into opening duplicate connections.
package connections

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"

	apperrors "toolgate/internal/errors"
)

// pingTimeout bounds the liveness probe so a hung server cannot stall
// a connect call that could otherwise just reopen.
const pingTimeout = 5 * time.Second

// Session is the subset of the MCP client session used by this
// subsystem. Satisfied by *mcp.ClientSession.
type Session interface {
	Ping(ctx context.Context, params *mcp.PingParams) error
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer opens a new MCP session to a server URL, attaching the access
// token as a bearer credential when provided.
type Dialer interface {
	Dial(ctx context.Context, serverURL, accessToken string) (Session, error)
}

// ToolSink receives tool discovery events from the registry. Satisfied
// by *tools.Registry.
type ToolSink interface {
	Discover(ctx context.Context, serverURL string, session Session) error
	RemoveServer(serverURL string)
}

// Registry is the per-process cache of live connections, keyed by
// server URL. It is constructed once at the composition root and
// injected into everything that needs a connection; there is no
// package-level instance.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Session

	group  singleflight.Group
	dialer Dialer
	tools  ToolSink
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(dialer Dialer, tools ToolSink, logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		dialer:   dialer,
		tools:    tools,
		logger:   logger,
	}
}

// Connect returns a live session for the server URL, reusing the cached
// one when its liveness probe passes and replacing it otherwise.
// accessToken may be empty for authless servers.
func (r *Registry) Connect(ctx context.Context, serverURL, accessToken string) (Session, error) {
	// singleflight serializes check-then-act per URL: concurrent
	// callers share one probe-or-open instead of double-connecting.
	v, err, _ := r.group.Do(serverURL, func() (any, error) {
		return r.connect(ctx, serverURL, accessToken)
	})
	if err != nil {
		return nil, err
	}

	return v.(Session), nil
}

func (r *Registry) connect(ctx context.Context, serverURL, accessToken string) (Session, error) {
	r.mu.Lock()
	cached, ok := r.sessions[serverURL]
	r.mu.Unlock()

	if ok {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := cached.Ping(pingCtx, nil)
		cancel()

		if err == nil {
			return cached, nil
		}

		// Stale sessions are evicted and replaced, never silently reused.
		r.logger.Info("evicting stale connection", slog.String("server_url", serverURL))
		r.evict(serverURL, cached)
	}

	session, err := r.dialer.Dial(ctx, serverURL, accessToken)
	if err != nil {
		return nil, &apperrors.ConnectionError{URL: serverURL, Err: err}
	}

	r.mu.Lock()
	r.sessions[serverURL] = session
	r.mu.Unlock()

	// Discovery failure does not fail the connect: the connection is
	// still useful even when the tool list is momentarily unknown.
	if err := r.tools.Discover(ctx, serverURL, session); err != nil {
		r.logger.Warn("tool discovery failed after connect",
			slog.String("server_url", serverURL),
			slog.String("error", err.Error()))
	}

	r.logger.Info("connected to server", slog.String("server_url", serverURL))

	return session, nil
}

// Disconnect closes and evicts the cached session for the server URL
// and removes its tools. No-op when no session is cached.
func (r *Registry) Disconnect(serverURL string) {
	r.mu.Lock()
	session, ok := r.sessions[serverURL]
	delete(r.sessions, serverURL)
	r.mu.Unlock()

	if ok {
		if err := session.Close(); err != nil {
			r.logger.Warn("closing connection", slog.String("server_url", serverURL), slog.String("error", err.Error()))
		}
	}

	r.tools.RemoveServer(serverURL)
}

// Len returns the number of cached sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// CloseAll closes every cached session. Called on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]Session)
	r.mu.Unlock()

	for url, session := range sessions {
		if err := session.Close(); err != nil {
			r.logger.Warn("closing connection", slog.String("server_url", url), slog.String("error", err.Error()))
		}
	}
}

// evict removes a session from the cache and closes it, but only if the
// cache still holds that exact session.
func (r *Registry) evict(serverURL string, session Session) {
	r.mu.Lock()
	if r.sessions[serverURL] == session {
		delete(r.sessions, serverURL)
	}
	r.mu.Unlock()

	_ = session.Close()
}

// MCPDialer opens sessions using the MCP SDK's streamable HTTP
// transport.
type MCPDialer struct {
	// Timeout applies to each HTTP round trip within the session.
	Timeout time.Duration

	// Name and Version identify this client in the MCP handshake.
	Name    string
	Version string
}

// Dial opens a streamable HTTP session, injecting the access token as a
// Bearer credential when present. A session that fails to open is never
// returned half-open.
func (d *MCPDialer) Dial(ctx context.Context, serverURL, accessToken string) (Session, error) {
	httpClient := &http.Client{Timeout: d.Timeout}
	if accessToken != "" {
		httpClient.Transport = &bearerTransport{token: accessToken, base: http.DefaultTransport}
	}

	transport := &mcp.StreamableClientTransport{
		Endpoint:   serverURL,
		HTTPClient: httpClient,
	}

	client := mcp.NewClient(&mcp.Implementation{Name: d.Name, Version: d.Version}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}

	return session, nil
}

// bearerTransport injects the Authorization header on every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)

	return t.base.RoundTrip(clone)
}

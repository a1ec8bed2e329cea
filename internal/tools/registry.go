// Package tools maintains the registry of tools discovered on remote
// servers and routes invocations to the session hosting each tool.
// Tool names are namespaced per server (serverName_toolName) so two
// servers exposing the same tool name never overwrite each other.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"toolgate/internal/connections"
	apperrors "toolgate/internal/errors"
	"toolgate/internal/models"
)

// ToolCache persists discovered tool schemas. Satisfied by *store.Store.
type ToolCache interface {
	ReplaceTools(serverID string, tools []models.CachedToolSchema) error
}

// Tool is one registered tool and the server hosting it.
type Tool struct {
	// Name is the namespaced lookup key (serverName_toolName).
	Name string
	// RemoteName is the tool's name on its own server.
	RemoteName  string
	Description string
	ServerID    string
	ServerURL   string
	InputSchema json.RawMessage
}

// serverBinding ties a server URL to the identity used for namespacing
// and cache rows.
type serverBinding struct {
	id   string
	name string
}

// Registry is the process-wide name -> tool map. Injected, never a
// package-level singleton.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	servers map[string]serverBinding // serverURL -> binding

	cache  ToolCache
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cache ToolCache, logger *slog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		servers: make(map[string]serverBinding),
		cache:   cache,
		logger:  logger,
	}
}

// BindServer associates a server URL with its ID and display name.
// Must be called before tools for that URL can be discovered.
func (r *Registry) BindServer(serverURL, serverID, serverName string) {
	r.mu.Lock()
	r.servers[serverURL] = serverBinding{id: serverID, name: serverName}
	r.mu.Unlock()
}

// Discover fetches the server's tool list over the given session and
// replaces the registered set for that server. An empty result is valid
// and clears any previous set. Snapshots are persisted to the cache.
func (r *Registry) Discover(ctx context.Context, serverURL string, session connections.Session) error {
	r.mu.RLock()
	binding, bound := r.servers[serverURL]
	r.mu.RUnlock()

	if !bound {
		return fmt.Errorf("no server bound for %s", serverURL)
	}

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		return fmt.Errorf("listing tools: %w", err)
	}

	discovered := make(map[string]Tool, len(result.Tools))
	cached := make([]models.CachedToolSchema, 0, len(result.Tools))

	for _, t := range result.Tools {
		var schema json.RawMessage
		if t.InputSchema != nil {
			schema, err = json.Marshal(t.InputSchema)
			if err != nil {
				return fmt.Errorf("marshalling schema for %s: %w", t.Name, err)
			}
		}

		qualified := binding.name + "_" + t.Name
		discovered[qualified] = Tool{
			Name:        qualified,
			RemoteName:  t.Name,
			Description: t.Description,
			ServerID:    binding.id,
			ServerURL:   serverURL,
			InputSchema: schema,
		}

		cached = append(cached, models.CachedToolSchema{
			ServerID:    binding.id,
			ServerURL:   serverURL,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	r.mu.Lock()
	for name, t := range r.tools {
		if t.ServerURL == serverURL {
			delete(r.tools, name)
		}
	}

	for name, t := range discovered {
		r.tools[name] = t
	}
	r.mu.Unlock()

	if err := r.cache.ReplaceTools(binding.id, cached); err != nil {
		return fmt.Errorf("caching tool schemas: %w", err)
	}

	r.logger.Info("discovered tools",
		slog.String("server_url", serverURL),
		slog.Int("count", len(discovered)))

	return nil
}

// Lookup returns the tool registered under a namespaced name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]

	return t, ok
}

// List returns every registered tool.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}

	return out
}

// Execute invokes a registered tool over the given session and returns
// the remote result verbatim. An unregistered name is a hard error; no
// retries happen at this layer.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, session connections.Session) (*mcp.CallToolResult, error) {
	tool, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrToolNotFound, name)
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool.RemoteName,
		Arguments: args,
	})
	if err != nil {
		return nil, &apperrors.ToolExecutionError{Tool: name, Err: err}
	}

	return result, nil
}

// RemoveServer deletes every tool registered for a server URL, in
// memory and from the cache. Used on disconnect and delete.
func (r *Registry) RemoveServer(serverURL string) {
	r.mu.Lock()

	binding, bound := r.servers[serverURL]
	for name, t := range r.tools {
		if t.ServerURL == serverURL {
			delete(r.tools, name)
		}
	}
	r.mu.Unlock()

	if !bound {
		return
	}

	if err := r.cache.ReplaceTools(binding.id, nil); err != nil {
		r.logger.Warn("clearing cached tools",
			slog.String("server_url", serverURL),
			slog.String("error", err.Error()))
	}
}

// Package catalog loads a YAML file of preregistered MCP servers and
// keeps the store in sync with it, hot-reloading when the file changes.
// The catalog is operator-managed seed data; servers registered through
// the API are never touched by it.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"toolgate/internal/models"
)

// debounceWindow coalesces the burst of fsnotify events most editors
// emit for a single save.
const debounceWindow = 250 * time.Millisecond

// Entry is one preregistered server in the catalog file.
type Entry struct {
	User string `yaml:"user"`
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Auth is "oauth", "authless", or empty to discover on connect.
	Auth string `yaml:"auth,omitempty"`
}

type file struct {
	Servers []Entry `yaml:"servers"`
}

// Registrar applies catalog changes to the rest of the system.
// Satisfied by the HTTP server's service layer.
type Registrar interface {
	RegisterCatalogServer(ctx context.Context, entry Entry) error
	RemoveCatalogServer(ctx context.Context, userID, baseURL string) error
}

// Catalog watches one YAML file and mirrors its entries through a
// Registrar.
type Catalog struct {
	path      string
	registrar Registrar
	logger    *slog.Logger

	mu      sync.Mutex
	applied map[string]Entry // user|url -> entry as last applied
}

// New creates a Catalog for the given file path. The file does not have
// to exist yet; it is picked up when it appears.
func New(path string, registrar Registrar, logger *slog.Logger) *Catalog {
	return &Catalog{
		path:      path,
		registrar: registrar,
		logger:    logger,
		applied:   make(map[string]Entry),
	}
}

// Load reads the file and applies it. Called once at startup and again
// on every change event.
func (c *Catalog) Load(ctx context.Context) error {
	entries, err := parseFile(c.path)
	if err != nil {
		return err
	}

	return c.apply(ctx, entries)
}

// Watch blocks until ctx is cancelled, reloading the catalog whenever
// the file is written. Watching the parent directory instead of the
// file itself survives the rename-over-save most editors do.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating catalog watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	var (
		debounce *time.Timer
		reload   <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != filepath.Clean(c.path) {
				continue
			}

			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}

			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
				reload = debounce.C
			} else {
				debounce.Reset(debounceWindow)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			c.logger.Warn("catalog watcher error", slog.String("error", err.Error()))

		case <-reload:
			debounce = nil
			reload = nil

			if err := c.Load(ctx); err != nil {
				// A bad edit must not take down the running set.
				c.logger.Error("catalog reload failed, keeping previous entries",
					slog.String("path", c.path),
					slog.String("error", err.Error()))
			}
		}
	}
}

// apply diffs the new entries against what was last applied, registering
// additions and removing entries that disappeared from the file. A
// changed entry is removed and re-registered.
func (c *Catalog) apply(ctx context.Context, entries []Entry) error {
	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		next[e.User+"|"+e.URL] = e
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, old := range c.applied {
		if latest, still := next[key]; still && latest == old {
			continue
		}

		if err := c.registrar.RemoveCatalogServer(ctx, old.User, old.URL); err != nil {
			c.logger.Warn("removing catalog server",
				slog.String("url", old.URL),
				slog.String("error", err.Error()))

			continue
		}

		delete(c.applied, key)
	}

	for key, e := range next {
		if _, done := c.applied[key]; done {
			continue
		}

		if err := c.registrar.RegisterCatalogServer(ctx, e); err != nil {
			c.logger.Warn("registering catalog server",
				slog.String("url", e.URL),
				slog.String("error", err.Error()))

			continue
		}

		c.applied[key] = e

		c.logger.Info("registered catalog server",
			slog.String("user", e.User),
			slog.String("name", e.Name),
			slog.String("url", e.URL))
	}

	return nil
}

// Applied returns a snapshot of the entries currently in effect.
func (c *Catalog) Applied() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.applied))
	for _, e := range c.applied {
		out = append(out, e)
	}

	return out
}

func parseFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog YAML: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Servers))

	for i, e := range f.Servers {
		if e.User == "" || e.Name == "" || e.URL == "" {
			return nil, fmt.Errorf("catalog entry %d: user, name and url are required", i+1)
		}

		switch models.AuthMode(e.Auth) {
		case models.AuthModeOAuth, models.AuthModeAuthless, "":
		default:
			return nil, fmt.Errorf("catalog entry %d: unknown auth mode %q", i+1, e.Auth)
		}

		key := e.User + "|" + e.URL
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("catalog entry %d: duplicate server %s for user %s", i+1, e.URL, e.User)
		}

		seen[key] = struct{}{}
	}

	return f.Servers, nil
}

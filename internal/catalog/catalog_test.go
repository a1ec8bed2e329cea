package catalog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.DiscardHandler)

type fakeRegistrar struct {
	mu         sync.Mutex
	registered []Entry
	removed    []string // user|url
	failFor    map[string]error
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{failFor: make(map[string]error)}
}

func (r *fakeRegistrar) RegisterCatalogServer(_ context.Context, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failFor[entry.URL]; err != nil {
		return err
	}

	r.registered = append(r.registered, entry)

	return nil
}

func (r *fakeRegistrar) RemoveCatalogServer(_ context.Context, userID, baseURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removed = append(r.removed, userID+"|"+baseURL)

	return nil
}

func (r *fakeRegistrar) snapshot() ([]Entry, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Entry(nil), r.registered...), append([]string(nil), r.removed...)
}

func writeCatalog(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad_RegistersEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, `
servers:
  - user: user-1
    name: github
    url: https://mcp.github.example.com
    auth: oauth
  - user: user-1
    name: weather
    url: https://weather.example.com
    auth: authless
`)

	registrar := newFakeRegistrar()
	c := New(path, registrar, quietLogger)

	require.NoError(t, c.Load(t.Context()))

	registered, removed := registrar.snapshot()
	require.Len(t, registered, 2)
	assert.Empty(t, removed)
	assert.Len(t, c.Applied(), 2)
}

func TestLoad_MissingFileIsEmptyCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	c := New(path, newFakeRegistrar(), quietLogger)

	require.NoError(t, c.Load(t.Context()))
	assert.Empty(t, c.Applied())
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "missing url",
			content: "servers:\n  - user: u\n    name: n\n",
		},
		{
			name:    "unknown auth mode",
			content: "servers:\n  - user: u\n    name: n\n    url: https://x\n    auth: saml\n",
		},
		{
			name:    "duplicate entry",
			content: "servers:\n  - {user: u, name: a, url: https://x}\n  - {user: u, name: b, url: https://x}\n",
		},
		{
			name:    "not yaml",
			content: "servers: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "catalog.yaml")
			writeCatalog(t, path, tt.content)

			c := New(path, newFakeRegistrar(), quietLogger)
			require.Error(t, c.Load(t.Context()))
		})
	}
}

func TestLoad_SecondLoadOnlyAppliesDiff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, `
servers:
  - {user: user-1, name: github, url: https://a.example.com, auth: oauth}
  - {user: user-1, name: weather, url: https://b.example.com, auth: authless}
`)

	registrar := newFakeRegistrar()
	c := New(path, registrar, quietLogger)
	require.NoError(t, c.Load(t.Context()))

	// Drop b, add c.
	writeCatalog(t, path, `
servers:
  - {user: user-1, name: github, url: https://a.example.com, auth: oauth}
  - {user: user-1, name: search, url: https://c.example.com, auth: authless}
`)
	require.NoError(t, c.Load(t.Context()))

	registered, removed := registrar.snapshot()
	require.Len(t, registered, 3, "a and b once, then only c")
	assert.Equal(t, []string{"user-1|https://b.example.com"}, removed)
	assert.Len(t, c.Applied(), 2)
}

func TestLoad_ChangedEntryReapplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, "servers:\n  - {user: user-1, name: github, url: https://a.example.com, auth: oauth}\n")

	registrar := newFakeRegistrar()
	c := New(path, registrar, quietLogger)
	require.NoError(t, c.Load(t.Context()))

	writeCatalog(t, path, "servers:\n  - {user: user-1, name: gh, url: https://a.example.com, auth: oauth}\n")
	require.NoError(t, c.Load(t.Context()))

	registered, removed := registrar.snapshot()
	require.Len(t, registered, 2)
	assert.Equal(t, "gh", registered[1].Name)
	assert.Equal(t, []string{"user-1|https://a.example.com"}, removed)
}

func TestLoad_RegistrationFailureRetriedNextLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, "servers:\n  - {user: user-1, name: github, url: https://a.example.com}\n")

	registrar := newFakeRegistrar()
	registrar.failFor["https://a.example.com"] = errors.New("store down")

	c := New(path, registrar, quietLogger)
	require.NoError(t, c.Load(t.Context()))
	assert.Empty(t, c.Applied(), "failed entry must not count as applied")

	registrar.mu.Lock()
	delete(registrar.failFor, "https://a.example.com")
	registrar.mu.Unlock()

	require.NoError(t, c.Load(t.Context()))
	assert.Len(t, c.Applied(), 1)
}

func TestWatch_ReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	writeCatalog(t, path, "servers: []\n")

	registrar := newFakeRegistrar()
	c := New(path, registrar, quietLogger)
	require.NoError(t, c.Load(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = c.Watch(ctx)
	}()

	// Give the watcher a moment to arm before writing.
	time.Sleep(100 * time.Millisecond)

	writeCatalog(t, path, "servers:\n  - {user: user-1, name: github, url: https://a.example.com, auth: oauth}\n")

	require.Eventually(t, func() bool {
		registered, _ := registrar.snapshot()

		return len(registered) == 1
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done
}

func TestWatch_IgnoresOtherFilesInDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	writeCatalog(t, path, "servers: []\n")

	registrar := newFakeRegistrar()
	c := New(path, registrar, quietLogger)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = c.Watch(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	writeCatalog(t, filepath.Join(dir, "unrelated.yaml"), "servers:\n  - {user: u, name: n, url: https://x}\n")
	time.Sleep(500 * time.Millisecond)

	registered, _ := registrar.snapshot()
	assert.Empty(t, registered)

	cancel()
	<-done
}
